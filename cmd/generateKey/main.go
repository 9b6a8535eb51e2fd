package main

import (
	"fmt"
	"log"
	"os"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/config"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/logger"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "generate-key",
		Usage: "Create an encrypted signing key for the price oracle",
		Description: `Generates a new secp256k1 key and writes it as an encrypted keystore file.
Only the account address is printed; use keystore:<path> as the oracle key source.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory to write the keystore file into",
				Value: "./keystore",
			},
			&cli.StringFlag{
				Name:     "password",
				Usage:    "Keystore encryption password",
				EnvVars:  []string{config.EnvOracleKeystorePassword},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "light",
				Usage: "Use light scrypt parameters (for development only)",
			},
		},
		Action: generateKey,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func generateKey(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	path, address, err := writeKeystore(c.String("dir"), c.String("password"), c.Bool("light"))
	if err != nil {
		return err
	}

	l.Sugar().Infow("Wrote keystore", "address", address, "path", path)
	fmt.Println(address)
	return nil
}

// writeKeystore generates a key, stores it encrypted under dir and returns
// the file path and account address. The key itself never leaves this function.
func writeKeystore(dir, password string, light bool) (string, string, error) {
	if password == "" {
		return "", "", fmt.Errorf("password must not be empty")
	}

	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	ks := keystore.NewKeyStore(dir, scryptN, scryptP)

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	defer func() {
		clear(key.D.Bits())
		key.D.SetInt64(0)
	}()

	account, err := ks.ImportECDSA(key, password)
	if err != nil {
		return "", "", fmt.Errorf("failed to write keystore: %w", err)
	}
	return account.URL.Path, account.Address.Hex(), nil
}
