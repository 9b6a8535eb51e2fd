package keyManager

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	SourcePrefix_Hex      = "hex:"
	SourcePrefix_Env      = "env:"
	SourcePrefix_File     = "file:"
	SourcePrefix_Keystore = "keystore:"
	SourcePrefix_KMS      = "kms:"
	Source_Generate       = "generate"
)

// KMSDecrypter is the subset of the AWS KMS client used to unwrap an
// encrypted private key
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type SourceConfig struct {
	// Source selects where the key comes from, see the SourcePrefix_ constants
	Source           string
	KeystorePassword string
	// KMS is required for kms: sources
	KMS KMSDecrypter
}

// LoadKeyManager resolves cfg.Source into a private key and wraps it in a KeyManager.
// Every failure is a Fatal SignerUnavailable error.
func LoadKeyManager(ctx context.Context, cfg *SourceConfig, l *zap.Logger) (*KeyManager, error) {
	key, err := loadPrivateKey(ctx, cfg, l)
	if err != nil {
		if _, ok := oracleErrors.As(err); ok {
			return nil, err
		}
		return nil, oracleErrors.Wrap(oracleErrors.CodeSignerUnavailable, err, "failed to load signing key").
			With("source", describeSource(cfg.Source))
	}
	return NewKeyManager(key, l)
}

func loadPrivateKey(ctx context.Context, cfg *SourceConfig, l *zap.Logger) (*ecdsa.PrivateKey, error) {
	src := strings.TrimSpace(cfg.Source)
	switch {
	case src == Source_Generate:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		l.Sugar().Warnw("Using an ephemeral signing key; it is lost on restart",
			"address", crypto.PubkeyToAddress(key.PublicKey).String())
		return key, nil

	case strings.HasPrefix(src, SourcePrefix_Hex):
		return parseHexKey(strings.TrimPrefix(src, SourcePrefix_Hex))

	case strings.HasPrefix(src, SourcePrefix_Env):
		name := strings.TrimPrefix(src, SourcePrefix_Env)
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return nil, fmt.Errorf("environment variable %s is not set", name)
		}
		return parseHexKey(value)

	case strings.HasPrefix(src, SourcePrefix_File):
		data, err := os.ReadFile(strings.TrimPrefix(src, SourcePrefix_File))
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		defer clear(data)
		return parseHexKey(string(data))

	case strings.HasPrefix(src, SourcePrefix_Keystore):
		data, err := os.ReadFile(strings.TrimPrefix(src, SourcePrefix_Keystore))
		if err != nil {
			return nil, fmt.Errorf("failed to read keystore file: %w", err)
		}
		key, err := keystore.DecryptKey(data, cfg.KeystorePassword)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil

	case strings.HasPrefix(src, SourcePrefix_KMS):
		if cfg.KMS == nil {
			return nil, fmt.Errorf("kms key source requires an AWS KMS client")
		}
		return decryptWithKMS(ctx, cfg.KMS, strings.TrimPrefix(src, SourcePrefix_KMS))

	default:
		return nil, fmt.Errorf("unsupported key source %q", describeSource(src))
	}
}

func parseHexKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		// the crypto error can echo the input, keep it out of logs
		return nil, fmt.Errorf("invalid hex private key")
	}
	return key, nil
}

// describeSource strips any inline secret from a source string
func describeSource(src string) string {
	if strings.HasPrefix(src, SourcePrefix_Hex) {
		return SourcePrefix_Hex + "<redacted>"
	}
	return src
}
