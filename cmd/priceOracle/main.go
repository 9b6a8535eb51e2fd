package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/config"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/logger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/scheduler"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/server"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/statusClient"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "price-oracle",
		Usage: "Price feed submission service",
		Description: `Periodically fetches an exchange rate from an external provider, validates it
and submits it as a signed transaction to the oracle contract.

Settings come from an optional YAML file (--config) overlaid by flags and
environment variables.`,
		Version: "1.0.0",
		Flags:   oracleFlags(),
		Action:  runOracle,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the oracle until interrupted (default)",
				Flags:  oracleFlags(),
				Action: runOracle,
			},
			{
				Name:   "once",
				Usage:  "Run a single cycle and exit non-zero unless it confirmed",
				Flags:  oracleFlags(),
				Action: runOnce,
			},
			{
				Name:  "status",
				Usage: "Query a running oracle's /status and /healthz endpoints",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "url",
						Usage: "Base URL of the oracle status server",
						Value: "http://localhost:8000",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Request timeout",
						Value: 10 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "Enable debug logging",
					},
				},
				Action: statusCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func oracleFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML config file",
			EnvVars: []string{config.EnvOracleConfigFile},
		},
		&cli.StringFlag{
			Name:    "rpc-url",
			Aliases: []string{"rpc"},
			Usage:   "Ethereum RPC endpoint URL",
			EnvVars: []string{config.EnvOracleRPCURL},
		},
		&cli.StringFlag{
			Name:    "network",
			Usage:   "Network selection: public, test or local",
			EnvVars: []string{config.EnvOracleNetwork},
		},
		&cli.UintFlag{
			Name:    "chain-id",
			Aliases: []string{"chain"},
			Usage:   fmt.Sprintf("Ethereum chain ID, overrides --network: %s", config.GetSupportedChainIDsString()),
			EnvVars: []string{config.EnvOracleChainID},
		},
		&cli.StringFlag{
			Name:    "contract-address",
			Aliases: []string{"contract"},
			Usage:   "Price oracle contract address",
			EnvVars: []string{config.EnvOracleContractAddress},
		},
		&cli.StringFlag{
			Name:    "pair",
			Usage:   "Asset pair as BASE/QUOTE, e.g. USD/NGN",
			EnvVars: []string{config.EnvOraclePair},
		},
		&cli.DurationFlag{
			Name:    "fetch-interval",
			Usage:   "Time between cycles",
			EnvVars: []string{config.EnvOracleFetchInterval},
		},
		&cli.StringFlag{
			Name:    "provider-url",
			Usage:   "Price provider endpoint",
			EnvVars: []string{config.EnvOracleProviderURL},
		},
		&cli.StringFlag{
			Name:    "provider-method",
			Usage:   "HTTP method for the provider: GET or POST",
			EnvVars: []string{config.EnvOracleProviderMethod},
		},
		&cli.StringFlag{
			Name:    "provider-api-key",
			Usage:   "API key sent to the provider",
			EnvVars: []string{config.EnvOracleProviderAPIKey},
		},
		&cli.StringFlag{
			Name:    "provider-rate-path",
			Usage:   "gjson path of the rate in the provider response",
			EnvVars: []string{config.EnvOracleProviderRatePath},
		},
		&cli.StringFlag{
			Name:    "provider-timestamp-path",
			Usage:   "gjson path of the observation time in the provider response",
			EnvVars: []string{config.EnvOracleProviderTimePath},
		},
		&cli.StringFlag{
			Name:    "provider-source",
			Usage:   "Source label recorded on quotes",
			EnvVars: []string{config.EnvOracleProviderSourceName},
		},
		&cli.Float64Flag{
			Name:    "provider-rps",
			Usage:   "Maximum provider requests per second, 0 for unlimited",
			EnvVars: []string{config.EnvOracleProviderRPS},
		},
		&cli.StringFlag{
			Name:    "min-rate",
			Usage:   "Lowest accepted rate",
			EnvVars: []string{config.EnvOracleMinRate},
		},
		&cli.StringFlag{
			Name:    "max-rate",
			Usage:   "Highest accepted rate",
			EnvVars: []string{config.EnvOracleMaxRate},
		},
		&cli.DurationFlag{
			Name:    "max-quote-age",
			Usage:   "Oldest accepted quote",
			EnvVars: []string{config.EnvOracleMaxQuoteAge},
		},
		&cli.IntFlag{
			Name:    "retry-ceiling",
			Usage:   "Attempts per cycle",
			EnvVars: []string{config.EnvOracleRetryCeiling},
		},
		&cli.DurationFlag{
			Name:    "backoff-initial",
			Usage:   "First retry delay",
			EnvVars: []string{config.EnvOracleBackoffInitial},
		},
		&cli.DurationFlag{
			Name:    "backoff-max",
			Usage:   "Largest retry delay",
			EnvVars: []string{config.EnvOracleBackoffMax},
		},
		&cli.Uint64Flag{
			Name:    "gas-limit",
			Usage:   "Gas limit of submitPrice transactions",
			EnvVars: []string{config.EnvOracleGasLimit},
		},
		&cli.Uint64Flag{
			Name:    "max-gas-fee-cap-gwei",
			Usage:   "Highest fee cap a replacement of a stuck transaction may use (0 = unlimited)",
			EnvVars: []string{config.EnvOracleMaxGasFeeCapGwei},
		},
		&cli.UintFlag{
			Name:    "rate-decimals",
			Usage:   "Fixed point decimals of the submitted rate",
			EnvVars: []string{config.EnvOracleRateDecimals},
		},
		&cli.DurationFlag{
			Name:    "validity-window",
			Usage:   "How long a signed envelope stays valid",
			EnvVars: []string{config.EnvOracleValidityWindow},
		},
		&cli.DurationFlag{
			Name:    "max-account-age",
			Usage:   "Oldest account state an envelope may be built from",
			EnvVars: []string{config.EnvOracleMaxAccountAge},
		},
		&cli.DurationFlag{
			Name:    "confirmation-timeout",
			Usage:   "Wait for inclusion before resolving the transaction's fate (default depends on chain)",
			EnvVars: []string{config.EnvOracleConfirmTimeout},
		},
		&cli.StringFlag{
			Name:    "key-source",
			Usage:   "Signing key: hex:<key>, env:<VAR>, file:<path>, keystore:<path>, kms:<path> or generate",
			EnvVars: []string{config.EnvOracleKeySource},
		},
		&cli.StringFlag{
			Name:    "keystore-password",
			Usage:   "Password of a keystore key source",
			EnvVars: []string{config.EnvOracleKeystorePassword},
		},
		&cli.StringFlag{
			Name:    "aws-region",
			Usage:   "AWS region for kms: key sources",
			EnvVars: []string{config.EnvOracleAWSRegion},
		},
		&cli.StringFlag{
			Name:    "persistence",
			Usage:   "Journal backend: memory, badger or redis",
			EnvVars: []string{config.EnvOraclePersistenceType},
		},
		&cli.StringFlag{
			Name:    "badger-path",
			Usage:   "Badger data directory",
			EnvVars: []string{config.EnvOracleBadgerPath},
		},
		&cli.StringFlag{
			Name:    "redis-address",
			Usage:   "Redis host:port",
			EnvVars: []string{config.EnvOracleRedisAddress},
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for the cycle result sink",
			EnvVars: []string{config.EnvOracleKafkaBrokers},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Usage:   "Kafka topic for the cycle result sink",
			EnvVars: []string{config.EnvOracleKafkaTopic},
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Status server port, 0 disables it",
			EnvVars: []string{config.EnvOracleStatusPort},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long to wait for an in-flight cycle on shutdown",
			EnvVars: []string{config.EnvOracleShutdownTimeout},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "Enable verbose logging",
			EnvVars: []string{config.EnvOracleVerbose},
		},
	}
}

// parseOracleConfig loads the config file and applies every flag that was set
func parseOracleConfig(c *cli.Context) (*config.OracleConfig, error) {
	cfg, err := config.LoadOracleConfigFile(c.String("config"))
	if err != nil {
		return nil, err
	}

	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if c.IsSet(name) {
			*dst = c.Duration(name)
		}
	}

	setString("rpc-url", &cfg.RpcUrl)
	if c.IsSet("network") {
		cfg.Network = config.Network(c.String("network"))
	}
	if c.IsSet("chain-id") {
		cfg.ChainID = config.ChainId(c.Uint("chain-id"))
	}
	setString("contract-address", &cfg.ContractAddress)
	setString("pair", &cfg.Pair)
	setDuration("fetch-interval", &cfg.FetchInterval)

	setString("provider-url", &cfg.Provider.URL)
	setString("provider-method", &cfg.Provider.Method)
	setString("provider-api-key", &cfg.Provider.APIKey)
	setString("provider-rate-path", &cfg.Provider.RatePath)
	setString("provider-timestamp-path", &cfg.Provider.TimestampPath)
	setString("provider-source", &cfg.Provider.Source)
	if c.IsSet("provider-rps") {
		cfg.Provider.RequestsPerSecond = c.Float64("provider-rps")
	}

	setString("min-rate", &cfg.Bounds.MinRate)
	setString("max-rate", &cfg.Bounds.MaxRate)
	setDuration("max-quote-age", &cfg.Bounds.MaxQuoteAge)

	if c.IsSet("retry-ceiling") {
		cfg.Retry.Ceiling = c.Int("retry-ceiling")
	}
	setDuration("backoff-initial", &cfg.Retry.InitialBackoff)
	setDuration("backoff-max", &cfg.Retry.MaxBackoff)

	if c.IsSet("gas-limit") {
		cfg.Submission.GasLimit = c.Uint64("gas-limit")
	}
	if c.IsSet("max-gas-fee-cap-gwei") {
		cfg.Submission.MaxGasFeeCapGwei = c.Uint64("max-gas-fee-cap-gwei")
	}
	if c.IsSet("rate-decimals") {
		cfg.Submission.RateDecimals = uint8(c.Uint("rate-decimals"))
	}
	setDuration("validity-window", &cfg.Submission.ValidityWindow)
	setDuration("max-account-age", &cfg.Submission.MaxAccountAge)
	setDuration("confirmation-timeout", &cfg.Submission.ConfirmationTimeout)

	setString("key-source", &cfg.Key.Source)
	setString("keystore-password", &cfg.Key.KeystorePassword)
	setString("aws-region", &cfg.Key.AWSRegion)

	if c.IsSet("persistence") {
		cfg.Persistence.Type = config.PersistenceType(c.String("persistence"))
	}
	setString("badger-path", &cfg.Persistence.BadgerPath)
	setString("redis-address", &cfg.Persistence.RedisAddress)

	if c.IsSet("kafka-brokers") {
		cfg.Sinks.KafkaBrokers = c.StringSlice("kafka-brokers")
	}
	setString("kafka-topic", &cfg.Sinks.KafkaTopic)

	if c.IsSet("port") {
		cfg.StatusPort = c.Int("port")
	}
	setDuration("shutdown-timeout", &cfg.ShutdownTimeout)
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
		cfg.Debug = cfg.Verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.OracleConfig) (*zap.Logger, error) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug || cfg.Verbose})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return l, nil
}

func runOracle(c *cli.Context) error {
	cfg, err := parseOracleConfig(c)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newOracleApp(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.oracle.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile submission journal: %w", err)
	}

	sched := scheduler.NewScheduler(&scheduler.SchedulerConfig{
		Interval:        cfg.FetchInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, func(ctx, hardCtx context.Context) error {
		_, err := app.oracle.RunCycle(ctx, hardCtx)
		return err
	}, l)
	if app.metrics != nil {
		sched.OnSkip(app.metrics.SkippedTick)
	}

	var srv *server.Server
	if cfg.StatusPort > 0 {
		srv = server.NewServer(&server.ServerConfig{Port: cfg.StatusPort}, app.oracle, sched, app.store, app.metrics.Registry(), l)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	l.Sugar().Infow("Price oracle running",
		"address", app.oracle.Identity().Hex(),
		"pair", cfg.Pair,
		"chain", cfg.ChainName,
		"interval", cfg.FetchInterval,
		"statusPort", cfg.StatusPort,
	)
	l.Sugar().Info("Press Ctrl+C to stop")

	if err := sched.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		l.Sugar().Infow("Shutdown requested; waiting for in-flight cycle", "shutdownTimeout", cfg.ShutdownTimeout)
	case <-sched.Done():
	}
	schedErr := sched.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			l.Sugar().Warnw("Failed to stop status server", "error", err)
		}
	}
	if schedErr != nil {
		return fmt.Errorf("oracle stopped: %w", schedErr)
	}
	return nil
}

func runOnce(c *cli.Context) error {
	cfg, err := parseOracleConfig(c)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newOracleApp(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.oracle.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile submission journal: %w", err)
	}

	result, err := app.oracle.RunCycle(ctx, context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if result.Outcome != types.Outcome_Confirmed {
		return cli.Exit(fmt.Sprintf("cycle %s ended %s: %s", result.CycleID, result.Outcome, result.Reason), 1)
	}
	return nil
}

func statusCommand(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	client, err := statusClient.NewClient(&statusClient.ClientConfig{
		BaseURL: c.String("url"),
		Timeout: c.Duration("timeout"),
		Logger:  l,
	})
	if err != nil {
		return err
	}

	health, err := client.GetHealth(c.Context)
	if err != nil {
		return err
	}
	status, err := client.GetStatus(c.Context)
	if err != nil {
		return err
	}

	out := c.App.Writer
	fmt.Fprintf(out, "Health:  %s\n", health.Status)
	if health.Error != "" {
		fmt.Fprintf(out, "         %s\n", health.Error)
	}
	fmt.Fprintf(out, "Pair:    %s\n", status.Pair)
	fmt.Fprintf(out, "Address: %s\n", status.Address)
	fmt.Fprintf(out, "Uptime:  %s\n", status.Uptime)
	if sched := status.Scheduler; sched != nil {
		fmt.Fprintf(out, "Cycles:  %d completed, %d skipped ticks, in flight: %t\n", sched.Completed, sched.Skipped, sched.InFlight)
	}
	if status.InFlight != nil {
		fmt.Fprintf(out, "Pending: tx %s sequence %d valid until %s\n",
			status.InFlight.TxHash, status.InFlight.SequenceNumber, status.InFlight.ValidUntil.Format(time.RFC3339))
	}
	if last := status.LastResult; last != nil {
		fmt.Fprintf(out, "Last:    %s %s after %d attempt(s)", last.CycleID, last.Outcome, last.Attempts)
		if last.Reason != "" {
			fmt.Fprintf(out, ": %s", last.Reason)
		}
		fmt.Fprintln(out)
	}

	if health.Status != "ok" {
		return cli.Exit("oracle is unhealthy", 1)
	}
	return nil
}
