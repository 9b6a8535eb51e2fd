package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/internal/aws"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/config"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/keyManager"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/ledger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracle"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	badgerPersistence "github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence/badger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence/memory"
	redisPersistence "github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence/redis"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/quoteFetcher"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/sink"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/submitter"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/transactionBuilder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"
)

// oracleApp holds every long-lived component so they can be closed in order
type oracleApp struct {
	oracle  *oracle.Oracle
	keys    *keyManager.KeyManager
	store   persistence.IOraclePersistence
	sinks   *sink.Multi
	metrics *sink.MetricsSink
	logger  *zap.Logger
}

func newOracleApp(ctx context.Context, cfg *config.OracleConfig, l *zap.Logger) (*oracleApp, error) {
	pair, err := cfg.AssetPair()
	if err != nil {
		return nil, err
	}

	keys, err := loadKeys(ctx, cfg, l)
	if err != nil {
		return nil, err
	}
	app := &oracleApp{keys: keys, logger: l}

	eth, err := ledger.NewEthLedgerFromURL(cfg.RpcUrl, ledger.DefaultLedgerConfig(), l)
	if err != nil {
		app.Close()
		return nil, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if chainID.Uint64() != uint64(cfg.ChainID) {
		app.Close()
		return nil, fmt.Errorf("rpc endpoint serves chain %s, configured chain is %d", chainID.String(), cfg.ChainID)
	}

	store, err := newPersistence(cfg, pair.String(), l)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.store = store
	if err := recordStartup(app.store, keys.PublicIdentity(), l); err != nil {
		app.Close()
		return nil, err
	}

	app.metrics = sink.NewMetricsSink("price_oracle")
	sinks := []sink.ISink{
		sink.NewLogSink(l),
		app.metrics,
		sink.NewPersistenceSink(app.store, keys.PublicIdentity().Hex()),
	}
	if len(cfg.Sinks.KafkaBrokers) > 0 {
		sinks = append(sinks, sink.NewKafkaSink(cfg.Sinks.KafkaBrokers, cfg.Sinks.KafkaTopic))
	}
	app.sinks = sink.NewMulti(l, sinks...)

	fetcher := quoteFetcher.NewHTTPFetcher(&quoteFetcher.HTTPFetcherConfig{
		URL:               cfg.Provider.URL,
		Method:            cfg.Provider.Method,
		APIKey:            cfg.Provider.APIKey,
		APIKeyHeader:      cfg.Provider.APIKeyHeader,
		RatePath:          cfg.Provider.RatePath,
		TimestampPath:     cfg.Provider.TimestampPath,
		Source:            cfg.Provider.Source,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
	}, l)

	bounds := cfg.QuoteBounds()
	builder := transactionBuilder.NewTransactionBuilder(&transactionBuilder.TransactionBuilderConfig{
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
		Identity:        keys.PublicIdentity(),
		Bounds:          bounds,
		GasLimit:        cfg.Submission.GasLimit,
		RateDecimals:    cfg.Submission.RateDecimals,
		ValidityWindow:  cfg.Submission.ValidityWindow,
		MaxAccountAge:   cfg.Submission.MaxAccountAge,
	}, l)

	sub := submitter.NewSubmitter(eth, keys, app.store, &submitter.SubmitterConfig{
		ConfirmationTimeout: cfg.Submission.ConfirmationTimeout,
		ReceiptPollInterval: cfg.Submission.ReceiptPollInterval,
		MaxGasFeeCap:        gweiToWei(cfg.Submission.MaxGasFeeCapGwei),
	}, l)

	app.oracle = oracle.NewOracle(&oracle.OracleConfig{
		Pair:     pair,
		Identity: keys.PublicIdentity(),
		Bounds:   bounds,
		Retry: oracle.RetryPolicy{
			Ceiling:        cfg.Retry.Ceiling,
			InitialBackoff: cfg.Retry.InitialBackoff,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
	}, fetcher, eth, builder, sub, app.store, app.sinks, l)

	return app, nil
}

func loadKeys(ctx context.Context, cfg *config.OracleConfig, l *zap.Logger) (*keyManager.KeyManager, error) {
	source := &keyManager.SourceConfig{
		Source:           cfg.Key.Source,
		KeystorePassword: cfg.Key.KeystorePassword,
	}
	if strings.HasPrefix(cfg.Key.Source, keyManager.SourcePrefix_KMS) {
		client, err := aws.NewKMSClient(ctx, cfg.Key.AWSRegion, l)
		if err != nil {
			return nil, fmt.Errorf("failed to create KMS client: %w", err)
		}
		source.KMS = client
	}
	return keyManager.LoadKeyManager(ctx, source, l)
}

func newPersistence(cfg *config.OracleConfig, pair string, l *zap.Logger) (persistence.IOraclePersistence, error) {
	switch cfg.Persistence.Type {
	case config.PersistenceType_Badger:
		store, err := badgerPersistence.NewBadgerPersistence(cfg.Persistence.BadgerPath, cfg.Persistence.HistoryLimit, l)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger persistence: %w", err)
		}
		return store, nil
	case config.PersistenceType_Redis:
		prefix := cfg.Persistence.RedisKeyPrefix
		if prefix == "" {
			prefix = strings.ToLower(strings.ReplaceAll(pair, "/", "-")) + ":"
		}
		store, err := redisPersistence.NewRedisPersistence(&redisPersistence.RedisConfig{
			Address:      cfg.Persistence.RedisAddress,
			Password:     cfg.Persistence.RedisPassword,
			DB:           cfg.Persistence.RedisDB,
			KeyPrefix:    prefix,
			HistoryLimit: cfg.Persistence.HistoryLimit,
		}, l)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis persistence: %w", err)
		}
		return store, nil
	default:
		return memory.NewMemoryPersistence(cfg.Persistence.HistoryLimit, l), nil
	}
}

// recordStartup stamps the oracle state with this run's identity. A journal
// left by a different identity is cleared since it cannot be resumed.
func recordStartup(store persistence.IOraclePersistence, identity common.Address, l *zap.Logger) error {
	state, err := store.LoadOracleState()
	if err != nil {
		return fmt.Errorf("failed to load oracle state: %w", err)
	}
	if state == nil {
		state = &persistence.OracleState{}
	}
	if state.Address != "" && !strings.EqualFold(state.Address, identity.Hex()) {
		l.Sugar().Warnw("Persistence was written by another signing identity; discarding its journal",
			"previous", state.Address,
			"current", identity.Hex(),
		)
		if err := store.ClearInFlight(); err != nil {
			return fmt.Errorf("failed to clear foreign journal: %w", err)
		}
		state = &persistence.OracleState{}
	}
	state.Address = identity.Hex()
	state.StartTime = time.Now().Unix()
	return store.SaveOracleState(state)
}

// Close zeroizes the signing key and releases connections
func (a *oracleApp) Close() {
	if a.sinks != nil {
		_ = a.sinks.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Sugar().Warnw("Failed to close persistence", "error", err)
		}
	}
	if a.keys != nil {
		_ = a.keys.Close()
	}
}

func gweiToWei(gwei uint64) *big.Int {
	if gwei == 0 {
		return nil
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(params.GWei))
}
