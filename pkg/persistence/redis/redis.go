package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key names for namespacing in Redis
const (
	keyInFlight          = "oracle:inflight:current"
	keyOracleState       = "oracle:state:main"
	keySchemaVersion     = "oracle:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Cycle history: a zero-score sorted set orders members lexicographically,
	// and CycleResultKey is chronological. Payloads live in a hash.
	keyCycleIndex = "oracle:cycles:index"
	keyCycleData  = "oracle:cycles:data"

	operationTimeout = 5 * time.Second
)

// RedisPersistence stores the journal in Redis so that a replacement oracle
// instance on another host can reconcile what the previous one left in flight.
type RedisPersistence struct {
	client       *redis.Client
	logger       *zap.Logger
	keyPrefix    string
	historyLimit int
	mu           sync.RWMutex
	closed       bool
}

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address  string
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to every key, e.g. "usd-ngn:" gives
	// "usd-ngn:oracle:inflight:current". Use one prefix per feed.
	KeyPrefix    string
	HistoryLimit int
}

func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = persistence.DefaultHistoryLimit
	}
	rp := &RedisPersistence{
		client:       client,
		logger:       logger,
		keyPrefix:    cfg.KeyPrefix,
		historyLimit: historyLimit,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized",
		"address", cfg.Address,
		"db", cfg.DB,
		"key_prefix", cfg.KeyPrefix,
		"historyLimit", historyLimit,
	)
	return rp, nil
}

func (r *RedisPersistence) prefixKey(key string) string {
	return r.keyPrefix + key
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if errors.Is(err, redis.Nil) {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}
	return nil
}

func (r *RedisPersistence) SaveInFlight(record *types.InFlightSubmission) error {
	if record == nil {
		return fmt.Errorf("cannot save nil InFlightSubmission")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalInFlight(record)
	if err != nil {
		return fmt.Errorf("failed to marshal InFlightSubmission: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return r.client.Set(ctx, r.prefixKey(keyInFlight), data, 0).Err()
}

func (r *RedisPersistence) LoadInFlight() (*types.InFlightSubmission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefixKey(keyInFlight)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load InFlightSubmission: %w", err)
	}
	return persistence.UnmarshalInFlight(data)
}

func (r *RedisPersistence) ClearInFlight() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return r.client.Del(ctx, r.prefixKey(keyInFlight)).Err()
}

func (r *RedisPersistence) SaveCycleResult(result *types.CycleResult) error {
	if result == nil {
		return fmt.Errorf("cannot save nil CycleResult")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalCycleResult(result)
	if err != nil {
		return fmt.Errorf("failed to marshal CycleResult: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	indexKey := r.prefixKey(keyCycleIndex)
	dataKey := r.prefixKey(keyCycleData)
	member := persistence.CycleResultKey(result)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, dataKey, member, data)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: 0, Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save CycleResult: %w", err)
	}

	return r.trimHistory(ctx, indexKey, dataKey)
}

func (r *RedisPersistence) trimHistory(ctx context.Context, indexKey, dataKey string) error {
	stale, err := r.client.ZRange(ctx, indexKey, 0, int64(-r.historyLimit-1)).Result()
	if err != nil {
		return fmt.Errorf("failed to read cycle index: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	members := make([]interface{}, len(stale))
	for i, m := range stale {
		members[i] = m
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, indexKey, members...)
	pipe.HDel(ctx, dataKey, stale...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to trim cycle history: %w", err)
	}
	return nil
}

func (r *RedisPersistence) ListCycleResults(limit int) ([]*types.CycleResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := r.client.ZRevRange(ctx, r.prefixKey(keyCycleIndex), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle index: %w", err)
	}
	results := make([]*types.CycleResult, 0, len(members))
	if len(members) == 0 {
		return results, nil
	}

	values, err := r.client.HMGet(ctx, r.prefixKey(keyCycleData), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load CycleResults: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// trimmed by a concurrent writer
			continue
		}
		result, err := persistence.UnmarshalCycleResult([]byte(s))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal CycleResult, skipping", "member", members[i], "error", err)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *RedisPersistence) SaveOracleState(state *persistence.OracleState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil OracleState")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalOracleState(state)
	if err != nil {
		return fmt.Errorf("failed to marshal OracleState: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return r.client.Set(ctx, r.prefixKey(keyOracleState), data, 0).Err()
}

func (r *RedisPersistence) LoadOracleState() (*persistence.OracleState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefixKey(keyOracleState)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OracleState: %w", err)
	}
	return persistence.UnmarshalOracleState(data)
}

// Close is idempotent
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}
	return nil
}
