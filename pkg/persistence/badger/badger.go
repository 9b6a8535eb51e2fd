package badger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyInFlight          = "inflight:current"
	keyPrefixCycle       = "cycle:"
	keyOracleState       = "oraclestate:main"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerPersistence keeps the journal on local disk with SyncWrites enabled,
// so an in-flight record written before a crash is still there on restart.
type BadgerPersistence struct {
	db           *badgerdb.DB
	logger       *zap.Logger
	historyLimit int
	gcCancel     context.CancelFunc
	gcWg         sync.WaitGroup
	// mu guards closed; writers hold the read lock, Close takes the write lock.
	// historyMu serializes append-and-trim of cycle history.
	mu        sync.RWMutex
	historyMu sync.Mutex
	closed    bool
}

// NewBadgerPersistence opens (or creates) the database at dataPath and starts
// a background value log GC.
func NewBadgerPersistence(dataPath string, historyLimit int, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if historyLimit <= 0 {
		historyLimit = persistence.DefaultHistoryLimit
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:           db,
		logger:       logger,
		historyLimit: historyLimit,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath, "historyLimit", historyLimit)

	return bp, nil
}

func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}
		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}
		return nil
	})
}

func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// get copies the value at key; nil means not found
func (b *BadgerPersistence) get(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (b *BadgerPersistence) set(key string, data []byte) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *BadgerPersistence) SaveInFlight(record *types.InFlightSubmission) error {
	if record == nil {
		return fmt.Errorf("cannot save nil InFlightSubmission")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalInFlight(record)
	if err != nil {
		return fmt.Errorf("failed to marshal InFlightSubmission: %w", err)
	}
	return b.set(keyInFlight, data)
}

func (b *BadgerPersistence) LoadInFlight() (*types.InFlightSubmission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	data, err := b.get(keyInFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to load InFlightSubmission: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalInFlight(data)
}

func (b *BadgerPersistence) ClearInFlight() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(keyInFlight))
	})
}

func (b *BadgerPersistence) SaveCycleResult(result *types.CycleResult) error {
	if result == nil {
		return fmt.Errorf("cannot save nil CycleResult")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalCycleResult(result)
	if err != nil {
		return fmt.Errorf("failed to marshal CycleResult: %w", err)
	}

	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	key := keyPrefixCycle + persistence.CycleResultKey(result)
	if err := b.set(key, data); err != nil {
		return fmt.Errorf("failed to save CycleResult: %w", err)
	}
	return b.trimHistory()
}

// trimHistory deletes everything but the newest historyLimit results
func (b *BadgerPersistence) trimHistory() error {
	var stale [][]byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// reverse iteration must seek past the end of the prefix
		prefix := []byte(keyPrefixCycle)
		seen := 0
		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			seen++
			if seen > b.historyLimit {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerPersistence) ListCycleResults(limit int) ([]*types.CycleResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var results []*types.CycleResult
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefixCycle)
		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			result, err := persistence.UnmarshalCycleResult(data)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal CycleResult, skipping",
					"key", string(item.Key()), "error", err)
				continue
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list CycleResults: %w", err)
	}
	if results == nil {
		results = []*types.CycleResult{}
	}
	return results, nil
}

func (b *BadgerPersistence) SaveOracleState(state *persistence.OracleState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil OracleState")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalOracleState(state)
	if err != nil {
		return fmt.Errorf("failed to marshal OracleState: %w", err)
	}
	return b.set(keyOracleState, data)
}

func (b *BadgerPersistence) LoadOracleState() (*persistence.OracleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	data, err := b.get(keyOracleState)
	if err != nil {
		return nil, fmt.Errorf("failed to load OracleState: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalOracleState(data)
}

// Close stops GC and closes the database. Idempotent.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}
