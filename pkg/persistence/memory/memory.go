package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"go.uber.org/zap"
)

// MemoryPersistence is an in-memory implementation of IOraclePersistence.
//
// All data is lost when the process exits, so a crash between signing and
// confirmation cannot be reconciled on restart. Thread-safe; values are
// copied in and out to prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	inFlight     *types.InFlightSubmission
	results      map[string]*types.CycleResult
	historyLimit int
	state        *persistence.OracleState

	closed bool
}

func NewMemoryPersistence(historyLimit int, l *zap.Logger) *MemoryPersistence {
	if historyLimit <= 0 {
		historyLimit = persistence.DefaultHistoryLimit
	}
	l.Sugar().Warnw("Using in-memory persistence; the submission journal is lost on restart",
		"historyLimit", historyLimit)

	return &MemoryPersistence{
		results:      make(map[string]*types.CycleResult),
		historyLimit: historyLimit,
	}
}

func (m *MemoryPersistence) SaveInFlight(record *types.InFlightSubmission) error {
	if record == nil {
		return fmt.Errorf("cannot save nil InFlightSubmission")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	cp := *record
	m.inFlight = &cp
	return nil
}

func (m *MemoryPersistence) LoadInFlight() (*types.InFlightSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}
	if m.inFlight == nil {
		return nil, nil
	}
	cp := *m.inFlight
	return &cp, nil
}

func (m *MemoryPersistence) ClearInFlight() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	m.inFlight = nil
	return nil
}

func (m *MemoryPersistence) SaveCycleResult(result *types.CycleResult) error {
	if result == nil {
		return fmt.Errorf("cannot save nil CycleResult")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.results[persistence.CycleResultKey(result)] = persistence.CopyCycleResult(result)

	if len(m.results) > m.historyLimit {
		keys := m.sortedKeys()
		for _, k := range keys[:len(keys)-m.historyLimit] {
			delete(m.results, k)
		}
	}
	return nil
}

func (m *MemoryPersistence) ListCycleResults(limit int) ([]*types.CycleResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	keys := m.sortedKeys()
	result := make([]*types.CycleResult, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, persistence.CopyCycleResult(m.results[keys[i]]))
	}
	return result, nil
}

// sortedKeys returns result keys oldest first. Caller holds the lock.
func (m *MemoryPersistence) sortedKeys() []string {
	keys := make([]string, 0, len(m.results))
	for k := range m.results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryPersistence) SaveOracleState(state *persistence.OracleState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil OracleState")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	cp := *state
	m.state = &cp
	return nil
}

func (m *MemoryPersistence) LoadOracleState() (*persistence.OracleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.inFlight = nil
	m.results = nil
	m.state = nil
	return nil
}

func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}
