package persistence

import "github.com/Layr-Labs/eigenx-price-oracle/pkg/types"

// IOraclePersistence is the oracle's submission journal and cycle history.
// All implementations must be thread-safe: the cycle runner writes while the
// status server reads.
//
// The interface supports:
// - The in-flight submission record (one slot, written after signing)
// - Cycle result history (bounded, newest first)
// - Oracle operational state (last confirmed submission, identity)
// - Lifecycle management (close, health check)
type IOraclePersistence interface {
	// In-flight submission

	// SaveInFlight records a signed envelope that may still land on chain.
	// Overwrites any existing record.
	SaveInFlight(record *types.InFlightSubmission) error

	// LoadInFlight returns the in-flight record, or nil if there is none.
	LoadInFlight() (*types.InFlightSubmission, error)

	// ClearInFlight removes the in-flight record. Idempotent.
	ClearInFlight() error

	// Cycle history

	// SaveCycleResult appends a cycle result. Implementations keep at most
	// their configured history limit and drop the oldest entries.
	SaveCycleResult(result *types.CycleResult) error

	// ListCycleResults returns up to limit results, newest first.
	// limit <= 0 returns everything retained.
	ListCycleResults(limit int) ([]*types.CycleResult, error)

	// Oracle state

	// SaveOracleState overwrites the operational state.
	SaveOracleState(state *OracleState) error

	// LoadOracleState returns nil state on first run.
	LoadOracleState() (*OracleState, error)

	// Lifecycle Management

	// Close is idempotent. After Close all other operations return errors.
	Close() error

	// HealthCheck returns nil if the store is usable.
	HealthCheck() error
}

// DefaultHistoryLimit bounds cycle history when no limit is configured
const DefaultHistoryLimit = 100
