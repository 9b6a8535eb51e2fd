package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
)

// PersistenceSink stores cycle history and advances the last confirmed
// submission in the oracle state
type PersistenceSink struct {
	store   persistence.IOraclePersistence
	address string
}

func NewPersistenceSink(store persistence.IOraclePersistence, address string) *PersistenceSink {
	return &PersistenceSink{store: store, address: address}
}

func (s *PersistenceSink) Name() string {
	return "persistence"
}

func (s *PersistenceSink) Emit(_ context.Context, r *types.CycleResult) error {
	if err := s.store.SaveCycleResult(r); err != nil {
		return fmt.Errorf("failed to save cycle result: %w", err)
	}
	if r.Outcome != types.Outcome_Confirmed {
		return nil
	}

	state, err := s.store.LoadOracleState()
	if err != nil {
		return fmt.Errorf("failed to load oracle state: %w", err)
	}
	if state == nil {
		state = &persistence.OracleState{Address: s.address, StartTime: time.Now().Unix()}
	}
	state.LastConfirmedCycleID = r.CycleID
	state.LastConfirmedTxHash = r.TxHash
	state.LastConfirmedAt = r.FinishedAt.Unix()
	if r.SequenceNumber != nil {
		state.LastConfirmedSequence = *r.SequenceNumber
	}
	if r.Quote != nil {
		state.LastConfirmedRate = r.Quote.Rate.String()
	}
	if err := s.store.SaveOracleState(state); err != nil {
		return fmt.Errorf("failed to save oracle state: %w", err)
	}
	return nil
}
