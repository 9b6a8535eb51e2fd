package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceSuite exercises the IOraclePersistence contract against a
// backend. newStore must return an empty store whose history limit is 5.
func RunPersistenceSuite(t *testing.T, newStore func(t *testing.T) persistence.IOraclePersistence) {
	t.Run("in-flight round trip", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		loaded, err := store.LoadInFlight()
		require.NoError(t, err)
		assert.Nil(t, loaded)

		record := &types.InFlightSubmission{
			CycleID:        "cycle-1",
			TxHash:         "0xabc",
			SequenceNumber: 42,
			ValidUntil:     time.Unix(1_700_000_120, 0).UTC(),
			SentAt:         time.Unix(1_700_000_000, 0).UTC(),
			RawTx:          "0x02f8",
		}
		require.NoError(t, store.SaveInFlight(record))

		loaded, err = store.LoadInFlight()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, record.CycleID, loaded.CycleID)
		assert.Equal(t, record.TxHash, loaded.TxHash)
		assert.Equal(t, record.SequenceNumber, loaded.SequenceNumber)
		assert.True(t, record.ValidUntil.Equal(loaded.ValidUntil))
		assert.Equal(t, record.RawTx, loaded.RawTx)

		// overwrite
		record.TxHash = "0xdef"
		require.NoError(t, store.SaveInFlight(record))
		loaded, err = store.LoadInFlight()
		require.NoError(t, err)
		assert.Equal(t, "0xdef", loaded.TxHash)

		require.NoError(t, store.ClearInFlight())
		require.NoError(t, store.ClearInFlight())
		loaded, err = store.LoadInFlight()
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("cycle history is newest first and bounded", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		base := time.Unix(1_700_000_000, 0).UTC()
		for i := 0; i < 8; i++ {
			seq := uint64(i)
			require.NoError(t, store.SaveCycleResult(&types.CycleResult{
				CycleID:        fmt.Sprintf("cycle-%d", i),
				Pair:           "USD/NGN",
				StartedAt:      base.Add(time.Duration(i) * time.Minute),
				FinishedAt:     base.Add(time.Duration(i)*time.Minute + time.Second),
				Outcome:        types.Outcome_Confirmed,
				SequenceNumber: &seq,
				Quote: &types.Quote{
					Pair: types.AssetPair{Base: "USD", Quote: "NGN"},
					Rate: decimal.RequireFromString("1500.25"),
				},
			}))
		}

		all, err := store.ListCycleResults(0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "cycle-7", all[0].CycleID)
		assert.Equal(t, "cycle-3", all[4].CycleID)
		assert.Equal(t, "1500.25", all[0].Quote.Rate.String())

		two, err := store.ListCycleResults(2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, "cycle-6", two[1].CycleID)
	})

	t.Run("oracle state", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		state, err := store.LoadOracleState()
		require.NoError(t, err)
		assert.Nil(t, state)

		want := &persistence.OracleState{
			Address:               "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			StartTime:             1_700_000_000,
			LastConfirmedTxHash:   "0xabc",
			LastConfirmedSequence: 9,
			LastConfirmedRate:     "1500.25",
			LastConfirmedAt:       1_700_000_060,
		}
		require.NoError(t, store.SaveOracleState(want))

		got, err := store.LoadOracleState()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		var wg sync.WaitGroup
		base := time.Unix(1_700_000_000, 0)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.SaveCycleResult(&types.CycleResult{
					CycleID:   fmt.Sprintf("c-%d", i),
					StartedAt: base.Add(time.Duration(i) * time.Second),
				}))
				_, err := store.ListCycleResults(3)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		all, err := store.ListCycleResults(0)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("closed store", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.HealthCheck())
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		assert.Error(t, store.HealthCheck())
		assert.Error(t, store.SaveInFlight(&types.InFlightSubmission{}))
		_, err := store.LoadInFlight()
		assert.Error(t, err)
		assert.Error(t, store.SaveCycleResult(&types.CycleResult{}))
		_, err = store.ListCycleResults(0)
		assert.Error(t, err)
	})

	t.Run("nil input", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		assert.Error(t, store.SaveInFlight(nil))
		assert.Error(t, store.SaveCycleResult(nil))
		assert.Error(t, store.SaveOracleState(nil))
	})
}
