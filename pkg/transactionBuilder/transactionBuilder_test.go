package transactionBuilder

import (
	"math/big"
	"testing"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	identity = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	usdNgn   = types.AssetPair{Base: "USD", Quote: "NGN"}
)

func newTestBuilder(t *testing.T, now time.Time) *TransactionBuilder {
	b := NewTransactionBuilder(&TransactionBuilderConfig{
		ContractAddress: contract,
		Identity:        identity,
		Bounds: types.Bounds{
			MinRate: decimal.NewFromInt(1000),
			MaxRate: decimal.NewFromInt(2000),
			MaxAge:  30 * time.Second,
		},
		GasLimit:       150_000,
		RateDecimals:   8,
		ValidityWindow: 2 * time.Minute,
		MaxAccountAge:  15 * time.Second,
	}, zaptest.NewLogger(t))
	b.now = func() time.Time { return now }
	return b
}

func accountAt(seq int64, fetchedAt time.Time) *types.AccountState {
	return &types.AccountState{
		Address:        identity,
		SequenceNumber: seq,
		Balance:        big.NewInt(1e18),
		ChainID:        big.NewInt(31337),
		GasTipCap:      big.NewInt(1_000_000_000),
		GasFeeCap:      big.NewInt(21_000_000_000),
		FetchedAt:      fetchedAt,
	}
}

func quoteAt(rate string, observedAt time.Time) *types.Quote {
	return &types.Quote{Pair: usdNgn, Rate: decimal.RequireFromString(rate), ObservedAt: observedAt, Source: "test"}
}

func Test_Build(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newTestBuilder(t, now)

	env, err := b.Build(accountAt(41, now.Add(-time.Second)), quoteAt("1500.25", now.Add(-2*time.Second)))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), env.SequenceNumber)
	assert.Equal(t, identity, env.SourceAccount)
	assert.Equal(t, now, env.ValidAfter)
	assert.Equal(t, now.Add(2*time.Minute), env.ValidUntil)
	require.Len(t, env.Operations, 1)
	assert.Equal(t, "150025000000", env.Operations[0].ScaledRate.String())

	tx := env.Tx
	assert.Equal(t, uint64(42), tx.Nonce())
	assert.Equal(t, contract, *tx.To())
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Equal(t, int64(31337), tx.ChainId().Int64())
	assert.Equal(t, big.NewInt(21_000_000_000), tx.GasFeeCap())

	call, err := util.DecodeSubmitPrice(tx.Data())
	require.NoError(t, err)
	assert.Equal(t, usdNgn.ID(), call.FeedID)
	assert.Equal(t, "150025000000", call.Rate.String())
	assert.Equal(t, uint8(8), call.Decimals)
	assert.Equal(t, uint64(now.Add(-2*time.Second).Unix()), call.ObservedAt)
	assert.Equal(t, uint64(now.Unix()), call.ValidAfter)
	assert.Equal(t, uint64(now.Add(2*time.Minute).Unix()), call.ValidUntil)
}

func Test_BuildFreshAccountStartsAtZero(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	env, err := newTestBuilder(t, now).Build(accountAt(-1, now), quoteAt("1500", now))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), env.SequenceNumber)
}

func Test_BuildErrors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name     string
		account  *types.AccountState
		quote    *types.Quote
		wantCode oracleErrors.Code
	}{
		{"stale account", accountAt(1, now.Add(-16*time.Second)), quoteAt("1500", now), oracleErrors.CodeSequenceStale},
		{"nil account", nil, quoteAt("1500", now), oracleErrors.CodeSequenceStale},
		{"quote went stale", accountAt(1, now), quoteAt("1500", now.Add(-time.Minute)), oracleErrors.CodeInvalidQuote},
		{"quote out of bounds", accountAt(1, now), quoteAt("2500", now), oracleErrors.CodeInvalidQuote},
		{"other identity", func() *types.AccountState {
			a := accountAt(1, now)
			a.Address = common.HexToAddress("0x01")
			return a
		}(), quoteAt("1500", now), oracleErrors.CodeIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := newTestBuilder(t, now).Build(tt.account, tt.quote)
			require.Error(t, err)
			assert.Nil(t, env)
			assert.Equal(t, tt.wantCode, oracleErrors.CodeOf(err))
		})
	}
}

func Test_BuildSequenceTracksAccountState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newTestBuilder(t, now)
	q := quoteAt("1500", now)

	first, err := b.Build(accountAt(9, now), q)
	require.NoError(t, err)
	second, err := b.Build(accountAt(10, now), q)
	require.NoError(t, err)

	assert.NotEqual(t, first.SequenceNumber, second.SequenceNumber)
	assert.NotEqual(t, first.Tx.Hash(), second.Tx.Hash())
}
