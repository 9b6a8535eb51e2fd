package submitter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/ledger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/testutil"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/transactionBuilder"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryJournal struct {
	mu     sync.Mutex
	record *types.InFlightSubmission
	saves  int
	clears int
}

func (j *memoryJournal) SaveInFlight(record *types.InFlightSubmission) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record = record
	j.saves++
	return nil
}

func (j *memoryJournal) ClearInFlight() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record = nil
	j.clears++
	return nil
}

func (j *memoryJournal) current() *types.InFlightSubmission {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record
}

type fixture struct {
	ledger    *testutil.MockLedger
	journal   *memoryJournal
	submitter *Submitter
	builder   *transactionBuilder.TransactionBuilder
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger()
	journal := &memoryJournal{}
	km := testutil.NewTestKeyManager(t)

	return &fixture{
		ledger:  mock,
		journal: journal,
		submitter: NewSubmitter(mock, km, journal, &SubmitterConfig{
			ConfirmationTimeout: timeout,
			ReceiptPollInterval: 5 * time.Millisecond,
		}, l),
		builder: transactionBuilder.NewTransactionBuilder(&transactionBuilder.TransactionBuilderConfig{
			ContractAddress: testutil.TestContract,
			Identity:        common.HexToAddress(testutil.TestAddress),
			Bounds:          testutil.TestBounds(),
			GasLimit:        150_000,
			RateDecimals:    8,
			ValidityWindow:  2 * time.Minute,
			MaxAccountAge:   15 * time.Second,
		}, l),
	}
}

func (f *fixture) envelope(t *testing.T) *types.UnsignedEnvelope {
	t.Helper()
	account, err := f.ledger.GetAccountState(context.Background(), common.HexToAddress(testutil.TestAddress))
	require.NoError(t, err)
	env, err := f.builder.Build(account, testutil.NewQuote("1500.25", time.Now()))
	require.NoError(t, err)
	return env
}

func Test_SubmitConfirmed(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ledger.SetNonce(7)
	env := f.envelope(t)

	result, err := f.submitter.Submit(context.Background(), "cycle-1", env)
	require.NoError(t, err)

	assert.Equal(t, types.SubmissionState_Confirmed, result.State)
	assert.Equal(t, uint64(7), result.SequenceNumber)
	assert.NotZero(t, result.BlockNumber)
	assert.Equal(t, uint64(8), f.ledger.Nonce())
	assert.False(t, f.submitter.HasOutstanding())
	assert.Nil(t, f.journal.current())
	assert.Equal(t, 1, f.journal.saves)

	tx, ok := f.ledger.Accepted(result.TxHash)
	require.True(t, ok)
	assert.Equal(t, uint64(7), tx.Nonce())
}

func Test_SignIsDeterministic(t *testing.T) {
	f := newFixture(t, time.Second)
	env := f.envelope(t)

	first, err := f.submitter.Sign(env)
	require.NoError(t, err)
	second, err := f.submitter.Sign(env)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, env.SequenceNumber, first.Tx.Nonce())
}

func Test_SignRejectsForeignSource(t *testing.T) {
	f := newFixture(t, time.Second)
	env := f.envelope(t)
	env.SourceAccount = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	_, err := f.submitter.Sign(env)
	require.Error(t, err)
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeSignerUnavailable))
}

func Test_SubmitWithClosedSigner(t *testing.T) {
	f := newFixture(t, time.Second)
	km := testutil.NewTestKeyManager(t)
	require.NoError(t, km.Close())
	s := NewSubmitter(f.ledger, km, f.journal, &SubmitterConfig{ConfirmationTimeout: time.Second}, zaptest.NewLogger(t))

	_, err := s.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	assert.True(t, oracleErrors.IsKind(err, oracleErrors.KindFatal))
	assert.Empty(t, f.ledger.Sent)
	assert.False(t, s.HasOutstanding())
}

func Test_SubmitRejectedForStaleSequence(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ledger.SetNonce(3)
	env := f.envelope(t)
	// another writer consumed sequence 3 after the account read
	f.ledger.SetNonce(4)

	result, err := f.submitter.Submit(context.Background(), "cycle-1", env)
	require.Error(t, err)
	assert.True(t, oracleErrors.IsKind(err, oracleErrors.KindDefinitiveReject))
	assert.Equal(t, types.SubmissionState_Rejected, result.State)
	assert.Contains(t, result.Reason, "nonce too low")
	assert.False(t, f.submitter.HasOutstanding())
	assert.Nil(t, f.journal.current())
	assert.Len(t, f.ledger.Sent, 1)
}

func Test_SubmitReverted(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ledger.DefaultFate = types.TxFate_Failed

	result, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeRejected))
	assert.Equal(t, types.SubmissionState_Rejected, result.State)
	assert.Equal(t, "reverted", result.Reason)
	assert.False(t, f.submitter.HasOutstanding())
}

func Test_SubmitTimesOutWhilePending(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)
	f.ledger.DefaultFate = types.TxFate_Pending

	result, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeTimedOut))
	assert.True(t, oracleErrors.IsRetryable(err))
	assert.Equal(t, types.SubmissionState_TimedOut, result.State)
	assert.Equal(t, types.TxFate_Pending, result.Fate)

	// the envelope may still land, so it is kept and journaled
	assert.True(t, f.submitter.HasOutstanding())
	require.NotNil(t, f.journal.current())
	assert.Equal(t, result.TxHash.String(), f.journal.current().TxHash)

	_, err = f.submitter.Submit(context.Background(), "cycle-2", f.envelope(t))
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeIllegalTransition))
}

func Test_SubmitRebroadcastsDroppedEnvelope(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)
	f.ledger.DefaultFate = types.TxFate_Unknown

	result, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	assert.Equal(t, types.SubmissionState_TimedOut, result.State)
	assert.Equal(t, types.TxFate_Unknown, result.Fate)

	require.Greater(t, len(f.ledger.Sent), 1)
	for _, tx := range f.ledger.Sent {
		assert.Equal(t, result.TxHash, tx.Hash(), "only the original envelope may be resent")
	}
}

func Test_ResumeOutstandingAfterTimeout(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)
	f.ledger.DefaultFate = types.TxFate_Pending

	first, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	sent := len(f.ledger.Sent)

	f.ledger.SetFate(first.TxHash, types.TxFate_Included)
	result, err, ok := f.submitter.ResumeOutstanding(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionState_Confirmed, result.State)
	assert.Equal(t, first.TxHash, result.TxHash)
	assert.Equal(t, sent, len(f.ledger.Sent), "a landed envelope is not resent")
	assert.False(t, f.submitter.HasOutstanding())
	assert.Nil(t, f.journal.current())
}

func Test_ResumeOutstandingResendsAfterSendFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ledger.FailSends(ledger.ClassifySendError(errors.New("connection reset by peer")))

	_, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeLedgerUnreachable))
	require.True(t, f.submitter.HasOutstanding())
	hash := f.submitter.Outstanding().Hash

	result, err, ok := f.submitter.ResumeOutstanding(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionState_Confirmed, result.State)
	assert.Equal(t, hash, result.TxHash)
	assert.Len(t, f.ledger.Sent, 2)
}

func Test_ResumeOutstandingDropsExpiredUnknownEnvelope(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ledger.FailSends(ledger.ClassifySendError(errors.New("connection reset by peer")))

	_, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)

	f.submitter.now = func() time.Time { return time.Now().Add(time.Hour) }
	result, err, ok := f.submitter.ResumeOutstanding(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.False(t, f.submitter.HasOutstanding())
	assert.Nil(t, f.journal.current())
	assert.Len(t, f.ledger.Sent, 1)
}

func Test_ResumeOutstandingReplacesExpiredPendingEnvelope(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.ledger.DefaultFate = types.TxFate_Pending

	stuck, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.True(t, oracleErrors.IsCode(err, oracleErrors.CodeTimedOut))
	stuckTx, ok := f.ledger.Accepted(stuck.TxHash)
	require.True(t, ok)

	f.submitter.now = func() time.Time { return time.Now().Add(time.Hour) }
	result, err, ok := f.submitter.ResumeOutstanding(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.False(t, f.submitter.HasOutstanding())
	assert.NotNil(t, f.journal.current(), "stuck envelope stays journaled until replaced")

	replacement := f.submitter.Replacement()
	require.NotNil(t, replacement)
	assert.Equal(t, uint64(0), replacement.SequenceNumber)
	assert.Equal(t, stuck.TxHash, replacement.Replaces)
	f.submitter.now = time.Now

	// the pending nonce already counts the stuck envelope
	account, err := f.ledger.GetAccountState(context.Background(), common.HexToAddress(testutil.TestAddress))
	require.NoError(t, err)
	require.Equal(t, uint64(1), account.NextSequence())

	unadjusted, err := f.builder.Build(account, testutil.NewQuote("1501", time.Now()))
	require.NoError(t, err)
	_, err = f.submitter.Submit(context.Background(), "cycle-2", unadjusted)
	require.True(t, oracleErrors.IsCode(err, oracleErrors.CodeIllegalTransition))

	adjusted := f.submitter.ApplyReplacement(account)
	assert.Equal(t, uint64(0), adjusted.NextSequence())
	assert.Equal(t, uint64(1), account.NextSequence(), "the read itself is not modified")

	env, err := f.builder.Build(adjusted, testutil.NewQuote("1501", time.Now()))
	require.NoError(t, err)
	f.ledger.DefaultFate = types.TxFate_Included

	result, err = f.submitter.Submit(context.Background(), "cycle-2", env)
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionState_Confirmed, result.State)
	assert.Equal(t, uint64(0), result.SequenceNumber)
	assert.Equal(t, []common.Hash{stuck.TxHash}, f.ledger.Replaced)
	assert.Nil(t, f.submitter.Replacement())
	assert.Nil(t, f.journal.current())

	replacedTx, ok := f.ledger.Accepted(result.TxHash)
	require.True(t, ok)
	minTip := new(big.Int).Div(new(big.Int).Mul(stuckTx.GasTipCap(), big.NewInt(110)), big.NewInt(100))
	assert.True(t, replacedTx.GasTipCap().Cmp(minTip) >= 0, "tip %s not bumped over %s", replacedTx.GasTipCap(), stuckTx.GasTipCap())
	assert.True(t, replacedTx.GasFeeCap().Cmp(stuckTx.GasFeeCap()) > 0)
}

func Test_ReplacementAboveFeeCapKeepsWaiting(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.submitter.config.MaxGasFeeCap = big.NewInt(1)
	f.ledger.DefaultFate = types.TxFate_Pending

	_, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.True(t, oracleErrors.IsCode(err, oracleErrors.CodeTimedOut))

	f.submitter.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err, ok := f.submitter.ResumeOutstanding(context.Background())
	assert.True(t, ok)
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeTimedOut))
	assert.True(t, f.submitter.HasOutstanding())
	assert.Nil(t, f.submitter.Replacement())
}

func Test_ResumeWithNothingOutstanding(t *testing.T) {
	f := newFixture(t, time.Second)
	result, err, ok := f.submitter.ResumeOutstanding(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func Test_RestoreFromJournal(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)
	f.ledger.DefaultFate = types.TxFate_Pending

	first, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	record := f.journal.current()
	require.NotNil(t, record)

	// a new process with the same key picks up the journal
	restarted := NewSubmitter(f.ledger, testutil.NewTestKeyManager(t), f.journal, &SubmitterConfig{
		ConfirmationTimeout: time.Second,
		ReceiptPollInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, restarted.Restore(record))
	require.True(t, restarted.HasOutstanding())
	assert.Equal(t, first.TxHash, restarted.Outstanding().Hash)
	assert.Equal(t, first.SequenceNumber, restarted.Outstanding().SequenceNumber)

	f.ledger.SetFate(first.TxHash, types.TxFate_Included)
	result, err, ok := restarted.ResumeOutstanding(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionState_Confirmed, result.State)
}

func Test_RestoreRejectsTamperedRecord(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)
	f.ledger.DefaultFate = types.TxFate_Pending

	_, err := f.submitter.Submit(context.Background(), "cycle-1", f.envelope(t))
	require.Error(t, err)
	record := *f.journal.current()
	record.TxHash = common.HexToHash("0x01").String()

	s := NewSubmitter(f.ledger, testutil.NewTestKeyManager(t), nil, &SubmitterConfig{ConfirmationTimeout: time.Second}, zaptest.NewLogger(t))
	require.Error(t, s.Restore(&record))
	assert.False(t, s.HasOutstanding())
}

func Test_CancelledWhileAwaitingConfirmation(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.ledger.DefaultFate = types.TxFate_Pending

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.submitter.Submit(ctx, "cycle-1", f.envelope(t))
	require.Error(t, err)
	assert.True(t, oracleErrors.IsCode(err, oracleErrors.CodeCancelled))
	assert.True(t, f.submitter.HasOutstanding())
	assert.NotNil(t, f.journal.current())
}

func Test_IllegalTransitions(t *testing.T) {
	l := zaptest.NewLogger(t)

	tests := []struct {
		from types.SubmissionState
		to   types.SubmissionState
	}{
		{types.SubmissionState_Built, types.SubmissionState_Sent},
		{types.SubmissionState_Signed, types.SubmissionState_Confirmed},
		{types.SubmissionState_Confirmed, types.SubmissionState_Sent},
		{types.SubmissionState_Rejected, types.SubmissionState_Signed},
		{types.SubmissionState_TimedOut, types.SubmissionState_Confirmed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			a := newAttempt(tt.from, 1, l)
			err := a.transition(tt.to)
			require.Error(t, err)
			assert.True(t, oracleErrors.IsKind(err, oracleErrors.KindInternal))
			assert.Equal(t, tt.from, a.state)
		})
	}

	a := newAttempt(types.SubmissionState_Built, 1, l)
	for _, next := range []types.SubmissionState{
		types.SubmissionState_Signed,
		types.SubmissionState_Sent,
		types.SubmissionState_Confirmed,
	} {
		require.NoError(t, a.transition(next))
	}
}
