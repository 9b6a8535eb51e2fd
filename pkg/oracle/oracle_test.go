package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/keyManager"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/ledger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence/memory"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/quoteFetcher"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/submitter"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/testutil"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/transactionBuilder"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedFetcher returns errs in order, then quotes with rate 1500+call
type scriptedFetcher struct {
	mu    sync.Mutex
	errs  []error
	rate  string
	calls int
}

func (f *scriptedFetcher) Fetch(_ context.Context, pair types.AssetPair) (*types.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	rate := f.rate
	if rate == "" {
		rate = fmt.Sprintf("%d", 1500+f.calls)
	}
	q := testutil.NewQuote(rate, time.Now())
	q.Pair = pair
	return q, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	results []*types.CycleResult
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Emit(_ context.Context, result *types.CycleResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func rateLimited() error {
	return oracleErrors.New(oracleErrors.CodeProviderRateLimited, "provider returned 429").With("status", 429)
}

type harness struct {
	ledger    *testutil.MockLedger
	fetcher   *scriptedFetcher
	store     persistence.IOraclePersistence
	sink      *recordingSink
	submitter *submitter.Submitter
	oracle    *Oracle
}

type harnessOption func(*harnessOptions)

type harnessOptions struct {
	ceiling             int
	confirmationTimeout time.Duration
	validityWindow      time.Duration
	ledger              ledger.ILedger
	signer              keyManager.ISigner
}

func withValidityWindow(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.validityWindow = d }
}

func withCeiling(n int) harnessOption {
	return func(o *harnessOptions) { o.ceiling = n }
}

func withConfirmationTimeout(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.confirmationTimeout = d }
}

func withLedger(l ledger.ILedger) harnessOption {
	return func(o *harnessOptions) { o.ledger = l }
}

func withSigner(s keyManager.ISigner) harnessOption {
	return func(o *harnessOptions) { o.signer = s }
}

func newHarness(t *testing.T, mock *testutil.MockLedger, fetcher *scriptedFetcher, store persistence.IOraclePersistence, opts ...harnessOption) *harness {
	t.Helper()
	l := zaptest.NewLogger(t)

	o := &harnessOptions{ceiling: 5, confirmationTimeout: time.Second, validityWindow: 2 * time.Minute, ledger: mock}
	for _, opt := range opts {
		opt(o)
	}
	if o.signer == nil {
		o.signer = testutil.NewTestKeyManager(t)
	}
	if store == nil {
		store = memory.NewMemoryPersistence(10, l)
	}
	identity := common.HexToAddress(testutil.TestAddress)

	sub := submitter.NewSubmitter(o.ledger, o.signer, store, &submitter.SubmitterConfig{
		ConfirmationTimeout: o.confirmationTimeout,
		ReceiptPollInterval: 5 * time.Millisecond,
	}, l)
	builder := transactionBuilder.NewTransactionBuilder(&transactionBuilder.TransactionBuilderConfig{
		ContractAddress: testutil.TestContract,
		Identity:        identity,
		Bounds:          testutil.TestBounds(),
		GasLimit:        150_000,
		RateDecimals:    8,
		ValidityWindow:  o.validityWindow,
		MaxAccountAge:   15 * time.Second,
	}, l)
	rec := &recordingSink{}

	return &harness{
		ledger:    mock,
		fetcher:   fetcher,
		store:     store,
		sink:      rec,
		submitter: sub,
		oracle: NewOracle(&OracleConfig{
			Pair:     testutil.USDNGN,
			Identity: identity,
			Bounds:   testutil.TestBounds(),
			Retry: RetryPolicy{
				Ceiling:        o.ceiling,
				InitialBackoff: time.Millisecond,
				BackoffFactor:  2,
				MaxBackoff:     10 * time.Millisecond,
			},
		}, fetcher, o.ledger, builder, sub, store, rec, l),
	}
}

func (h *harness) run(t *testing.T) *types.CycleResult {
	t.Helper()
	result, err := h.oracle.RunCycle(context.Background(), context.Background())
	require.NoError(t, err)
	return result
}

func decodeCall(t *testing.T, tx *ethTypes.Transaction) *util.SubmitPriceCall {
	t.Helper()
	call, err := util.DecodeSubmitPrice(tx.Data())
	require.NoError(t, err)
	return call
}

func Test_HappyPath(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.SetNonce(9)
	h := newHarness(t, mock, &scriptedFetcher{rate: "1500.25"}, nil)

	result := h.run(t)

	assert.Equal(t, types.Outcome_Confirmed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "USD/NGN", result.Pair)
	require.NotNil(t, result.Quote)
	assert.Equal(t, "1500.25", result.Quote.Rate.String())
	require.NotNil(t, result.SequenceNumber)
	assert.Equal(t, uint64(9), *result.SequenceNumber)
	assert.NotZero(t, result.BlockNumber)
	assert.Empty(t, result.Reason)

	require.Len(t, mock.Sent, 1)
	call := decodeCall(t, mock.Sent[0])
	assert.Equal(t, testutil.USDNGN.ID(), call.FeedID)
	assert.Equal(t, 0, call.Rate.Cmp(big.NewInt(150_025_000_000)))
	assert.Equal(t, result.TxHash, mock.Sent[0].Hash().String())

	require.Len(t, h.sink.results, 1)
	assert.Same(t, result, h.sink.results[0])
	assert.Same(t, result, h.oracle.LastResult())

	inFlight, err := h.store.LoadInFlight()
	require.NoError(t, err)
	assert.Nil(t, inFlight)
}

func Test_RateLimitedThenConfirmed(t *testing.T) {
	mock := testutil.NewMockLedger()
	fetcher := &scriptedFetcher{errs: []error{rateLimited(), rateLimited(), rateLimited()}}
	h := newHarness(t, mock, fetcher, nil, withCeiling(5))

	result := h.run(t)

	assert.Equal(t, types.Outcome_Confirmed, result.Outcome)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, 4, fetcher.Calls())
	require.NotNil(t, result.Quote)
	assert.Equal(t, "1504", result.Quote.Rate.String(), "the fourth attempt's quote is submitted")

	require.Len(t, mock.Sent, 1)
	assert.Equal(t, 0, decodeCall(t, mock.Sent[0]).Rate.Cmp(big.NewInt(150_400_000_000)))
	assert.Len(t, h.sink.results, 1)
}

func Test_RateLimitedUntilCeiling(t *testing.T) {
	mock := testutil.NewMockLedger()
	errs := make([]error, 6)
	for i := range errs {
		errs[i] = rateLimited()
	}
	fetcher := &scriptedFetcher{errs: errs}
	h := newHarness(t, mock, fetcher, nil, withCeiling(5))

	result := h.run(t)

	assert.Equal(t, types.Outcome_SubmissionFailed, result.Outcome)
	assert.Equal(t, 5, result.Attempts)
	assert.Equal(t, 5, fetcher.Calls())
	assert.Equal(t, string(oracleErrors.CodeProviderRateLimited), result.ErrorCode)
	assert.Equal(t, string(oracleErrors.KindTransient), result.ErrorKind)
	assert.True(t, strings.HasPrefix(result.Reason, "SubmissionFailed: retry ceiling of 5 attempts reached"), result.Reason)
	assert.Contains(t, result.Reason, "lastCode=ProviderRateLimited")
	assert.Nil(t, result.Quote)
	assert.Nil(t, result.SequenceNumber)
	assert.Empty(t, mock.Sent)
	assert.Len(t, h.sink.results, 1)
}

// racingLedger lets another writer consume the account's next sequence right
// before the first send
type racingLedger struct {
	*testutil.MockLedger
	once sync.Once
}

func (r *racingLedger) SendTransaction(ctx context.Context, tx *ethTypes.Transaction) error {
	r.once.Do(func() { r.SetNonce(r.Nonce() + 1) })
	return r.MockLedger.SendTransaction(ctx, tx)
}

func Test_StaleSequenceRejectedThenConfirmed(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.SetNonce(4)
	racing := &racingLedger{MockLedger: mock}
	h := newHarness(t, mock, &scriptedFetcher{}, nil, withLedger(racing))

	first := h.run(t)
	assert.Equal(t, types.Outcome_Rejected, first.Outcome)
	assert.Equal(t, 1, first.Attempts, "a definitive rejection is not retried")
	assert.Equal(t, string(oracleErrors.KindDefinitiveReject), first.ErrorKind)
	assert.Contains(t, first.Reason, "nonce too low")
	require.NotNil(t, first.SequenceNumber)
	assert.Equal(t, uint64(4), *first.SequenceNumber)
	assert.False(t, h.submitter.HasOutstanding())

	second := h.run(t)
	assert.Equal(t, types.Outcome_Confirmed, second.Outcome)
	require.NotNil(t, second.SequenceNumber)
	assert.Equal(t, uint64(5), *second.SequenceNumber)
	assert.NotEqual(t, *first.SequenceNumber, *second.SequenceNumber)
	assert.NotEqual(t, first.CycleID, second.CycleID)

	assert.Len(t, h.sink.results, 2)
}

func Test_ValidationFailureIsNotRetried(t *testing.T) {
	mock := testutil.NewMockLedger()
	fetcher := &scriptedFetcher{rate: "2500"}
	h := newHarness(t, mock, fetcher, nil)

	result := h.run(t)

	assert.Equal(t, types.Outcome_ValidationFailed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, string(oracleErrors.CodeOutOfBounds), result.ErrorCode)
	require.NotNil(t, result.Quote)
	assert.Equal(t, "2500", result.Quote.Rate.String())
	assert.Zero(t, mock.StateReads)
	assert.Empty(t, mock.Sent)
}

func Test_LedgerUnreachableIsRetried(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.FailStateReads(oracleErrors.New(oracleErrors.CodeLedgerUnreachable, "connection refused"))
	h := newHarness(t, mock, &scriptedFetcher{}, nil)

	result := h.run(t)

	assert.Equal(t, types.Outcome_Confirmed, result.Outcome)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, mock.StateReads, "account state is read again for every attempt")
}

func Test_TimedOutEnvelopeIsResumedNotRebuilt(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.DefaultFate = types.TxFate_Pending
	fetcher := &scriptedFetcher{}
	h := newHarness(t, mock, fetcher, nil, withCeiling(2), withConfirmationTimeout(30*time.Millisecond))

	first := h.run(t)
	assert.Equal(t, types.Outcome_TimedOut, first.Outcome)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, 1, fetcher.Calls(), "the second attempt resumes the signed envelope")
	require.Len(t, mock.Sent, 1)
	assert.True(t, h.submitter.HasOutstanding())

	inFlight, err := h.store.LoadInFlight()
	require.NoError(t, err)
	require.NotNil(t, inFlight)
	assert.Equal(t, first.CycleID, inFlight.CycleID)

	// the earlier envelope lands; the next cycle settles it and submits its own
	mock.SetFate(mock.Sent[0].Hash(), types.TxFate_Included)
	mock.DefaultFate = types.TxFate_Included

	second := h.run(t)
	assert.Equal(t, types.Outcome_Confirmed, second.Outcome)
	require.Len(t, mock.Sent, 2)
	assert.Equal(t, mock.Sent[0].Nonce()+1, mock.Sent[1].Nonce())
	assert.False(t, h.submitter.HasOutstanding())
}

func Test_CancelledCycleIsAborted(t *testing.T) {
	mock := testutil.NewMockLedger()
	fetcher := &scriptedFetcher{}
	h := newHarness(t, mock, fetcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := h.oracle.RunCycle(ctx, context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.Outcome_Aborted, result.Outcome)
	assert.Zero(t, fetcher.Calls())
	assert.Len(t, h.sink.results, 1)
}

func Test_CancelledDuringBackoff(t *testing.T) {
	mock := testutil.NewMockLedger()
	fetcher := &scriptedFetcher{errs: []error{rateLimited()}}
	h := newHarness(t, mock, fetcher, nil)
	h.oracle.config.Retry.InitialBackoff = time.Minute
	h.oracle.config.Retry.MaxBackoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	result, err := h.oracle.RunCycle(ctx, context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.Outcome_Aborted, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
}

func Test_FatalSignerErrorStopsService(t *testing.T) {
	mock := testutil.NewMockLedger()
	km := testutil.NewTestKeyManager(t)
	require.NoError(t, km.Close())
	h := newHarness(t, mock, &scriptedFetcher{}, nil, withSigner(km))

	result, err := h.oracle.RunCycle(context.Background(), context.Background())
	require.Error(t, err)
	assert.True(t, oracleErrors.IsKind(err, oracleErrors.KindFatal))
	assert.Equal(t, types.Outcome_SubmissionFailed, result.Outcome)
	assert.Equal(t, string(oracleErrors.KindFatal), result.ErrorKind)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, mock.Sent)
	assert.Len(t, h.sink.results, 1)
}

func Test_ReconcileSettlesJournaledSubmission(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.DefaultFate = types.TxFate_Pending
	store := memory.NewMemoryPersistence(10, zaptest.NewLogger(t))

	crashed := newHarness(t, mock, &scriptedFetcher{}, store, withCeiling(1), withConfirmationTimeout(20*time.Millisecond))
	first := crashed.run(t)
	require.Equal(t, types.Outcome_TimedOut, first.Outcome)

	mock.DefaultFate = types.TxFate_Included
	restarted := newHarness(t, mock, &scriptedFetcher{}, store)
	require.NoError(t, restarted.oracle.Reconcile(context.Background()))

	assert.False(t, restarted.submitter.HasOutstanding())
	inFlight, err := store.LoadInFlight()
	require.NoError(t, err)
	assert.Nil(t, inFlight)
	assert.Len(t, mock.Sent, 1, "an envelope the ledger already holds is not resent")
}

func Test_ReconcileDiscardsCorruptJournal(t *testing.T) {
	store := memory.NewMemoryPersistence(10, zaptest.NewLogger(t))
	require.NoError(t, store.SaveInFlight(&types.InFlightSubmission{
		CycleID: "old",
		TxHash:  "0x01",
		RawTx:   "0xnothex",
	}))

	h := newHarness(t, testutil.NewMockLedger(), &scriptedFetcher{}, store)
	require.NoError(t, h.oracle.Reconcile(context.Background()))

	inFlight, err := store.LoadInFlight()
	require.NoError(t, err)
	assert.Nil(t, inFlight)
	assert.False(t, h.submitter.HasOutstanding())
}

func Test_ReconcileWithEmptyJournal(t *testing.T) {
	h := newHarness(t, testutil.NewMockLedger(), &scriptedFetcher{}, nil)
	require.NoError(t, h.oracle.Reconcile(context.Background()))
	assert.False(t, h.submitter.HasOutstanding())
}

func Test_ExactlyOneResultPerCycle(t *testing.T) {
	mock := testutil.NewMockLedger()
	fetcher := &scriptedFetcher{errs: []error{
		rateLimited(),
		oracleErrors.New(oracleErrors.CodeProviderUnreachable, "dial tcp: connection refused"),
		errors.New("unclassified"),
	}}
	h := newHarness(t, mock, fetcher, nil, withCeiling(3))

	for i := 0; i < 3; i++ {
		h.run(t)
	}
	require.Len(t, h.sink.results, 3)
	ids := map[string]struct{}{}
	for _, r := range h.sink.results {
		ids[r.CycleID] = struct{}{}
		assert.NotEmpty(t, r.Outcome)
		assert.False(t, r.FinishedAt.Before(r.StartedAt))
	}
	assert.Len(t, ids, 3)

	// two transient failures, then an Internal error on the last attempt
	assert.Equal(t, types.Outcome_SubmissionFailed, h.sink.results[0].Outcome)
	assert.Equal(t, 3, h.sink.results[0].Attempts)
	assert.Equal(t, types.Outcome_Confirmed, h.sink.results[1].Outcome)
}

var _ quoteFetcher.IQuoteFetcher = (*scriptedFetcher)(nil)

func Test_ExpiredPendingEnvelopeIsReplaced(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.DefaultFate = types.TxFate_Pending
	fetcher := &scriptedFetcher{}
	h := newHarness(t, mock, fetcher, nil,
		withCeiling(1),
		withConfirmationTimeout(20*time.Millisecond),
		withValidityWindow(30*time.Millisecond),
	)

	first := h.run(t)
	require.Equal(t, types.Outcome_TimedOut, first.Outcome)
	require.Len(t, mock.Sent, 1)
	stuck := mock.Sent[0]

	time.Sleep(50 * time.Millisecond)
	mock.SetFate(stuck.Hash(), types.TxFate_Pending)
	mock.DefaultFate = types.TxFate_Included

	second := h.run(t)
	assert.Equal(t, types.Outcome_Confirmed, second.Outcome)
	assert.Equal(t, 2, fetcher.Calls())
	require.Len(t, mock.Sent, 2)
	replacement := mock.Sent[1]
	assert.Equal(t, stuck.Nonce(), replacement.Nonce())
	assert.True(t, replacement.GasTipCap().Cmp(stuck.GasTipCap()) > 0)
	assert.True(t, replacement.GasFeeCap().Cmp(stuck.GasFeeCap()) > 0)
	assert.Equal(t, []common.Hash{stuck.Hash()}, mock.Replaced)
	assert.Equal(t, 0, decodeCall(t, replacement).Rate.Cmp(big.NewInt(150_200_000_000)), "replacement carries the fresh quote")
	require.NotNil(t, second.SequenceNumber)
	assert.Equal(t, stuck.Nonce(), *second.SequenceNumber)
	assert.False(t, h.submitter.HasOutstanding())
}

func Test_StuckPendingEnvelopeDoesNotStallLaterCycles(t *testing.T) {
	mock := testutil.NewMockLedger()
	mock.DefaultFate = types.TxFate_Pending
	fetcher := &scriptedFetcher{}
	h := newHarness(t, mock, fetcher, nil,
		withCeiling(1),
		withConfirmationTimeout(20*time.Millisecond),
		withValidityWindow(30*time.Millisecond),
	)

	for i := 0; i < 4; i++ {
		result := h.run(t)
		assert.Equal(t, types.Outcome_TimedOut, result.Outcome, "cycle %d", i+1)
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, 4, fetcher.Calls())
	require.Len(t, mock.Sent, 4)
	for i := 1; i < len(mock.Sent); i++ {
		assert.Equal(t, uint64(0), mock.Sent[i].Nonce())
		assert.True(t, mock.Sent[i].GasTipCap().Cmp(mock.Sent[i-1].GasTipCap()) > 0, "send %d", i)
	}
	assert.Len(t, mock.Replaced, 3)
}

func Test_ExhaustedErrorKeepsLastKind(t *testing.T) {
	last := oracleErrors.New(oracleErrors.CodeTimedOut, "envelope not confirmed before timeout")
	failed := exhaustedError(fmt.Errorf("attempt 3: %w", last), 3)

	assert.Equal(t, oracleErrors.CodeSubmissionFailed, oracleErrors.CodeOf(failed))
	assert.Equal(t, oracleErrors.KindTransient, oracleErrors.KindOf(failed))
	assert.Equal(t, string(oracleErrors.CodeTimedOut), failed.Context["lastCode"])
	assert.ErrorIs(t, failed, last)
	assert.Contains(t, failed.Error(), "retry ceiling of 3 attempts reached")
}
