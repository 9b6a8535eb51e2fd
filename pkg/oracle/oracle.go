// Package oracle runs one fetch, validate, build and submit cycle at a time
// and turns it into exactly one CycleResult.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/ledger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/quoteFetcher"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/quoteValidator"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/sink"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/submitter"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

// IEnvelopeBuilder turns a validated quote into an unsigned envelope
type IEnvelopeBuilder interface {
	Build(account *types.AccountState, quote *types.Quote) (*types.UnsignedEnvelope, error)
}

type RetryPolicy struct {
	// Ceiling is the total number of attempts per cycle
	Ceiling        int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
}

type OracleConfig struct {
	Pair     types.AssetPair
	Identity common.Address
	Bounds   types.Bounds
	Retry    RetryPolicy
}

type Oracle struct {
	config    *OracleConfig
	fetcher   quoteFetcher.IQuoteFetcher
	ledger    ledger.ILedger
	builder   IEnvelopeBuilder
	submitter *submitter.Submitter
	store     persistence.IOraclePersistence
	sink      sink.ISink
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.RWMutex
	lastResult *types.CycleResult
}

func NewOracle(
	cfg *OracleConfig,
	fetcher quoteFetcher.IQuoteFetcher,
	l ledger.ILedger,
	builder IEnvelopeBuilder,
	sub *submitter.Submitter,
	store persistence.IOraclePersistence,
	s sink.ISink,
	logger *zap.Logger,
) *Oracle {
	if cfg.Retry.Ceiling < 1 {
		cfg.Retry.Ceiling = 1
	}
	return &Oracle{
		config:    cfg,
		fetcher:   fetcher,
		ledger:    l,
		builder:   builder,
		submitter: sub,
		store:     store,
		sink:      s,
		logger:    logger,
		now:       time.Now,
	}
}

// LastResult returns the most recent CycleResult, or nil before the first cycle
func (o *Oracle) LastResult() *types.CycleResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastResult
}

// Identity is the submitting account
func (o *Oracle) Identity() common.Address {
	return o.config.Identity
}

// Pair is the asset pair this oracle attests
func (o *Oracle) Pair() types.AssetPair {
	return o.config.Pair
}

// Reconcile restores an envelope journaled by an earlier process and tries
// to settle it before the first cycle. An envelope that is still pending is
// left for the first cycle to resume.
func (o *Oracle) Reconcile(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	record, err := o.store.LoadInFlight()
	if err != nil {
		return fmt.Errorf("failed to load submission journal: %w", err)
	}
	if record == nil {
		return nil
	}

	o.logger.Sugar().Infow("Found journaled submission from a previous run",
		"cycleId", record.CycleID,
		"txHash", record.TxHash,
		"sequence", record.SequenceNumber,
		"validUntil", record.ValidUntil,
	)
	if err := o.submitter.Restore(record); err != nil {
		o.logger.Sugar().Errorw("Discarding unusable journaled submission", "txHash", record.TxHash, "error", err)
		return o.store.ClearInFlight()
	}

	result, err, handled := o.submitter.ResumeOutstanding(ctx)
	switch {
	case !handled:
		o.logger.Sugar().Infow("Journaled submission expired without landing", "txHash", record.TxHash)
	case err != nil && o.submitter.HasOutstanding():
		o.logger.Sugar().Warnw("Journaled submission still unresolved; the first cycle resumes it",
			"txHash", record.TxHash,
			"error", err,
		)
	case result != nil:
		o.logger.Sugar().Infow("Journaled submission settled",
			"txHash", record.TxHash,
			"state", result.State,
			"reason", result.Reason,
		)
	}
	if oracleErrors.IsKind(err, oracleErrors.KindFatal) {
		return err
	}
	return nil
}

// RunCycle runs one cycle and emits its result to the sink.
//
// ctx cancels the cycle between steps. hardCtx bounds a submission that has
// already been signed and is only cancelled when shutdown gives up waiting.
// The returned error is non-nil only for Fatal errors, after which the
// service must stop.
func (o *Oracle) RunCycle(ctx context.Context, hardCtx context.Context) (*types.CycleResult, error) {
	result := &types.CycleResult{
		CycleID:   uuid.New().String(),
		Pair:      o.config.Pair.String(),
		StartedAt: o.now(),
	}
	logger := o.logger.With(zap.String("cycleId", result.CycleID))
	logger.Sugar().Debugw("Cycle started", "pair", result.Pair)

	backoff := wait.Backoff{
		Duration: o.config.Retry.InitialBackoff,
		Factor:   o.config.Retry.BackoffFactor,
		Cap:      o.config.Retry.MaxBackoff,
		Steps:    o.config.Retry.Ceiling,
	}

	var (
		sub       *types.SubmissionResult
		err       error
		fatalErr  error
		exhausted bool
	)
	for attempt := 1; attempt <= o.config.Retry.Ceiling; attempt++ {
		result.Attempts = attempt
		sub, err = o.attempt(ctx, hardCtx, result, logger)
		if sub != nil {
			seq := sub.SequenceNumber
			result.SequenceNumber = &seq
			result.TxHash = sub.TxHash.String()
			result.BlockNumber = sub.BlockNumber
		}
		if err == nil || !oracleErrors.IsRetryable(err) {
			break
		}
		if attempt == o.config.Retry.Ceiling {
			exhausted = true
			break
		}

		delay := backoff.Step()
		logger.Sugar().Infow("Cycle attempt failed; retrying",
			"attempt", attempt,
			"ceiling", o.config.Retry.Ceiling,
			"backoff", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			err = oracleErrors.Wrap(oracleErrors.CodeCancelled, ctx.Err(), "cycle cancelled during backoff")
			break
		}
	}

	o.classify(result, sub, err)
	if exhausted {
		failed := exhaustedError(err, o.config.Retry.Ceiling)
		result.Reason = failed.Error()
		logger.Sugar().Warnw("Retry ceiling reached", "error", failed)
	}
	if oracleErrors.IsKind(err, oracleErrors.KindFatal) {
		fatalErr = err
	}
	result.FinishedAt = o.now()

	o.mu.Lock()
	o.lastResult = result
	o.mu.Unlock()

	if o.sink != nil {
		_ = o.sink.Emit(context.WithoutCancel(ctx), result)
	}
	return result, fatalErr
}

// attempt runs the cycle steps once. A signed envelope left outstanding by an
// earlier attempt is always settled before a new one is built.
func (o *Oracle) attempt(ctx, hardCtx context.Context, result *types.CycleResult, logger *zap.Logger) (*types.SubmissionResult, error) {
	if o.submitter.HasOutstanding() {
		owner := o.submitter.OutstandingCycleID()
		sub, err, handled := o.submitter.ResumeOutstanding(hardCtx)
		if handled {
			if owner == result.CycleID || o.submitter.HasOutstanding() || oracleErrors.IsKind(err, oracleErrors.KindFatal) {
				return sub, err
			}
			// an earlier cycle's envelope settled; this cycle still submits its own
			fields := []interface{}{"ownerCycleId", owner}
			if sub != nil {
				fields = append(fields, "state", sub.State, "txHash", sub.TxHash.String())
			}
			logger.Sugar().Infow("Envelope from an earlier cycle settled", fields...)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeCancelled, err, "cycle cancelled before fetch")
	}
	quote, err := o.fetcher.Fetch(ctx, o.config.Pair)
	if err != nil {
		return nil, err
	}

	validated, err := quoteValidator.Validate(quote, o.now(), o.config.Bounds)
	if err != nil {
		result.Quote = quote
		return nil, err
	}
	result.Quote = validated

	account, err := o.ledger.GetAccountState(ctx, o.config.Identity)
	if err != nil {
		return nil, err
	}
	account = o.submitter.ApplyReplacement(account)

	envelope, err := o.builder.Build(account, validated)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeCancelled, err, "cycle cancelled before signing")
	}
	return o.submitter.Submit(hardCtx, result.CycleID, envelope)
}

// classify fills the outcome fields from the last attempt
func (o *Oracle) classify(result *types.CycleResult, sub *types.SubmissionResult, err error) {
	if err == nil {
		result.Outcome = types.Outcome_Confirmed
		return
	}

	result.Reason = err.Error()
	result.ErrorKind = string(oracleErrors.KindOf(err))
	result.ErrorCode = string(oracleErrors.CodeOf(err))
	if sub != nil && sub.Reason != "" {
		result.Reason = sub.Reason
	}

	switch {
	case oracleErrors.IsCode(err, oracleErrors.CodeCancelled):
		result.Outcome = types.Outcome_Aborted
	case oracleErrors.IsKind(err, oracleErrors.KindValidation):
		result.Outcome = types.Outcome_ValidationFailed
	case oracleErrors.IsKind(err, oracleErrors.KindDefinitiveReject):
		result.Outcome = types.Outcome_Rejected
	case oracleErrors.IsCode(err, oracleErrors.CodeTimedOut):
		result.Outcome = types.Outcome_TimedOut
	default:
		result.Outcome = types.Outcome_SubmissionFailed
	}
}

// exhaustedError wraps the last retryable error once the ceiling is reached.
// It keeps that error's kind; the code is SubmissionFailed with the last code
// in context.
func exhaustedError(last error, ceiling int) *oracleErrors.Error {
	failed := oracleErrors.Wrap(oracleErrors.CodeSubmissionFailed, last, "retry ceiling of %d attempts reached", ceiling).
		With("lastCode", oracleErrors.CodeOf(last))
	failed.Kind = oracleErrors.KindOf(last)
	return failed
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
