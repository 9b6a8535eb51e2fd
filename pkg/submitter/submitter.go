// Package submitter signs envelopes and drives them to a terminal state on the ledger.
package submitter

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/keyManager"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/ledger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// IJournal records signed envelopes that may still land on chain
type IJournal interface {
	SaveInFlight(record *types.InFlightSubmission) error
	ClearInFlight() error
}

type SubmitterConfig struct {
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	// MaxGasFeeCap caps replacement fees; nil means no cap
	MaxGasFeeCap *big.Int
}

// ReplacementFeeBumpPercent is the fee increase over a stuck envelope. Nodes
// require at least 10% to accept a replacement at the same nonce.
const ReplacementFeeBumpPercent = 12

// Submitter owns at most one outstanding signed envelope. While it exists no
// new envelope may be submitted; callers resume it with ResumeOutstanding.
type Submitter struct {
	ledger  ledger.ILedger
	signer  keyManager.ISigner
	journal IJournal
	config  *SubmitterConfig
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	outstanding *outstandingEnvelope
	replacement *types.Replacement
}

type outstandingEnvelope struct {
	envelope *types.SignedEnvelope
	cycleID  string
}

func NewSubmitter(l ledger.ILedger, signer keyManager.ISigner, journal IJournal, cfg *SubmitterConfig, logger *zap.Logger) *Submitter {
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = time.Second
	}
	return &Submitter{
		ledger:  l,
		signer:  signer,
		journal: journal,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Sign attaches a signature from the key manager. The result is immutable.
func (s *Submitter) Sign(env *types.UnsignedEnvelope) (*types.SignedEnvelope, error) {
	if env == nil || env.Tx == nil || env.ChainID == nil {
		return nil, oracleErrors.New(oracleErrors.CodeIllegalTransition, "cannot sign an incomplete envelope")
	}
	if env.SourceAccount != s.signer.PublicIdentity() {
		return nil, oracleErrors.New(oracleErrors.CodeSignerUnavailable, "envelope source does not match signing identity").
			With("source", env.SourceAccount.String()).
			With("identity", s.signer.PublicIdentity().String())
	}

	signer := ethTypes.LatestSignerForChainID(env.ChainID)
	sig, err := s.signer.SignHash(signer.Hash(env.Tx))
	if err != nil {
		return nil, err
	}
	signedTx, err := env.Tx.WithSignature(signer, sig)
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeSignerUnavailable, err, "failed to attach signature")
	}

	return &types.SignedEnvelope{
		UnsignedEnvelope: *env,
		Signature:        sig,
		Tx:               signedTx,
		Hash:             signedTx.Hash(),
	}, nil
}

// HasOutstanding reports whether an earlier envelope may still land
func (s *Submitter) HasOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding != nil
}

// Outstanding returns the outstanding envelope, if any
func (s *Submitter) Outstanding() *types.SignedEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding == nil {
		return nil
	}
	return s.outstanding.envelope
}

// Submit signs env, journals it and drives it to a terminal state.
//
// Results: Confirmed returns a nil error. Rejected returns a DefinitiveReject
// error. TimedOut returns a Transient TimedOut error and leaves the envelope
// outstanding. A failed send with unknown fate returns LedgerUnreachable and
// also leaves it outstanding.
func (s *Submitter) Submit(ctx context.Context, cycleID string, env *types.UnsignedEnvelope) (*types.SubmissionResult, error) {
	if s.HasOutstanding() {
		return nil, oracleErrors.New(oracleErrors.CodeIllegalTransition, "an earlier envelope is still outstanding")
	}
	if r := s.Replacement(); r != nil && env != nil && env.SequenceNumber != r.SequenceNumber {
		return nil, oracleErrors.New(oracleErrors.CodeIllegalTransition, "envelope does not replace the stuck pending sequence").
			With("sequence", env.SequenceNumber).
			With("replaces", r.SequenceNumber)
	}

	a := newAttempt(types.SubmissionState_Built, env.SequenceNumber, s.logger)
	signed, err := s.Sign(env)
	if err != nil {
		return nil, err
	}
	if err := a.transition(types.SubmissionState_Signed); err != nil {
		return nil, err
	}
	s.track(cycleID, signed)

	return s.drive(ctx, a, signed, true)
}

// ResumeOutstanding drives a previously signed envelope instead of building a
// new one. ok is false when there was nothing to resume or the envelope was
// dropped after its validity window closed, in which case a fresh envelope may
// be built.
func (s *Submitter) ResumeOutstanding(ctx context.Context) (result *types.SubmissionResult, err error, ok bool) {
	s.mu.Lock()
	out := s.outstanding
	s.mu.Unlock()
	if out == nil {
		return nil, nil, false
	}
	signed := out.envelope

	status, err := s.ledger.GetTransactionStatus(ctx, signed.Hash)
	if err != nil {
		return nil, err, true
	}

	a := newAttempt(types.SubmissionState_Signed, signed.SequenceNumber, s.logger)
	expired := signed.Expired(s.now())
	s.logger.Sugar().Infow("Resuming outstanding envelope",
		"txHash", signed.Hash.String(),
		"sequence", signed.SequenceNumber,
		"fate", status.Fate,
		"expired", expired,
	)

	switch status.Fate {
	case types.TxFate_Included, types.TxFate_Failed:
		if err := a.transition(types.SubmissionState_Sent); err != nil {
			return nil, err, true
		}
		result, err := s.finish(a, signed, status)
		return result, err, true
	case types.TxFate_Pending:
		if expired && s.scheduleReplacement(signed) {
			return nil, nil, false
		}
		// still in the mempool; only wait, the node already holds it
		if err := a.transition(types.SubmissionState_Sent); err != nil {
			return nil, err, true
		}
		result, err := s.awaitConfirmation(ctx, a, signed)
		return result, err, true
	default:
		if expired {
			s.logger.Sugar().Warnw("Dropping expired envelope unknown to the ledger",
				"txHash", signed.Hash.String(),
				"sequence", signed.SequenceNumber,
			)
			s.release()
			return nil, nil, false
		}
		result, err := s.drive(ctx, a, signed, true)
		return result, err, true
	}
}

// Replacement returns the pending replacement the next envelope must honour
func (s *Submitter) Replacement() *types.Replacement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replacement
}

// ApplyReplacement adjusts a fresh account read so the next envelope replaces
// a stuck pending one: it reuses that sequence and raises fees to the
// replacement floors. account is returned unchanged when nothing is pending.
func (s *Submitter) ApplyReplacement(account *types.AccountState) *types.AccountState {
	r := s.Replacement()
	if r == nil || account == nil {
		return account
	}
	adjusted := *account
	adjusted.SequenceNumber = int64(r.SequenceNumber) - 1
	adjusted.GasTipCap = maxBig(account.GasTipCap, r.MinGasTipCap)
	adjusted.GasFeeCap = maxBig(account.GasFeeCap, r.MinGasFeeCap)
	adjusted.GasFeeCap = maxBig(adjusted.GasFeeCap, adjusted.GasTipCap)
	return &adjusted
}

// scheduleReplacement gives up waiting on an expired pending envelope. It
// stays in the journal until the replacement is signed. It reports false when
// the bumped fees would exceed MaxGasFeeCap.
func (s *Submitter) scheduleReplacement(signed *types.SignedEnvelope) bool {
	tip := bump(signed.Tx.GasTipCap())
	feeCap := bump(signed.Tx.GasFeeCap())
	if s.config.MaxGasFeeCap != nil && feeCap.Cmp(s.config.MaxGasFeeCap) > 0 {
		s.logger.Sugar().Errorw("Expired envelope is stuck pending and a replacement would exceed the fee cap",
			"txHash", signed.Hash.String(),
			"sequence", signed.SequenceNumber,
			"replacementFeeCap", feeCap.String(),
			"maxGasFeeCap", s.config.MaxGasFeeCap.String(),
		)
		return false
	}

	s.logger.Sugar().Warnw("Expired envelope is stuck pending; replacing it at the same sequence",
		"txHash", signed.Hash.String(),
		"sequence", signed.SequenceNumber,
		"minGasTipCap", tip.String(),
		"minGasFeeCap", feeCap.String(),
	)
	s.mu.Lock()
	s.outstanding = nil
	s.replacement = &types.Replacement{
		SequenceNumber: signed.SequenceNumber,
		Replaces:       signed.Hash,
		MinGasTipCap:   tip,
		MinGasFeeCap:   feeCap,
	}
	s.mu.Unlock()
	return true
}

// settleReplacement drops the replacement once its sequence is used up
func (s *Submitter) settleReplacement(sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replacement != nil && s.replacement.SequenceNumber == sequence {
		s.replacement = nil
	}
}

func bump(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(1)
	}
	out := new(big.Int).Mul(v, big.NewInt(100+ReplacementFeeBumpPercent))
	out.Div(out, big.NewInt(100))
	return out.Add(out, big.NewInt(1))
}

func maxBig(a, b *big.Int) *big.Int {
	switch {
	case a == nil:
		return b
	case b == nil || a.Cmp(b) >= 0:
		return a
	default:
		return b
	}
}

// Restore makes a journaled envelope outstanding again after a restart
func (s *Submitter) Restore(record *types.InFlightSubmission) error {
	raw, err := hexutil.Decode(record.RawTx)
	if err != nil {
		return fmt.Errorf("failed to decode journaled transaction: %w", err)
	}
	var tx ethTypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("failed to unmarshal journaled transaction: %w", err)
	}
	if tx.Hash().String() != record.TxHash {
		return fmt.Errorf("journaled transaction hash mismatch: %s != %s", tx.Hash().String(), record.TxHash)
	}
	sender, err := ethTypes.Sender(ethTypes.LatestSignerForChainID(tx.ChainId()), &tx)
	if err != nil {
		return fmt.Errorf("failed to recover journaled transaction sender: %w", err)
	}
	if sender != s.signer.PublicIdentity() {
		return fmt.Errorf("journaled transaction was signed by %s, not %s", sender.String(), s.signer.PublicIdentity().String())
	}

	signed := &types.SignedEnvelope{
		UnsignedEnvelope: types.UnsignedEnvelope{
			SourceAccount:  sender,
			SequenceNumber: tx.Nonce(),
			ValidUntil:     record.ValidUntil,
			ChainID:        tx.ChainId(),
		},
		Tx:   &tx,
		Hash: tx.Hash(),
	}

	s.mu.Lock()
	s.outstanding = &outstandingEnvelope{envelope: signed, cycleID: record.CycleID}
	s.mu.Unlock()
	return nil
}

// drive sends signed (when rebroadcast is true) and waits for its fate
func (s *Submitter) drive(ctx context.Context, a *attempt, signed *types.SignedEnvelope, rebroadcast bool) (*types.SubmissionResult, error) {
	if rebroadcast {
		if err := s.ledger.SendTransaction(ctx, signed.Tx); err != nil {
			return s.handleSendError(ctx, a, signed, err)
		}
	}
	if err := a.transition(types.SubmissionState_Sent); err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("Envelope sent",
		"txHash", signed.Hash.String(),
		"sequence", signed.SequenceNumber,
		"validUntil", signed.ValidUntil,
	)
	return s.awaitConfirmation(ctx, a, signed)
}

func (s *Submitter) handleSendError(ctx context.Context, a *attempt, signed *types.SignedEnvelope, sendErr error) (*types.SubmissionResult, error) {
	if oracleErrors.IsKind(sendErr, oracleErrors.KindDefinitiveReject) {
		// a stale nonce may mean this very envelope already landed
		if status, err := s.ledger.GetTransactionStatus(ctx, signed.Hash); err == nil &&
			(status.Fate == types.TxFate_Included || status.Fate == types.TxFate_Failed) {
			if err := a.transition(types.SubmissionState_Sent); err != nil {
				return nil, err
			}
			return s.finish(a, signed, status)
		}
		if err := a.transition(types.SubmissionState_Rejected); err != nil {
			return nil, err
		}
		s.release()
		reason := sendErr.Error()
		if oe, ok := oracleErrors.As(sendErr); ok && oe.Context["reason"] != "" {
			reason = oe.Context["reason"]
		}
		s.rejectedReplacement(ctx, signed, reason)
		s.logger.Sugar().Warnw("Envelope rejected by ledger",
			"txHash", signed.Hash.String(),
			"sequence", signed.SequenceNumber,
			"reason", reason,
		)
		return &types.SubmissionResult{
			State:          types.SubmissionState_Rejected,
			TxHash:         signed.Hash,
			SequenceNumber: signed.SequenceNumber,
			Reason:         reason,
			Fate:           types.TxFate_Unknown,
		}, sendErr
	}

	// the node may have accepted the envelope before the connection failed
	if status, err := s.ledger.GetTransactionStatus(ctx, signed.Hash); err == nil && status.Fate != types.TxFate_Unknown {
		if err := a.transition(types.SubmissionState_Sent); err != nil {
			return nil, err
		}
		if status.Fate == types.TxFate_Pending {
			return s.awaitConfirmation(ctx, a, signed)
		}
		return s.finish(a, signed, status)
	}

	s.logger.Sugar().Warnw("Failed to send envelope; it stays outstanding",
		"txHash", signed.Hash.String(),
		"sequence", signed.SequenceNumber,
		"error", sendErr,
	)
	return nil, sendErr
}

// rejectedReplacement updates the pending replacement after the ledger refused
// an envelope at its sequence
func (s *Submitter) rejectedReplacement(ctx context.Context, signed *types.SignedEnvelope, reason string) {
	r := s.Replacement()
	if r == nil || r.SequenceNumber != signed.SequenceNumber {
		return
	}
	switch reason {
	case "nonce too low":
		// the sequence is used up, most likely by the envelope being replaced
		if status, err := s.ledger.GetTransactionStatus(ctx, r.Replaces); err == nil {
			s.logger.Sugar().Infow("Sequence consumed before the replacement landed",
				"sequence", r.SequenceNumber,
				"replacedTxHash", r.Replaces.String(),
				"replacedFate", status.Fate,
			)
		}
		s.settleReplacement(signed.SequenceNumber)
	case "replacement transaction underpriced":
		feeCap := bump(signed.Tx.GasFeeCap())
		if s.config.MaxGasFeeCap != nil && feeCap.Cmp(s.config.MaxGasFeeCap) > 0 {
			s.logger.Sugar().Errorw("Replacement underpriced and a higher fee would exceed the fee cap",
				"sequence", r.SequenceNumber,
				"replacementFeeCap", feeCap.String(),
				"maxGasFeeCap", s.config.MaxGasFeeCap.String(),
			)
			return
		}
		s.mu.Lock()
		if s.replacement == r {
			s.replacement = &types.Replacement{
				SequenceNumber: r.SequenceNumber,
				Replaces:       r.Replaces,
				MinGasTipCap:   bump(signed.Tx.GasTipCap()),
				MinGasFeeCap:   feeCap,
			}
		}
		s.mu.Unlock()
	}
}

// awaitConfirmation polls the ledger until a terminal fate or the confirmation timeout
func (s *Submitter) awaitConfirmation(ctx context.Context, a *attempt, signed *types.SignedEnvelope) (*types.SubmissionResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.config.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(s.config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.ledger.GetTransactionStatus(waitCtx, signed.Hash)
		switch {
		case err != nil:
			s.logger.Sugar().Debugw("Transaction status lookup failed", "txHash", signed.Hash.String(), "error", err)
		case status.Fate == types.TxFate_Included || status.Fate == types.TxFate_Failed:
			return s.finish(a, signed, status)
		case status.Fate == types.TxFate_Unknown && !signed.Expired(s.now()):
			// dropped from the mempool, the same bytes are safe to resend
			if err := s.ledger.SendTransaction(waitCtx, signed.Tx); err != nil {
				s.logger.Sugar().Debugw("Rebroadcast failed", "txHash", signed.Hash.String(), "error", err)
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, oracleErrors.Wrap(oracleErrors.CodeCancelled, ctx.Err(), "stopped while awaiting confirmation").
					With("txHash", signed.Hash.String()).
					With("sequence", signed.SequenceNumber)
			}
			return s.resolveTimeout(ctx, a, signed)
		case <-ticker.C:
		}
	}
}

// resolveTimeout asks the ledger one last time what happened to signed
func (s *Submitter) resolveTimeout(ctx context.Context, a *attempt, signed *types.SignedEnvelope) (*types.SubmissionResult, error) {
	fate := types.TxFate_Unknown
	status, err := s.ledger.GetTransactionStatus(ctx, signed.Hash)
	if err == nil {
		if status.Fate == types.TxFate_Included || status.Fate == types.TxFate_Failed {
			return s.finish(a, signed, status)
		}
		fate = status.Fate
	}

	if err := a.transition(types.SubmissionState_TimedOut); err != nil {
		return nil, err
	}
	s.logger.Sugar().Warnw("Envelope not confirmed in time; fate unknown",
		"txHash", signed.Hash.String(),
		"sequence", signed.SequenceNumber,
		"fate", fate,
	)
	result := &types.SubmissionResult{
		State:          types.SubmissionState_TimedOut,
		TxHash:         signed.Hash,
		SequenceNumber: signed.SequenceNumber,
		Fate:           fate,
		Reason:         "confirmation timeout",
	}
	return result, oracleErrors.New(oracleErrors.CodeTimedOut, "envelope not confirmed before timeout").
		With("txHash", signed.Hash.String()).
		With("sequence", signed.SequenceNumber).
		With("fate", fate)
}

// finish records a terminal fate reported by the ledger
func (s *Submitter) finish(a *attempt, signed *types.SignedEnvelope, status *types.TxStatus) (*types.SubmissionResult, error) {
	result := &types.SubmissionResult{
		TxHash:         signed.Hash,
		SequenceNumber: signed.SequenceNumber,
		BlockNumber:    status.BlockNumber,
		GasUsed:        status.GasUsed,
		Fate:           status.Fate,
	}
	s.settleReplacement(signed.SequenceNumber)

	if status.Fate == types.TxFate_Included {
		if err := a.transition(types.SubmissionState_Confirmed); err != nil {
			return nil, err
		}
		s.release()
		result.State = types.SubmissionState_Confirmed
		s.logger.Sugar().Infow("Envelope confirmed",
			"txHash", signed.Hash.String(),
			"sequence", signed.SequenceNumber,
			"block", status.BlockNumber,
		)
		return result, nil
	}

	if err := a.transition(types.SubmissionState_Rejected); err != nil {
		return nil, err
	}
	s.release()
	result.State = types.SubmissionState_Rejected
	result.Reason = "reverted"
	s.logger.Sugar().Warnw("Envelope reverted on chain",
		"txHash", signed.Hash.String(),
		"sequence", signed.SequenceNumber,
		"block", status.BlockNumber,
	)
	return result, oracleErrors.New(oracleErrors.CodeRejected, "transaction reverted").
		With("reason", "reverted").
		With("txHash", signed.Hash.String()).
		With("sequence", signed.SequenceNumber)
}

// track makes signed outstanding and journals it before it is broadcast
func (s *Submitter) track(cycleID string, signed *types.SignedEnvelope) {
	s.mu.Lock()
	s.outstanding = &outstandingEnvelope{envelope: signed, cycleID: cycleID}
	s.mu.Unlock()

	if s.journal == nil {
		return
	}
	raw, err := signed.Tx.MarshalBinary()
	if err == nil {
		err = s.journal.SaveInFlight(&types.InFlightSubmission{
			CycleID:        cycleID,
			TxHash:         signed.Hash.String(),
			SequenceNumber: signed.SequenceNumber,
			ValidUntil:     signed.ValidUntil,
			SentAt:         s.now(),
			RawTx:          hexutil.Encode(raw),
		})
	}
	if err != nil {
		s.logger.Sugar().Errorw("Failed to journal signed envelope", "txHash", signed.Hash.String(), "error", err)
	}
}

// release forgets the outstanding envelope once its fate is settled
func (s *Submitter) release() {
	s.mu.Lock()
	s.outstanding = nil
	s.mu.Unlock()

	if s.journal == nil {
		return
	}
	if err := s.journal.ClearInFlight(); err != nil {
		s.logger.Sugar().Errorw("Failed to clear submission journal", "error", err)
	}
}

// OutstandingCycleID returns the cycle that signed the outstanding envelope
func (s *Submitter) OutstandingCycleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding == nil {
		return ""
	}
	return s.outstanding.cycleID
}
