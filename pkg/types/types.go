package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// AssetPair identifies the exchange rate being attested, e.g. USD/NGN
type AssetPair struct {
	Base  string `json:"base" yaml:"base"`
	Quote string `json:"quote" yaml:"quote"`
}

func (p AssetPair) String() string {
	return fmt.Sprintf("%s/%s", strings.ToUpper(p.Base), strings.ToUpper(p.Quote))
}

// ID is the on-chain feed identifier: keccak256 of the upper-cased "BASE/QUOTE"
func (p AssetPair) ID() common.Hash {
	return crypto.Keccak256Hash([]byte(p.String()))
}

func (p AssetPair) IsZero() bool {
	return p.Base == "" || p.Quote == ""
}

// ParseAssetPair parses "BASE/QUOTE"
func ParseAssetPair(s string) (AssetPair, error) {
	base, quote, ok := strings.Cut(s, "/")
	base = strings.TrimSpace(base)
	quote = strings.TrimSpace(quote)
	if !ok || base == "" || quote == "" {
		return AssetPair{}, fmt.Errorf("invalid asset pair %q, expected BASE/QUOTE", s)
	}
	return AssetPair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}, nil
}

// Quote is a single exchange-rate observation from an external provider
type Quote struct {
	Pair       AssetPair       `json:"pair"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observedAt"`
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Age returns how old the observation is relative to now
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// MaxRateDigits bounds the magnitude and precision of a rate: 78 digits
// covers the uint256 range the contract stores.
const MaxRateDigits = 78

// RateWithinPrecision reports whether d has at most MaxRateDigits integer
// digits and at most MaxRateDigits fractional digits. Decimals outside this
// range are rejected before any arithmetic rescales them.
func RateWithinPrecision(d decimal.Decimal) bool {
	exp := int64(d.Exponent())
	if exp > MaxRateDigits || exp < -MaxRateDigits {
		return false
	}
	return int64(d.NumDigits())+exp <= MaxRateDigits
}

// Bounds are the sanity limits a quote must satisfy before it is trusted
type Bounds struct {
	MinRate decimal.Decimal
	MaxRate decimal.Decimal
	MaxAge  time.Duration
}

// AccountState is a point-in-time read of the submitting account.
//
// SequenceNumber is the last consumed sequence: the ledger's pending nonce
// minus one, -1 for an account that has never sent. The next envelope uses
// SequenceNumber+1.
type AccountState struct {
	Address        common.Address
	SequenceNumber int64
	Balance        *big.Int
	ChainID        *big.Int
	GasTipCap      *big.Int
	GasFeeCap      *big.Int
	FetchedAt      time.Time
}

// NextSequence is the sequence number the next envelope must carry
func (a *AccountState) NextSequence() uint64 {
	return uint64(a.SequenceNumber + 1)
}

// PriceAttestation is the single operation carried by an envelope
type PriceAttestation struct {
	FeedID     common.Hash
	Pair       AssetPair
	Rate       decimal.Decimal
	ScaledRate *big.Int
	Decimals   uint8
	ObservedAt time.Time
}

// UnsignedEnvelope is a fully built, not yet signed submission
type UnsignedEnvelope struct {
	SourceAccount  common.Address
	SequenceNumber uint64
	Operations     []PriceAttestation
	ValidAfter     time.Time
	ValidUntil     time.Time
	ChainID        *big.Int
	Tx             *ethTypes.Transaction
}

// Expired reports whether the validity window has closed at now
func (e *UnsignedEnvelope) Expired(now time.Time) bool {
	return !now.Before(e.ValidUntil)
}

// SignedEnvelope is immutable once created and must only be sent for its own sequence
type SignedEnvelope struct {
	UnsignedEnvelope
	Signature []byte
	Tx        *ethTypes.Transaction
	Hash      common.Hash
}

// Replacement pins the next envelope to the sequence of a stuck pending
// envelope. The fee floors are high enough for the ledger to swap it in;
// sharing the sequence means at most one of the two can land.
type Replacement struct {
	SequenceNumber uint64
	Replaces       common.Hash
	MinGasTipCap   *big.Int
	MinGasFeeCap   *big.Int
}

// SubmissionState is a step of the per-attempt submission state machine
type SubmissionState string

const (
	SubmissionState_Built     SubmissionState = "built"
	SubmissionState_Signed    SubmissionState = "signed"
	SubmissionState_Sent      SubmissionState = "sent"
	SubmissionState_Confirmed SubmissionState = "confirmed"
	SubmissionState_Rejected  SubmissionState = "rejected"
	SubmissionState_TimedOut  SubmissionState = "timedOut"
)

// IsTerminal reports whether no further transition is possible
func (s SubmissionState) IsTerminal() bool {
	return s == SubmissionState_Confirmed || s == SubmissionState_Rejected || s == SubmissionState_TimedOut
}

// TxFate is what the ledger knows about a previously sent transaction
type TxFate string

const (
	TxFate_Unknown  TxFate = "unknown"
	TxFate_Pending  TxFate = "pending"
	TxFate_Included TxFate = "included"
	TxFate_Failed   TxFate = "failed"
)

// TxStatus is the answer to a fate-by-hash query
type TxStatus struct {
	Fate        TxFate
	BlockNumber uint64
	GasUsed     uint64
}

// SubmissionResult is the terminal state of one submission attempt
type SubmissionResult struct {
	State          SubmissionState
	TxHash         common.Hash
	SequenceNumber uint64
	BlockNumber    uint64
	GasUsed        uint64
	Reason         string
	Fate           TxFate
}

// Outcome is the single terminal classification of a cycle
type Outcome string

const (
	Outcome_Confirmed        Outcome = "Confirmed"
	Outcome_Rejected         Outcome = "Rejected"
	Outcome_TimedOut         Outcome = "TimedOut"
	Outcome_SubmissionFailed Outcome = "SubmissionFailed"
	Outcome_ValidationFailed Outcome = "ValidationFailed"
	Outcome_Aborted          Outcome = "Aborted"
)

// CycleResult is emitted exactly once per cycle
type CycleResult struct {
	CycleID        string    `json:"cycleId"`
	Pair           string    `json:"pair"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Quote          *Quote    `json:"quote,omitempty"`
	Attempts       int       `json:"attempts"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	ErrorKind      string    `json:"errorKind,omitempty"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
	SequenceNumber *uint64   `json:"sequenceNumber,omitempty"`
	BlockNumber    uint64    `json:"blockNumber,omitempty"`
}

func (r *CycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// InFlightSubmission is journaled between signing and a terminal state so a
// restarted process can reconcile the envelope instead of forgetting it
type InFlightSubmission struct {
	CycleID        string    `json:"cycleId"`
	TxHash         string    `json:"txHash"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	ValidUntil     time.Time `json:"validUntil"`
	SentAt         time.Time `json:"sentAt"`
	RawTx          string    `json:"rawTx"`
}
