package persistence

import "time"

// OracleState is operational state that survives restarts.
type OracleState struct {
	// Address is the submitting identity. A journal written by another
	// identity is not reconciled.
	Address string `json:"address"`

	// StartTime is the Unix timestamp when the oracle last started.
	StartTime int64 `json:"startTime"`

	LastConfirmedCycleID  string `json:"lastConfirmedCycleId,omitempty"`
	LastConfirmedTxHash   string `json:"lastConfirmedTxHash,omitempty"`
	LastConfirmedSequence uint64 `json:"lastConfirmedSequence,omitempty"`
	LastConfirmedRate     string `json:"lastConfirmedRate,omitempty"`
	LastConfirmedAt       int64  `json:"lastConfirmedAt,omitempty"`
}

// LastConfirmedTime returns when the last confirmed submission finished, or
// the zero time if there was none
func (s *OracleState) LastConfirmedTime() time.Time {
	if s == nil || s.LastConfirmedAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastConfirmedAt, 0)
}
