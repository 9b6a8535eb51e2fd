package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
)

// MarshalInFlight serializes an InFlightSubmission to JSON bytes.
func MarshalInFlight(record *types.InFlightSubmission) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil InFlightSubmission")
	}
	return json.Marshal(record)
}

// UnmarshalInFlight deserializes an InFlightSubmission from JSON bytes.
func UnmarshalInFlight(data []byte) (*types.InFlightSubmission, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.InFlightSubmission
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to InFlightSubmission: %w", err)
	}
	return &record, nil
}

// MarshalCycleResult serializes a CycleResult to JSON bytes.
func MarshalCycleResult(result *types.CycleResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("cannot marshal nil CycleResult")
	}
	return json.Marshal(result)
}

// UnmarshalCycleResult deserializes a CycleResult from JSON bytes.
func UnmarshalCycleResult(data []byte) (*types.CycleResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var result types.CycleResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to CycleResult: %w", err)
	}
	return &result, nil
}

// MarshalOracleState serializes OracleState to JSON bytes.
func MarshalOracleState(state *OracleState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("cannot marshal nil OracleState")
	}
	return json.Marshal(state)
}

// UnmarshalOracleState deserializes OracleState from JSON bytes.
func UnmarshalOracleState(data []byte) (*OracleState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var state OracleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to OracleState: %w", err)
	}
	return &state, nil
}

// CycleResultKey orders cycle results by start time when compared as strings
func CycleResultKey(result *types.CycleResult) string {
	return fmt.Sprintf("%020d:%s", result.StartedAt.UnixNano(), result.CycleID)
}

// CopyCycleResult returns a deep copy so stored results cannot be mutated by callers
func CopyCycleResult(result *types.CycleResult) *types.CycleResult {
	if result == nil {
		return nil
	}
	cp := *result
	if result.Quote != nil {
		q := *result.Quote
		cp.Quote = &q
	}
	if result.SequenceNumber != nil {
		seq := *result.SequenceNumber
		cp.SequenceNumber = &seq
	}
	return &cp
}
