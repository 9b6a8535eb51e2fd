package submitter

import (
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"go.uber.org/zap"
)

var allowedTransitions = map[types.SubmissionState][]types.SubmissionState{
	types.SubmissionState_Built:  {types.SubmissionState_Signed},
	types.SubmissionState_Signed: {types.SubmissionState_Sent, types.SubmissionState_Rejected},
	types.SubmissionState_Sent: {
		types.SubmissionState_Confirmed,
		types.SubmissionState_Rejected,
		types.SubmissionState_TimedOut,
	},
}

// attempt tracks one envelope through the submission states
type attempt struct {
	state    types.SubmissionState
	sequence uint64
	logger   *zap.Logger
}

func newAttempt(start types.SubmissionState, sequence uint64, l *zap.Logger) *attempt {
	return &attempt{state: start, sequence: sequence, logger: l}
}

// transition moves to next or returns an Internal error if the move is not allowed
func (a *attempt) transition(next types.SubmissionState) error {
	for _, allowed := range allowedTransitions[a.state] {
		if allowed == next {
			a.logger.Sugar().Debugw("Submission state transition",
				"from", a.state,
				"to", next,
				"sequence", a.sequence,
			)
			a.state = next
			return nil
		}
	}
	return oracleErrors.New(oracleErrors.CodeIllegalTransition, "illegal submission state transition").
		With("from", a.state).
		With("to", next)
}
