package runtime

import (
	"github.com/pithecene-io/courier/types"
)

// Process exit codes.
const (
	ExitCodeOK            = 0 // delivered or skipped
	ExitCodeTransient     = 1 // external failure, a later run may succeed
	ExitCodeNeedsOperator = 2 // local state or credentials need attention
	ExitCodeConfig        = 3 // invalid or missing configuration
)

// ExitCode maps a run outcome to the process exit code.
func ExitCode(o *types.RunOutcome) int {
	if o == nil {
		return ExitCodeTransient
	}
	switch o.Status {
	case types.OutcomeDelivered, types.OutcomeSkipped:
		return ExitCodeOK
	}
	switch {
	case o.Reason == types.ReasonConfigInvalid:
		return ExitCodeConfig
	case o.NeedsOperator():
		return ExitCodeNeedsOperator
	default:
		return ExitCodeTransient
	}
}

func delivered(msg string) *types.RunOutcome {
	return &types.RunOutcome{Status: types.OutcomeDelivered, Message: msg}
}

func skipped(stage types.Stage, msg string) *types.RunOutcome {
	return &types.RunOutcome{
		Status:  types.OutcomeSkipped,
		Stage:   stage,
		Reason:  types.ReasonAlreadyDelivered,
		Message: msg,
	}
}

// failed classifies err at stage. Unclassified errors take fallback.
func failed(stage types.Stage, err error, fallback types.Reason) *types.RunOutcome {
	reason := types.ReasonOf(err)
	if reason == "" {
		reason = fallback
	}
	return &types.RunOutcome{
		Status:  types.OutcomeFailed,
		Stage:   stage,
		Reason:  reason,
		Message: err.Error(),
	}
}
