package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/types"
)

// ResultError converts an unsuccessful result frame into a classified
// error. The executor's reason is kept when it is non-empty; fallback is
// used otherwise.
func ResultError(op string, frame *ipc.ResultFrame, fallback types.Reason) error {
	reason := fallback
	if frame.Reason != "" {
		reason = types.Reason(frame.Reason)
	}
	msg := frame.Message
	if msg == "" {
		msg = "executor reported failure"
	}
	return types.NewError(reason.Kind(), reason, op, errors.New(msg))
}

// StreamError classifies a failure to read the next frame. Timeouts map
// to timeoutReason; a closed stream or broken framing is an executor failure.
func StreamError(op string, err error, timeoutReason types.Reason) error {
	switch {
	case types.ReasonOf(err) == types.ReasonCanceled:
		return err
	case isTimeout(err):
		return types.NewError(timeoutReason.Kind(), timeoutReason, op, err)
	default:
		return types.NewError(types.ErrTransfer, types.ReasonExecutorFailed, op, err)
	}
}

// Describe summarizes an exit result for logs.
func (r *Result) Describe() string {
	if r == nil {
		return "no result"
	}
	tail := strings.TrimSpace(string(r.StderrBytes))
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	if tail == "" {
		return fmt.Sprintf("exit code %d", r.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", r.ExitCode, tail)
}
