package types

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds for failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrConfiguration indicates missing or invalid configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication indicates a rejected or impossible login.
	ErrAuthentication = errors.New("authentication failure")

	// ErrResolution indicates the index or identifier could not be resolved.
	ErrResolution = errors.New("resolution failure")

	// ErrTransfer indicates a failed download or upload.
	ErrTransfer = errors.New("transfer failure")

	// ErrStateCorruption indicates local state that needs an operator.
	ErrStateCorruption = errors.New("state corruption")
)

// Reason is a stable snake_case failure code surfaced in outcomes and reports.
type Reason string

// Failure reasons.
const (
	ReasonConfigInvalid           Reason = "config_invalid"
	ReasonLocked                  Reason = "locked"
	ReasonAuthFailed              Reason = "auth_failed"
	ReasonAuthRejected            Reason = "auth_rejected"
	ReasonAuthInteractiveRequired Reason = "auth_interactive_required"
	ReasonIndexNavigationFailed   Reason = "index_navigation_failed"
	ReasonIdentifierUnresolvable  Reason = "identifier_unresolvable"
	ReasonDownloadElementNotFound Reason = "download_element_not_found"
	ReasonDownloadTimeout         Reason = "download_timeout"
	ReasonDownloadFailed          Reason = "download_failed"
	ReasonUploadFailed            Reason = "upload_failed"
	ReasonUploadUnconfirmed       Reason = "upload_unconfirmed"
	ReasonExecutorFailed          Reason = "executor_failed"
	ReasonStagingMultiple         Reason = "staging_multiple_artifacts"
	ReasonStagingFailed           Reason = "staging_failed"
	ReasonLedgerUnreadable        Reason = "ledger_unreadable"
	ReasonLedgerWriteFailed       Reason = "ledger_write_failed"
	ReasonSessionStoreFailed      Reason = "session_store_failed"
	ReasonCanceled                Reason = "canceled"
	ReasonAlreadyDelivered        Reason = "already_delivered"
)

// NeedsOperator reports whether a failure with this reason cannot be
// cleared by simply running again later.
func (r Reason) NeedsOperator() bool {
	switch r {
	case ReasonStagingMultiple, ReasonLedgerUnreadable, ReasonLedgerWriteFailed,
		ReasonAuthRejected, ReasonAuthInteractiveRequired, ReasonSessionStoreFailed:
		return true
	}
	return false
}

// Kind returns the sentinel a failure with this reason is classified under.
// Unknown reasons classify as transfer failures.
func (r Reason) Kind() error {
	switch r {
	case ReasonConfigInvalid:
		return ErrConfiguration
	case ReasonAuthFailed, ReasonAuthRejected, ReasonAuthInteractiveRequired:
		return ErrAuthentication
	case ReasonIndexNavigationFailed, ReasonIdentifierUnresolvable:
		return ErrResolution
	case ReasonLocked, ReasonStagingMultiple, ReasonStagingFailed, ReasonLedgerUnreadable,
		ReasonLedgerWriteFailed, ReasonSessionStoreFailed:
		return ErrStateCorruption
	}
	return ErrTransfer
}

// Error is a classified pipeline failure.
// It preserves the original error in the chain for inspection via errors.As.
type Error struct {
	// Kind is the sentinel for classification (e.g., ErrTransfer).
	Kind error
	// Reason is the stable failure code.
	Reason Reason
	// Op is the step that failed (e.g., "resolve", "upload").
	Op string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v): %v", e.Op, e.Reason, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Op, e.Reason, e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewError creates a classified error.
func NewError(kind error, reason Reason, op string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the failure reason from err.
// Unclassified errors report ReasonCanceled for context errors and "" otherwise.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCanceled
	}
	return ""
}
