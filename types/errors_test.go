package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_IsKind(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrTransfer, ReasonUploadFailed, "upload", cause)

	if !errors.Is(err, ErrTransfer) {
		t.Error("expected errors.Is(err, ErrTransfer)")
	}
	if errors.Is(err, ErrAuthentication) {
		t.Error("did not expect errors.Is(err, ErrAuthentication)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected underlying cause in chain")
	}

	wrapped := fmt.Errorf("deliver: %w", err)
	if ReasonOf(wrapped) != ReasonUploadFailed {
		t.Errorf("ReasonOf(wrapped) = %q", ReasonOf(wrapped))
	}
}

func TestReasonOf_Unclassified(t *testing.T) {
	if got := ReasonOf(errors.New("boom")); got != "" {
		t.Errorf("ReasonOf(plain) = %q, want empty", got)
	}
	if got := ReasonOf(fmt.Errorf("wait: %w", context.Canceled)); got != ReasonCanceled {
		t.Errorf("ReasonOf(canceled) = %q, want %q", got, ReasonCanceled)
	}
}

func TestReason_NeedsOperator(t *testing.T) {
	tests := []struct {
		reason Reason
		want   bool
	}{
		{ReasonStagingMultiple, true},
		{ReasonLedgerWriteFailed, true},
		{ReasonAuthRejected, true},
		{ReasonAuthInteractiveRequired, true},
		{ReasonAuthFailed, false},
		{ReasonDownloadTimeout, false},
		{ReasonUploadUnconfirmed, false},
		{ReasonLocked, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.NeedsOperator(); got != tt.want {
				t.Errorf("NeedsOperator() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReason_Kind(t *testing.T) {
	tests := []struct {
		reason Reason
		want   error
	}{
		{ReasonConfigInvalid, ErrConfiguration},
		{ReasonAuthRejected, ErrAuthentication},
		{ReasonIdentifierUnresolvable, ErrResolution},
		{ReasonLedgerWriteFailed, ErrStateCorruption},
		{ReasonUploadUnconfirmed, ErrTransfer},
		{Reason("something_new"), ErrTransfer},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}
