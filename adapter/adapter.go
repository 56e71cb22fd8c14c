// Package adapter publishes run-completed notifications to downstream
// systems. Publishing is best effort: a failed notification is logged by
// the caller and never changes a run's outcome.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventTypeRunCompleted is the only event type published.
const EventTypeRunCompleted = "run_completed"

// RunCompletedEvent is the payload published when a run finishes.
type RunCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	RunID           string `json:"run_id"`
	Status          string `json:"status"` // delivered, skipped, failed
	Stage           string `json:"stage,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	NeedsOperator   bool   `json:"needs_operator"`
	Resumed         bool   `json:"resumed"`
	ArtifactID      string `json:"artifact_id,omitempty"`
	ArtifactName    string `json:"artifact_name,omitempty"`
	ArchivePath     string `json:"archive_path,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC 3339
	DurationMs      int64  `json:"duration_ms"`
}

// Adapter publishes run completion events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation.
	Publish(ctx context.Context, event *RunCompletedEvent) error
	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry; it doubles per attempt.
var BaseBackoff = 500 * time.Millisecond

// permanentError stops Retry early.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to 1+retries times with exponential backoff between
// attempts. It stops early on success, on a Permanent error, or when ctx
// is done.
func Retry(ctx context.Context, name string, retries int, fn func(ctx context.Context) error) error {
	attempts := 1 + max(retries, 0)
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("%s: non-retriable error: %w", name, perm.err)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
