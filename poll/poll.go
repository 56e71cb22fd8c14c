// Package poll implements bounded waiting: a condition is checked with
// exponential backoff until it holds, the deadline passes or the context
// is canceled. No wait in the pipeline is unbounded.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the condition did not hold before the deadline.
var ErrTimeout = errors.New("timed out")

// Backoff shapes the interval between checks.
type Backoff struct {
	// Initial is the first interval (default 250ms).
	Initial time.Duration
	// Max caps the interval (default 5s).
	Max time.Duration
	// Factor multiplies the interval after each check (default 2).
	Factor float64
}

// DefaultBackoff is used when a zero Backoff is passed.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

func (b Backoff) normalize() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoff.Factor
	}
	return b
}

// Condition reports whether the awaited state holds. A non-nil error
// aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

// Until checks cond until it returns true, with the backoff schedule,
// for at most timeout. The condition is always checked at least once.
// The returned error wraps ErrTimeout, the context error, or the
// condition's own error.
func Until(ctx context.Context, timeout time.Duration, b Backoff, cond Condition) error {
	if timeout <= 0 {
		return fmt.Errorf("poll: timeout must be positive, got %s", timeout)
	}
	b = b.normalize()

	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	interval := b.Initial
	for {
		ok, err := cond(waitCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("poll: after %s: %w: %w", timeout, ErrTimeout, err)
			}
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("poll: after %s: %w", timeout, ErrTimeout)
		}
		sleep := min(interval, remaining)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("poll: %w", ctx.Err())
		case <-timer.C:
		}

		interval = min(time.Duration(float64(interval)*b.Factor), b.Max)
	}
}

// Wait blocks until ch yields a value, the timeout elapses or ctx is done.
func Wait[T any](ctx context.Context, timeout time.Duration, ch <-chan T) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-ch:
		if !ok {
			return zero, errors.New("poll: channel closed")
		}
		return v, nil
	case <-timer.C:
		return zero, fmt.Errorf("poll: after %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return zero, fmt.Errorf("poll: %w", ctx.Err())
	}
}
