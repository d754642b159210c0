// Package timeout bounds tier calls with adaptive deadlines and
// exponential-backoff retries.
//
// Every hot-store read, cold-store read/write, and archive encode/decode in
// the query path runs under these wrappers, so a stuck collaborator delays
// a caller by at most the adaptive bound.
package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
)

// Error reports a bounded operation that exceeded its deadline.
type Error struct {
	Label string
	Bound time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s exceeded %s bound", e.Label, e.Bound)
}

// Unwrap makes the error match errors.ErrTimeout.
func (e *Error) Unwrap() error {
	return errors.ErrTimeout
}

// Op is a bounded operation returning a value.
type Op[T any] func(ctx context.Context) (T, error)

// WithTimeout races op against a timer. On timeout the caller gets an
// error naming the label and the bound; the underlying operation is
// abandoned to finish (or fail) on its own rather than blocking anyone.
func WithTimeout[T any](ctx context.Context, label string, bound time.Duration, op Op[T]) (T, error) {
	type result struct {
		value T
		err   error
	}

	// Buffered so the abandoned goroutine can always deliver and exit.
	done := make(chan result, 1)

	go func() {
		value, err := op(ctx)
		done <- result{value: value, err: err}
	}()

	timer := time.NewTimer(bound)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		logging.Component("timeout").Warn("operation abandoned",
			"label", label, "bound", bound)
		return zero, &Error{Label: label, Bound: bound}
	}
}

// Adaptive computes a workload-aware deadline:
// min(maxTimeout, base + expectedRows * perRowCost).
func Adaptive(cfg config.RetryConfig, expectedRows int64) time.Duration {
	if expectedRows < 0 {
		expectedRows = 0
	}

	bound := cfg.BaseTimeout + time.Duration(expectedRows)*cfg.PerRowCost
	if bound > cfg.MaxTimeout {
		bound = cfg.MaxTimeout
	}
	return bound
}

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// MaxAttempts is the total attempt budget (first try included).
	MaxAttempts int

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Backoff enables exponential delay between attempts.
	Backoff bool

	// BackoffBase is the delay before the second attempt.
	BackoffBase time.Duration

	// BackoffCap caps the delay growth.
	BackoffCap time.Duration
}

// BackoffDelay returns the delay before attempt k (1-based first retry):
// min(cap, base * 2^(k-1)). Delays are non-decreasing in k.
func (o RetryOptions) BackoffDelay(k int) time.Duration {
	if !o.Backoff || k < 1 {
		return 0
	}

	delay := o.BackoffBase
	for i := 1; i < k; i++ {
		delay *= 2
		if delay >= o.BackoffCap {
			return o.BackoffCap
		}
	}
	if delay > o.BackoffCap {
		delay = o.BackoffCap
	}
	return delay
}

// WithRetry retries op up to MaxAttempts, each attempt bounded by Timeout.
// User errors are never retried. On final failure the last underlying
// error is returned unmodified so callers can classify it.
func WithRetry[T any](ctx context.Context, label string, opts RetryOptions, op Op[T]) (T, error) {
	var zero T
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := opts.BackoffDelay(attempt - 1)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return zero, ctx.Err()
				case <-time.After(delay):
				}
			}
		}

		value, err := WithTimeout(ctx, label, opts.Timeout, op)
		if err == nil {
			return value, nil
		}

		lastErr = err

		if errors.IsUserError(err) {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if attempt < opts.MaxAttempts {
			logging.Component("timeout").Debug("attempt failed, retrying",
				"label", label, "attempt", attempt, "error", err)
		}
	}

	return zero, lastErr
}
