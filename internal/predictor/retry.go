package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how transient backend failures are retried. Permanent
// errors (ErrBadRequest, ErrInvalidResponse) are never retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the engine's configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Do runs fn, retrying transient failures with exponential backoff and full
// jitter. It stops on success, on a permanent error, when retries are
// exhausted, or when ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt)
			slog.Debug("retrying prediction call",
				"attempt", attempt,
				"max_retries", p.MaxRetries,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrBackendTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("after %d retries: %w", p.MaxRetries, lastErr)
}

// delay computes the backoff for the given attempt: base*2^(attempt-1),
// capped at MaxDelay, with full jitter so concurrent workers do not retry in
// lockstep.
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	d := base << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}
