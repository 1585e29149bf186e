// Package backoff retries failing operations with exponential backoff.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Operation is the unit of work to retry. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Policy bounds the retry loop. The wait before attempt n+1 is
// BackoffSeconds^n seconds, exponential in the base rather than a
// multiplier.
type Policy struct {
	MaxAttempts    int
	BackoffSeconds float64
}

// Interval returns the wait after the given failed attempt.
func (p Policy) Interval(attempt int) time.Duration {
	if p.BackoffSeconds <= 0 {
		return 0
	}
	return time.Duration(math.Pow(p.BackoffSeconds, float64(attempt)) * float64(time.Second))
}

// Retry invokes op until it succeeds, the policy is exhausted, or ctx is
// done. Cancellation is checked before each attempt and during the backoff
// wait, and cancellation errors are never retried. After MaxAttempts the
// final operation error propagates unchanged.
func Retry(ctx context.Context, op Operation, policy Policy) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= maxAttempts {
			return err
		}

		interval := policy.Interval(attempt)
		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
		}
	}
}
