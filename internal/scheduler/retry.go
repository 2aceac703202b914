package scheduler

import (
	"context"
	"fmt"
	"time"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given retry (0 is the first retry)
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry time using exponential backoff.
// A non-positive MaxDelay leaves the delay uncapped.
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// RetryPolicy bounds a blocking call: every attempt gets its own timeout and the call
// is attempted at most MaxAttempts times.
type RetryPolicy struct {
	Strategy    RetryStrategy
	MaxAttempts int
	Timeout     time.Duration
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt budget is
// spent. retryable may be nil, in which case every error is retried. It returns the
// number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt-1)); err != nil {
				return attempt, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, lastErr)
			}
		}

		lastErr = p.call(ctx, fn)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if retryable != nil && !retryable(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return maxAttempts, lastErr
}

func (p RetryPolicy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(callCtx)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.NextRetry(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
