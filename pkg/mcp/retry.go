package mcp

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how provider connects are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(error) bool
	Sleep       func(context.Context, time.Duration) error
}

// RetryPolicyFor maps a provider's reconnect settings onto a RetryPolicy.
// A disabled reconnect still makes one attempt.
func RetryPolicyFor(r ReconnectPolicy) RetryPolicy {
	attempts := 1
	if r.Enabled {
		attempts += r.MaxAttempts
	}
	delay := r.Delay
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return delay },
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = func(attempt int) time.Duration {
			if attempt <= 1 {
				return 0
			}
			return time.Duration(1<<(attempt-2)) * 50 * time.Millisecond
		}
	}
	if p.Retryable == nil {
		p.Retryable = defaultRetryable
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Do runs fn until it succeeds, the error is not retryable, attempts run out
// or ctx ends. The attempt number passed to fn starts at 1.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p = p.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.Retryable(err) || attempt == p.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.Backoff(attempt+1)); err != nil {
			return err
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return lastErr
}

// defaultRetryable retries everything except caller cancellation; provider
// failures are usually refused connections or half-started child processes.
func defaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
