package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryPolicy{MaxAttempts: 3}.Do(ctx, func(int) error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no attempts, got %d", calls)
	}
}

func TestRetryPolicyContextDuringRetry(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return 10 * time.Millisecond },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := policy.Do(ctx, func(int) error {
		attempts++
		return errors.New("retryable error")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if attempts > 4 {
		t.Fatalf("expected early abort, got %d attempts", attempts)
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	err := RetryPolicy{
		MaxAttempts: 4,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}.Do(context.Background(), func(int) error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) || attempts != 1 {
		t.Fatalf("expected one fatal attempt, got %d (%v)", attempts, err)
	}
}

func TestRetryPolicyForReconnect(t *testing.T) {
	p := RetryPolicyFor(ReconnectPolicy{Enabled: true, MaxAttempts: 2, Delay: time.Second})
	if p.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.MaxAttempts)
	}
	if p.Backoff(2) != time.Second {
		t.Fatalf("expected fixed delay, got %v", p.Backoff(2))
	}
	if got := RetryPolicyFor(ReconnectPolicy{MaxAttempts: 9}).MaxAttempts; got != 1 {
		t.Fatalf("disabled reconnect should try once, got %d", got)
	}
}

func TestDefaultRetryable(t *testing.T) {
	if defaultRetryable(nil) {
		t.Fatal("nil is not retryable")
	}
	if defaultRetryable(context.Canceled) {
		t.Fatal("cancellation is not retryable")
	}
	if !defaultRetryable(errors.New("connection refused")) {
		t.Fatal("connection errors are retryable")
	}
}
