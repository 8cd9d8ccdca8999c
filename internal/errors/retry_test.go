package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"plume/internal/logging"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryWithLog(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewTransient(errors.New("flaky"))
		}
		return nil
	}, logging.Nop())
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := RetryWithLog(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return NewPermanent(errors.New("no"))
	}, logging.Nop())
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := RetryWithLog(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return NewTransient(errors.New("still flaky"))
	}, logging.Nop())
	if err == nil {
		t.Fatalf("expected error after exhaustion")
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4 (initial + 3 retries)", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryWithLog(ctx, fastRetryConfig(), func(ctx context.Context) error {
		return NewTransient(errors.New("flaky"))
	}, logging.Nop())
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, NewTransient(errors.New("flaky"))
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("RetryWithResult: %v", err)
	}
	if got != 7 {
		t.Fatalf("got = %d, want 7", got)
	}
}

func TestCalculateBackoff_Clamped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	if d := calculateBackoff(10, cfg); d > 300*time.Millisecond {
		t.Fatalf("backoff %v exceeds max", d)
	}
}
