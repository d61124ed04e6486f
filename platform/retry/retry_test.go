package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elephant-xyz/errorcore/platform/retry"
)

var errThrottled = errors.New("throughput exceeded")
var errPermanent = errors.New("validation error")

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	attempts := 0
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	err := retry.Do(context.Background(), policy, func(err error) bool {
		return errors.Is(err, errThrottled)
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errThrottled
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	policy := retry.DefaultPolicy()

	err := retry.Do(context.Background(), policy, func(err error) bool {
		return errors.Is(err, errThrottled)
	}, func(ctx context.Context) error {
		attempts++
		return errPermanent
	})

	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected errPermanent, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	attempts := 0
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	err := retry.Do(context.Background(), policy, func(err error) bool {
		return true
	}, func(ctx context.Context) error {
		attempts++
		return errThrottled
	})

	if err == nil {
		t.Fatal("expected error after exhausting the attempt budget")
	}
	if attempts != 3 {
		t.Errorf("expected 3 total attempts, got %d", attempts)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := retry.Do(ctx, policy, func(err error) bool { return true }, func(ctx context.Context) error {
		return errThrottled
	})

	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
