// Package retry is a higher-order wrapper over sethvargo/go-retry: it
// takes an operation, an isRetryable predicate, and a Policy, and retries
// the operation with exponential backoff and full jitter until it
// succeeds, a non-retryable error surfaces, or the attempt budget is
// exhausted. Implemented once here and used uniformly by every
// aggregation write path that may trip contention.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds a retry loop: up to MaxAttempts tries, starting at
// BaseDelay and capped at MaxDelay, with full jitter applied at each
// step.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy implements the store write policy from spec: up to 10
// attempts, base 25ms, cap 3s, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    3 * time.Second,
	}
}

// IsRetryable classifies an error as eligible for another attempt.
type IsRetryable func(err error) bool

// Do retries op until it returns a nil error, a non-retryable error (per
// isRetryable), or the policy's attempt budget is exhausted. The last
// error is returned unwrapped from go-retry's RetryableError marker so
// callers can inspect it with errors.Is/errors.As directly.
func Do(ctx context.Context, policy Policy, isRetryable IsRetryable, op func(ctx context.Context) error) error {
	backoff, err := retry.NewExponential(policy.BaseDelay)
	if err != nil {
		return err
	}
	// Policy.MaxAttempts counts the initial try; go-retry counts retries
	// after it, so the budget passed down is one less.
	var retries uint64
	if policy.MaxAttempts > 1 {
		retries = policy.MaxAttempts - 1
	}
	backoff = retry.WithMaxRetries(retries, backoff)
	backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(100, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
