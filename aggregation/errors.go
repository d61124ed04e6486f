package aggregation

import "errors"

// ErrConditionalCheckFailed names a conditional write whose precondition
// did not hold. Neither store returns it: a failed decrement precondition
// is reported as a result with Found false, and a missing row as
// ErrNotFound.
var ErrConditionalCheckFailed = errors.New("conditional check failed")

// ErrThrottled names a throttled store call. Neither store returns it:
// DynamoStore's isRetryableDynamoError classifies the SDK's own error
// types for platform/retry directly.
var ErrThrottled = errors.New("store throttled")

// ErrEntityTypeMismatch is returned when a row's entityType discriminator
// disagrees with what the caller queried for — a tagged-variant read
// never silently coerces (§9).
var ErrEntityTypeMismatch = errors.New("entity type mismatch")

// ErrNotFound is returned by point lookups when no row exists at the
// given key.
var ErrNotFound = errors.New("not found")
