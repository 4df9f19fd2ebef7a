// ABOUTME: Shared clear-then-retry policy for resolve operations.
// ABOUTME: One retry after a cache purge; never loops, never masks a bad passphrase.
package vault

import (
	"context"
	"errors"
)

// RetryPolicy controls the resolver's staleness-absorption behavior.
// A downstream decrypt failure purges the account's cached key
// material and retries exactly once with a fresh derivation. The
// second failure surfaces.
type RetryPolicy struct {
	MaxAttempts int                // total attempts including the first (default: 2)
	OnRetry     func(reason error) // invoked before each retry, e.g. to purge caches
}

// DefaultRetryPolicy returns the canonical purge-and-retry-once policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2}
}

// Retryable reports whether the error may be absorbed by a fresh
// derivation. Only decrypt failures qualify: a stale cached key and a
// wrong passphrase are indistinguishable until re-derived. Validation
// errors, quota errors and timeouts are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrOperationTimeout) || errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrDecryptionFailed)
}

// WithRetry executes fn under the policy. Returns the result of the
// first success, or the last error once attempts are exhausted.
func WithRetry[T any](ctx context.Context, p RetryPolicy, fn func(attempt int) (T, error)) (T, int, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 2
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 && p.OnRetry != nil {
			p.OnRetry(lastErr)
		}
		result, err := fn(attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if !Retryable(err) {
			return zero, attempt, err
		}
		if err := ctx.Err(); err != nil {
			return zero, attempt, ErrOperationTimeout
		}
	}
	return zero, p.MaxAttempts, lastErr
}
