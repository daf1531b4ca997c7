/**
 * @description
 * Error classification and the bounded-retry helper used for every store
 * mutation. Terminal outcomes (validation, not-found, insufficient funds,
 * owner mismatch) are never retried. Transient store failures retry with
 * exponential backoff up to a bound. A concurrent-modification error retries
 * immediately: the repository re-reads the document on the next attempt, so
 * re-invoking the operation is exactly the "re-read and reapply" strategy.
 *
 * @notes
 * - A timeout is an unknown outcome. Mutations stay safe under blind retry
 *   because each carries an idempotency key the repository checks against the
 *   document before applying; a landed mutation surfaces as ErrAlreadyApplied
 *   on the retry, which callers treat as success.
 */

package app

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerbridge/transfer-service/internal/store"
	"github.com/ledgerbridge/transfer-service/pkg/docstore"
)

// RetryPolicy bounds automatic retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy keeps a single interactive transfer request bounded
// to a few seconds of store retries.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseBackoff: 100 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff << uint(attempt)
	if d > p.MaxBackoff || d <= 0 {
		return p.MaxBackoff
	}
	return d
}

// isTerminal reports whether err must surface immediately without retry.
func isTerminal(err error) bool {
	if errors.Is(err, store.ErrAccountNotFound) ||
		errors.Is(err, store.ErrOwnerMismatch) ||
		errors.Is(err, store.ErrInsufficientFunds) {
		return true
	}
	var statusErr *docstore.StatusError
	return errors.As(err, &statusErr)
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	if errors.Is(err, store.ErrConcurrentModification) {
		return true
	}
	if docstore.IsTransient(err) {
		return true
	}
	return false
}

// withRetry runs op until it succeeds, fails terminally, or the policy is
// exhausted. ErrAlreadyApplied is success: the mutation landed on an earlier
// attempt whose acknowledgment was lost.
func withRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil || errors.Is(lastErr, store.ErrAlreadyApplied) {
			return lastErr
		}
		if isTerminal(lastErr) || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		// Immediate re-read beats backing off when we lost a race; only
		// transient store failures wait.
		if errors.Is(lastErr, store.ErrConcurrentModification) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.backoff(attempt)):
		}
	}
	return lastErr
}
