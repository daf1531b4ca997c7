package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ledgerbridge/transfer-service/internal/store"
	"github.com/ledgerbridge/transfer-service/pkg/docstore"
)

func TestWithRetryStopsOnTerminalError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("debit: %w", store.ErrInsufficientFunds)
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
	if calls != 1 {
		t.Errorf("terminal error retried %d times", calls)
	}
}

func TestWithRetryRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &docstore.TransientError{Op: "patch", Path: "x", Err: fmt.Errorf("status 503")}
		}
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil after recovery", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryExhaustsPolicy(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return &docstore.TransientError{Op: "patch", Path: "x", Err: fmt.Errorf("status 503")}
	})
	if !docstore.IsTransient(err) {
		t.Errorf("err = %v, want the last transient error", err)
	}
	if calls != fastPolicy.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, fastPolicy.MaxAttempts)
	}
}

func TestWithRetryTreatsAlreadyAppliedAsFinal(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return store.ErrAlreadyApplied
	})
	if !errors.Is(err, store.ErrAlreadyApplied) {
		t.Errorf("err = %v, want ErrAlreadyApplied", err)
	}
	if calls != 1 {
		t.Errorf("already-applied retried %d times", calls)
	}
}

func TestWithRetryRetriesConcurrentModificationWithoutBackoff(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return fmt.Errorf("owner changed: %w", store.ErrConcurrentModification)
		}
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil after re-read", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, fastPolicy, func(ctx context.Context) error {
		return &docstore.TransientError{Op: "get", Path: "x", Err: fmt.Errorf("status 503")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
