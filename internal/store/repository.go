/**
 * @description
 * This file defines the data-access contracts for the transfer engine and the
 * sentinel errors shared across implementations. Interfaces keep the
 * coordinator decoupled from the document store and Postgres implementations,
 * and make the orchestration logic testable with stubs.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: Transfer identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerbridge/transfer-service/internal/domain"
)

var (
	// ErrAccountNotFound covers both a missing owner document and an owner
	// document with no matching account entry.
	ErrAccountNotFound = errors.New("account not found")
	// ErrOwnerMismatch means the owner document at the requested path stores a
	// different owner identifier than the caller asserted.
	ErrOwnerMismatch     = errors.New("owner identifier mismatch")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConcurrentModification means a read-modify-write race was detected:
	// the document changed between the read and the conditional patch. The
	// caller retries by re-reading and reapplying the delta.
	ErrConcurrentModification = errors.New("concurrent modification detected")
	// ErrAlreadyApplied means the mutation's idempotency key is already
	// recorded against the target account; the balance change has happened.
	ErrAlreadyApplied   = errors.New("mutation already applied")
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrDuplicateTransfer means a journal row already exists for the
	// idempotency key; the caller replays the recorded transfer instead.
	ErrDuplicateTransfer = errors.New("transfer already journaled for idempotency key")
	ErrIntentNotFound    = errors.New("relay intent not found")
)

// Accounts resolves and mutates account entries inside owner documents. An
// implementation exclusively owns the balance mutation path for its
// institution's ledger.
type Accounts interface {
	// FetchAccount reads the owner document and scans its details collection
	// for accountNumber.
	FetchAccount(ctx context.Context, ownerID, accountNumber string) (*domain.Account, error)
	// ApplyDelta re-reads the owner document, adjusts the target entry's
	// balance by delta, and persists a field-scoped patch that preserves all
	// sibling entries and fields verbatim. A non-empty idempotencyKey is
	// recorded against the entry; if the key is already recorded, the call
	// returns the current balance and ErrAlreadyApplied without mutating.
	ApplyDelta(ctx context.Context, ownerID, accountNumber string, delta domain.Amount, idempotencyKey string) (domain.Amount, error)
	// HasApplied reports whether idempotencyKey is recorded against the
	// account entry.
	HasApplied(ctx context.Context, ownerID, accountNumber, idempotencyKey string) (bool, error)
}

// Relay is the shared rendezvous store for cross-institution transfer
// intents. The sender side only appends; the receiver side only consumes and
// removes. Both operations are safe to re-execute after a crash.
type Relay interface {
	// AppendIntent persists intent under its routing code, keyed by the
	// destination account number. Re-appending the same idempotency key is a
	// no-op.
	AppendIntent(ctx context.Context, intent domain.TransferIntent) error
	// ListIntents returns every pending intent in the relay record, across all
	// destination accounts.
	ListIntents(ctx context.Context, routingCode string) ([]domain.TransferIntent, error)
	// RemoveIntent deletes the intent with the given idempotency key from the
	// destination account's pending sequence. Removing an absent intent
	// returns ErrIntentNotFound.
	RemoveIntent(ctx context.Context, routingCode, destinationAccount, idempotencyKey string) error
}

// Directory maps account numbers to the owner documents that hold them, for
// accounts owned by this institution.
type Directory interface {
	FindOwnerByAccountNumber(ctx context.Context, accountNumber string) (string, error)
}

// Journal records every transfer's lifecycle. It backs idempotent result
// replay, the relay expiry sweep, transfer history, and the reconciliation
// report.
type Journal interface {
	CreateTransfer(ctx context.Context, t *domain.Transfer) error
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error)
	UpdateTransferState(ctx context.Context, id uuid.UUID, state string, failureReason *string) error
	SetRelayTicket(ctx context.Context, id uuid.UUID, relayTicketID string) error
	ListTransfersBySourceOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Transfer, error)
	// ListPendingRelayTransfers returns relay transfers still pending whose
	// debit was applied before cutoff.
	ListPendingRelayTransfers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error)
	// CompleteRelayTransferByTicket marks the journal row for a consumed relay
	// intent completed. Returns ErrTransferNotFound when the ticket was issued
	// by another institution's journal.
	CompleteRelayTransferByTicket(ctx context.Context, relayTicketID string) error
}
