/**
 * @description
 * This file defines the core domain models for the transfer engine: accounts
 * as resolved from ledger documents, transfer intents, the journal record that
 * tracks every transfer's lifecycle, and the result contract returned to
 * callers.
 *
 * @notes
 * - Amounts are `domain.Amount` (int64 minor units) throughout; the tagged
 *   wire encoding of the document store never appears at this layer.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is one ledger entry inside an owner document, as resolved by the
// account repository. Profile fields other than the ones below are opaque to
// the transfer engine and preserved verbatim on writes.
type Account struct {
	OwnerID       string `json:"owner_id"`
	AccountNumber string `json:"account_number"`
	Balance       Amount `json:"balance"`
}

// Transfer state machine values. A transfer reaches exactly one terminal
// state: completed, pending_relay (until consumed or expired), failed, or
// reversed.
const (
	TransferStateValidated     = "validated"
	TransferStateDebitApplied  = "debit_applied"
	TransferStateCreditApplied = "credit_applied"
	TransferStateCompleted     = "completed"
	TransferStatePendingRelay  = "pending_relay"
	TransferStateFailed        = "failed"
	TransferStateReversed      = "reversed"
)

// Transfer kinds.
const (
	TransferKindInternal = "internal" // both accounts owned by this institution
	TransferKindRelay    = "relay"    // cross-institution via the relay store
)

// Transfer is the journal record for one money movement. It maps directly to
// the `transfers` table.
type Transfer struct {
	ID                       uuid.UUID `json:"id"`
	IdempotencyKey           string    `json:"idempotency_key"`
	Kind                     string    `json:"kind"`
	State                    string    `json:"state"`
	SourceOwnerID            string    `json:"source_owner_id"`
	SourceAccountNumber      string    `json:"source_account_number"`
	DestinationOwnerID       string    `json:"destination_owner_id,omitempty"`
	DestinationAccountNumber string    `json:"destination_account_number"`
	RoutingCode              string    `json:"routing_code,omitempty"`
	Amount                   Amount    `json:"amount"`
	RelayTicketID            *string   `json:"relay_ticket_id,omitempty"`
	FailureReason            *string   `json:"failure_reason,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// TransferIntent is a pending cross-institution credit, persisted into the
// relay store under its routing code. An intent present in the relay record
// has not yet been reflected in the destination balance; once applied it is
// removed before being acknowledged.
type TransferIntent struct {
	RelayTicketID       string    `json:"relay_ticket_id"`
	SourceOwnerID       string    `json:"source_owner_id"`
	SourceAccountNumber string    `json:"source_account_number"`
	DestinationAccount  string    `json:"destination_account_number"`
	RoutingCode         string    `json:"routing_code"`
	Amount              Amount    `json:"amount"`
	IdempotencyKey      string    `json:"idempotency_key"`
	CreatedAt           time.Time `json:"created_at"`
}

// TransferRequest is the caller-facing request for a funds transfer. Nonce is
// the client-supplied component of the idempotency key: resubmitting the same
// request with the same nonce is one logical transfer.
type TransferRequest struct {
	SourceOwnerID            string `json:"source_owner_id"`
	SourceAccountNumber      string `json:"source_account_number"`
	DestinationOwnerID       string `json:"destination_owner_id"`
	DestinationAccountNumber string `json:"destination_account_number"`
	RoutingCode              string `json:"routing_code,omitempty"`
	Amount                   int64  `json:"amount"`
	Nonce                    string `json:"nonce"`
	Description              string `json:"description,omitempty"`
}

// Transfer result outcomes.
const (
	OutcomeCompleted         = "completed"
	OutcomePending           = "pending"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeAccountNotFound   = "account_not_found"
	OutcomeValidationFailed  = "validation_failed"
	OutcomeFailed            = "failed"
	OutcomeReversed          = "reversed"
)

// TransferResult is the terminal answer for one transfer request. Which
// identifies the missing side for account_not_found outcomes ("source" or
// "destination").
type TransferResult struct {
	TransferID       uuid.UUID `json:"transfer_id"`
	Outcome          string    `json:"outcome"`
	NewSourceBalance *Amount   `json:"new_source_balance,omitempty"`
	RelayTicketID    string    `json:"relay_ticket_id,omitempty"`
	Which            string    `json:"which,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// PendingRelayEntry is one row of the operator reconciliation report.
type PendingRelayEntry struct {
	TransferID          uuid.UUID `json:"transfer_id"`
	RelayTicketID       string    `json:"relay_ticket_id"`
	RoutingCode         string    `json:"routing_code"`
	DestinationAccount  string    `json:"destination_account_number"`
	Amount              Amount    `json:"amount"`
	PendingSince        time.Time `json:"pending_since"`
	AgeSeconds          int64     `json:"age_seconds"`
	EligibleForReversal bool      `json:"eligible_for_reversal"`
}

// RelaySweepResult summarizes one expiry sweep over pending relay transfers.
type RelaySweepResult struct {
	Examined      int `json:"examined"`
	Reversed      int `json:"reversed"`
	StillPending  int `json:"still_pending"`
	AlreadyMoved  int `json:"already_moved"`
	SweepFailures int `json:"sweep_failures"`
}
