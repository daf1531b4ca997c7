/**
 * @description
 * This file contains the core business logic for the transfer engine. The
 * `Coordinator` drives a transfer through its state machine — validate,
 * debit, credit (or relay hand-off), complete — deciding retry vs. abort vs.
 * compensate at every step. Debit is applied first, always: a failure before
 * the debit leaves no trace, and a failure after it triggers the bounded
 * credit retries and, if those exhaust, reversal of the debit.
 *
 * Key features:
 * - Idempotent end to end: a resubmitted transfer replays its journaled
 *   terminal result, and each mutation carries a step-scoped idempotency key
 *   the account repository checks before applying.
 * - Cross-institution transfers hand off through the shared relay store and
 *   return a Pending result with a relay ticket.
 * - A failed reversal is never swallowed: it is logged CRITICAL, counted,
 *   and published as an operator alert.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Transfer and ticket identifiers.
 * - internal/domain, internal/store, internal/telemetry: Domain models, data access, metrics.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/internal/store"
	"github.com/ledgerbridge/transfer-service/internal/telemetry"
	"github.com/ledgerbridge/transfer-service/pkg/rabbitmq"
)

// Coordinator orchestrates funds transfers between ledger documents.
type Coordinator struct {
	accounts    store.Accounts
	relay       store.Relay
	journal     store.Journal
	markers     Markers
	producer    rabbitmq.Publisher
	policy      RetryPolicy
	routingCode string
	maxAmount   domain.Amount
}

// NewCoordinator creates a transfer coordinator for the institution
// identified by routingCode. maxAmount bounds a single transfer; zero means
// no upper bound beyond int64.
func NewCoordinator(
	accounts store.Accounts,
	relay store.Relay,
	journal store.Journal,
	markers Markers,
	producer rabbitmq.Publisher,
	routingCode string,
	maxAmount domain.Amount,
	policy RetryPolicy,
) *Coordinator {
	if markers == nil {
		markers = NoopMarkers{}
	}
	if producer == nil {
		producer = rabbitmq.FallbackProducer{}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &Coordinator{
		accounts:    accounts,
		relay:       relay,
		journal:     journal,
		markers:     markers,
		producer:    producer,
		policy:      policy,
		routingCode: routingCode,
		maxAmount:   maxAmount,
	}
}

func validationResult(reason string) *domain.TransferResult {
	return &domain.TransferResult{Outcome: domain.OutcomeValidationFailed, Reason: reason}
}

func (c *Coordinator) validateRequest(req *domain.TransferRequest) *domain.TransferResult {
	req.SourceOwnerID = strings.TrimSpace(req.SourceOwnerID)
	req.SourceAccountNumber = strings.TrimSpace(req.SourceAccountNumber)
	req.DestinationOwnerID = strings.TrimSpace(req.DestinationOwnerID)
	req.DestinationAccountNumber = strings.TrimSpace(req.DestinationAccountNumber)
	req.RoutingCode = strings.TrimSpace(req.RoutingCode)
	req.Nonce = strings.TrimSpace(req.Nonce)

	switch {
	case req.SourceOwnerID == "" || req.SourceAccountNumber == "":
		return validationResult("source owner and account number are required")
	case req.DestinationAccountNumber == "":
		return validationResult("destination account number is required")
	case req.Nonce == "":
		return validationResult("client nonce is required")
	case req.Amount <= 0:
		return validationResult("amount must be positive")
	case c.maxAmount > 0 && domain.Amount(req.Amount) > c.maxAmount:
		return validationResult(fmt.Sprintf("amount exceeds the per-transfer limit of %d", c.maxAmount.Int64()))
	case req.SourceOwnerID == req.DestinationOwnerID && req.SourceAccountNumber == req.DestinationAccountNumber:
		return validationResult("source and destination are the same account")
	}

	if !c.isCrossInstitution(req) && req.DestinationOwnerID == "" {
		return validationResult("destination owner is required for same-institution transfers")
	}
	return nil
}

func (c *Coordinator) isCrossInstitution(req *domain.TransferRequest) bool {
	return req.RoutingCode != "" && req.RoutingCode != c.routingCode
}

// resultFromTransfer reconstructs the caller-facing result for a journaled
// transfer, used when a duplicate submission replays instead of re-executing.
func resultFromTransfer(t *domain.Transfer) *domain.TransferResult {
	result := &domain.TransferResult{TransferID: t.ID}
	if t.FailureReason != nil {
		result.Reason = *t.FailureReason
	}
	switch t.State {
	case domain.TransferStateCompleted:
		result.Outcome = domain.OutcomeCompleted
	case domain.TransferStatePendingRelay:
		result.Outcome = domain.OutcomePending
		if t.RelayTicketID != nil {
			result.RelayTicketID = *t.RelayTicketID
		}
	case domain.TransferStateReversed:
		result.Outcome = domain.OutcomeReversed
	case domain.TransferStateFailed:
		result.Outcome = domain.OutcomeFailed
	default:
		// Still in flight from an earlier submission; the caller polls the
		// transfer rather than racing a second execution.
		result.Outcome = domain.OutcomePending
		result.Reason = "transfer already in progress"
	}
	return result
}

func (c *Coordinator) finish(result *domain.TransferResult) *domain.TransferResult {
	telemetry.TransfersTotal.WithLabelValues(result.Outcome).Inc()
	return result
}

// RequestTransfer validates, journals, and executes one transfer request,
// returning its terminal (or pending) result. Infrastructure failures that
// prevent even journaling return an error; every money-related outcome is a
// TransferResult.
func (c *Coordinator) RequestTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	if result := c.validateRequest(&req); result != nil {
		return c.finish(result), nil
	}

	key, err := DeriveIdempotencyKey(
		req.SourceOwnerID, req.SourceAccountNumber,
		req.DestinationOwnerID, req.DestinationAccountNumber,
		req.RoutingCode, req.Amount, req.Nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to derive idempotency key: %w", err)
	}

	// Replay a previously journaled submission of the same logical transfer.
	if existing, err := c.journal.FindTransferByIdempotencyKey(ctx, key); err == nil {
		log.Printf("level=info component=coordinator msg=\"replaying journaled transfer\" transfer_id=%s state=%s", existing.ID, existing.State)
		return c.finish(resultFromTransfer(existing)), nil
	} else if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	cross := c.isCrossInstitution(&req)
	amount := domain.Amount(req.Amount)

	// Resolve the source account; no mutation happens on any failure here.
	source, err := c.fetchWithRetry(ctx, req.SourceOwnerID, req.SourceAccountNumber)
	if err != nil {
		if result := notFoundResult(err, "source"); result != nil {
			return c.finish(result), nil
		}
		return nil, fmt.Errorf("failed to resolve source account: %w", err)
	}
	if source.Balance < amount {
		return c.finish(&domain.TransferResult{
			Outcome: domain.OutcomeInsufficientFunds,
			Reason:  fmt.Sprintf("balance %d is less than amount %d", source.Balance.Int64(), amount.Int64()),
		}), nil
	}

	// Same-institution transfers resolve the destination before any money
	// moves; the relay path cannot, the destination ledger is unreachable.
	if !cross {
		if _, err := c.fetchWithRetry(ctx, req.DestinationOwnerID, req.DestinationAccountNumber); err != nil {
			if result := notFoundResult(err, "destination"); result != nil {
				return c.finish(result), nil
			}
			return nil, fmt.Errorf("failed to resolve destination account: %w", err)
		}
	}

	kind := domain.TransferKindInternal
	if cross {
		kind = domain.TransferKindRelay
	}
	transfer := &domain.Transfer{
		ID:                       uuid.New(),
		IdempotencyKey:           key,
		Kind:                     kind,
		State:                    domain.TransferStateValidated,
		SourceOwnerID:            req.SourceOwnerID,
		SourceAccountNumber:      req.SourceAccountNumber,
		DestinationOwnerID:       req.DestinationOwnerID,
		DestinationAccountNumber: req.DestinationAccountNumber,
		RoutingCode:              req.RoutingCode,
		Amount:                   amount,
		CreatedAt:                time.Now().UTC(),
	}
	if err := c.journal.CreateTransfer(ctx, transfer); err != nil {
		if errors.Is(err, store.ErrDuplicateTransfer) {
			// Lost the journal race to a concurrent identical submission.
			existing, lookupErr := c.journal.FindTransferByIdempotencyKey(ctx, key)
			if lookupErr != nil {
				return nil, fmt.Errorf("duplicate transfer lookup failed: %w", lookupErr)
			}
			return c.finish(resultFromTransfer(existing)), nil
		}
		return nil, fmt.Errorf("failed to journal transfer: %w", err)
	}

	// Apply the debit. From the moment it is acknowledged the transfer must
	// reach a terminal state even if the caller goes away, so the remaining
	// steps run on an uncancellable context.
	newSourceBalance, err := c.applyStep(ctx, req.SourceOwnerID, req.SourceAccountNumber, -amount, StepKey(key, StepDebit))
	if err != nil {
		if isTerminal(err) {
			// The store rejected the mutation outright; nothing moved.
			return c.finish(c.failBeforeCredit(ctx, transfer, err)), nil
		}
		// Retries exhausted without a definitive answer. The last attempt may
		// have landed with its acknowledgment lost, so ask the ledger which it
		// was before declaring that nothing moved.
		ctx = context.WithoutCancel(ctx)
		applied, queryErr := c.debitLanded(ctx, transfer, key)
		if queryErr != nil {
			detail := fmt.Sprintf("debit outcome unknown: %v; applied-key query failed: %v", err, queryErr)
			return c.finish(c.escalateStranded(ctx, transfer, detail)), nil
		}
		if !applied {
			return c.finish(c.failBeforeCredit(ctx, transfer, err)), nil
		}
		log.Printf("level=warn component=coordinator msg=\"debit landed without acknowledgment; continuing\" transfer_id=%s", transfer.ID)
		newSourceBalance = source.Balance - amount
	}
	c.setState(ctx, transfer, domain.TransferStateDebitApplied, nil)
	ctx = context.WithoutCancel(ctx)

	if cross {
		return c.finish(c.relayHandOff(ctx, transfer, key, newSourceBalance)), nil
	}
	return c.finish(c.applyCredit(ctx, transfer, req.DestinationOwnerID, key, newSourceBalance)), nil
}

// debitLanded asks the ledger whether the debit step key is recorded against
// the source account, resolving an attempt whose acknowledgment was lost.
func (c *Coordinator) debitLanded(ctx context.Context, transfer *domain.Transfer, key string) (bool, error) {
	var applied bool
	err := withRetry(ctx, c.policy, func(ctx context.Context) error {
		var queryErr error
		applied, queryErr = c.accounts.HasApplied(ctx, transfer.SourceOwnerID, transfer.SourceAccountNumber, StepKey(key, StepDebit))
		return queryErr
	})
	return applied, err
}

// failBeforeCredit records a terminal failure for a transfer whose debit is
// known not to have landed. Nothing has moved, so no compensation is needed.
func (c *Coordinator) failBeforeCredit(ctx context.Context, transfer *domain.Transfer, cause error) *domain.TransferResult {
	reason := cause.Error()
	c.setState(ctx, transfer, domain.TransferStateFailed, &reason)

	switch {
	case errors.Is(cause, store.ErrInsufficientFunds):
		// The pre-check passed but the balance moved underneath us.
		return &domain.TransferResult{TransferID: transfer.ID, Outcome: domain.OutcomeInsufficientFunds, Reason: reason}
	case errors.Is(cause, store.ErrAccountNotFound), errors.Is(cause, store.ErrOwnerMismatch):
		return &domain.TransferResult{TransferID: transfer.ID, Outcome: domain.OutcomeAccountNotFound, Which: "source", Reason: reason}
	}
	log.Printf("level=warn component=coordinator msg=\"debit failed\" transfer_id=%s err=%v", transfer.ID, cause)
	return &domain.TransferResult{TransferID: transfer.ID, Outcome: domain.OutcomeFailed, Reason: reason}
}

// applyCredit runs the destination credit for a same-institution transfer,
// falling back to compensation when retries exhaust.
func (c *Coordinator) applyCredit(ctx context.Context, transfer *domain.Transfer, destinationOwnerID, key string, newSourceBalance domain.Amount) *domain.TransferResult {
	_, err := c.applyStep(ctx, destinationOwnerID, transfer.DestinationAccountNumber, transfer.Amount, StepKey(key, StepCredit))
	if err != nil {
		log.Printf("level=error component=coordinator msg=\"credit failed after debit; compensating\" transfer_id=%s err=%v", transfer.ID, err)
		return c.compensate(ctx, transfer, key, fmt.Sprintf("credit failed: %v", err))
	}

	c.setState(ctx, transfer, domain.TransferStateCreditApplied, nil)
	c.setState(ctx, transfer, domain.TransferStateCompleted, nil)
	c.publishLifecycle(ctx, rabbitmq.RouteTransferCompleted, transfer, domain.TransferStateCompleted, "")
	return &domain.TransferResult{
		TransferID:       transfer.ID,
		Outcome:          domain.OutcomeCompleted,
		NewSourceBalance: &newSourceBalance,
	}
}

// relayHandOff persists the cross-institution intent into the relay store.
func (c *Coordinator) relayHandOff(ctx context.Context, transfer *domain.Transfer, key string, newSourceBalance domain.Amount) *domain.TransferResult {
	ticket := uuid.New().String()
	intent := domain.TransferIntent{
		RelayTicketID:       ticket,
		SourceOwnerID:       transfer.SourceOwnerID,
		SourceAccountNumber: transfer.SourceAccountNumber,
		DestinationAccount:  transfer.DestinationAccountNumber,
		RoutingCode:         transfer.RoutingCode,
		Amount:              transfer.Amount,
		IdempotencyKey:      key,
		CreatedAt:           time.Now().UTC(),
	}

	err := withRetry(ctx, c.policy, func(ctx context.Context) error {
		return c.relay.AppendIntent(ctx, intent)
	})
	if err != nil {
		log.Printf("level=error component=coordinator msg=\"relay append failed after debit\" transfer_id=%s routing_code=%s err=%v", transfer.ID, transfer.RoutingCode, err)
		return c.abortRelay(ctx, transfer, key, fmt.Sprintf("relay append failed: %v", err))
	}

	if err := c.journal.SetRelayTicket(ctx, transfer.ID, ticket); err != nil {
		log.Printf("level=warn component=coordinator msg=\"failed to journal relay ticket\" transfer_id=%s ticket=%s err=%v", transfer.ID, ticket, err)
	}
	transfer.RelayTicketID = &ticket
	c.setState(ctx, transfer, domain.TransferStatePendingRelay, nil)
	c.publishLifecycle(ctx, rabbitmq.RouteTransferRelayPending, transfer, domain.TransferStatePendingRelay, "")

	return &domain.TransferResult{
		TransferID:       transfer.ID,
		Outcome:          domain.OutcomePending,
		NewSourceBalance: &newSourceBalance,
		RelayTicketID:    ticket,
	}
}

// abortRelay backs a failed hand-off out of the relay store before reversing
// the debit. An append whose acknowledgment was lost may still have landed,
// and reversing while the intent is visible would let the destination consume
// it against already-returned funds. The intent must therefore be withdrawn,
// or confirmed absent, before any money moves back.
func (c *Coordinator) abortRelay(ctx context.Context, transfer *domain.Transfer, key, cause string) *domain.TransferResult {
	err := withRetry(ctx, c.policy, func(ctx context.Context) error {
		return c.relay.RemoveIntent(ctx, transfer.RoutingCode, transfer.DestinationAccountNumber, key)
	})
	if err != nil && !errors.Is(err, store.ErrIntentNotFound) {
		return c.escalateStranded(ctx, transfer, fmt.Sprintf("%s; intent withdraw unconfirmed: %v", cause, err))
	}
	return c.compensate(ctx, transfer, key, cause)
}

// compensate reverses an applied debit after the forward path failed. A
// reversal that itself fails is escalated, never swallowed: it represents
// money debited but neither credited nor returned.
func (c *Coordinator) compensate(ctx context.Context, transfer *domain.Transfer, key, cause string) *domain.TransferResult {
	_, err := c.applyStep(ctx, transfer.SourceOwnerID, transfer.SourceAccountNumber, transfer.Amount, StepKey(key, StepReverse))
	if err != nil {
		return c.escalateStranded(ctx, transfer, fmt.Sprintf("%s; reversal failed: %v", cause, err))
	}

	reason := cause
	c.setState(ctx, transfer, domain.TransferStateReversed, &reason)
	c.publishLifecycle(ctx, rabbitmq.RouteTransferReversed, transfer, domain.TransferStateReversed, cause)
	return &domain.TransferResult{TransferID: transfer.ID, Outcome: domain.OutcomeReversed, Reason: cause}
}

// escalateStranded closes a transfer whose debited funds are neither
// confirmed returned nor confirmed delivered. This is never swallowed: it is
// logged CRITICAL, counted, and published as an operator alert.
func (c *Coordinator) escalateStranded(ctx context.Context, transfer *domain.Transfer, detail string) *domain.TransferResult {
	telemetry.CompensationFailures.Inc()
	log.Printf("level=error component=coordinator msg=\"CRITICAL: debited funds stranded\" transfer_id=%s source_owner=%s amount=%d detail=%q",
		transfer.ID, transfer.SourceOwnerID, transfer.Amount.Int64(), detail)
	if alertErr := c.producer.PublishCompensationAlert(ctx, domain.CompensationAlert{
		EventID:             uuid.New().String(),
		TransferID:          transfer.ID.String(),
		SourceOwnerID:       transfer.SourceOwnerID,
		SourceAccountNumber: transfer.SourceAccountNumber,
		Amount:              transfer.Amount.Int64(),
		FailureDetail:       detail,
		OccurredAt:          time.Now().UTC(),
	}); alertErr != nil {
		log.Printf("level=error component=coordinator msg=\"CRITICAL: compensation alert publish failed\" transfer_id=%s err=%v", transfer.ID, alertErr)
	}
	c.setState(ctx, transfer, domain.TransferStateFailed, &detail)
	return &domain.TransferResult{TransferID: transfer.ID, Outcome: domain.OutcomeFailed, Reason: detail}
}

// applyStep performs one idempotent balance mutation with bounded retries.
// ErrAlreadyApplied collapses to success: the mutation landed on an attempt
// whose acknowledgment was lost.
func (c *Coordinator) applyStep(ctx context.Context, ownerID, accountNumber string, delta domain.Amount, stepKey string) (domain.Amount, error) {
	if applied, err := c.markers.IsApplied(ctx, stepKey); err == nil && applied {
		account, fetchErr := c.fetchWithRetry(ctx, ownerID, accountNumber)
		if fetchErr != nil {
			return 0, fetchErr
		}
		return account.Balance, nil
	}

	var balance domain.Amount
	err := withRetry(ctx, c.policy, func(ctx context.Context) error {
		var applyErr error
		balance, applyErr = c.accounts.ApplyDelta(ctx, ownerID, accountNumber, delta, stepKey)
		return applyErr
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyApplied) {
		return balance, err
	}

	if markErr := c.markers.MarkApplied(ctx, stepKey); markErr != nil {
		log.Printf("level=warn component=coordinator msg=\"failed to record applied marker\" step_key=%s err=%v", stepKey, markErr)
	}
	return balance, nil
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, ownerID, accountNumber string) (*domain.Account, error) {
	var account *domain.Account
	err := withRetry(ctx, c.policy, func(ctx context.Context) error {
		var fetchErr error
		account, fetchErr = c.accounts.FetchAccount(ctx, ownerID, accountNumber)
		return fetchErr
	})
	return account, err
}

func notFoundResult(err error, which string) *domain.TransferResult {
	if errors.Is(err, store.ErrAccountNotFound) {
		return &domain.TransferResult{Outcome: domain.OutcomeAccountNotFound, Which: which, Reason: err.Error()}
	}
	if errors.Is(err, store.ErrOwnerMismatch) {
		return &domain.TransferResult{Outcome: domain.OutcomeValidationFailed, Which: which, Reason: err.Error()}
	}
	return nil
}

func (c *Coordinator) setState(ctx context.Context, transfer *domain.Transfer, state string, reason *string) {
	transfer.State = state
	if reason != nil {
		transfer.FailureReason = reason
	}
	if err := c.journal.UpdateTransferState(ctx, transfer.ID, state, reason); err != nil {
		log.Printf("level=warn component=coordinator msg=\"failed to journal state\" transfer_id=%s state=%s err=%v", transfer.ID, state, err)
	}
}

func (c *Coordinator) publishLifecycle(ctx context.Context, routingKey string, transfer *domain.Transfer, state, reason string) {
	event := domain.TransferLifecycleEvent{
		EventID:                  uuid.New().String(),
		EventType:                routingKey,
		TransferID:               transfer.ID.String(),
		State:                    state,
		Kind:                     transfer.Kind,
		SourceOwnerID:            transfer.SourceOwnerID,
		SourceAccountNumber:      transfer.SourceAccountNumber,
		DestinationAccountNumber: transfer.DestinationAccountNumber,
		RoutingCode:              transfer.RoutingCode,
		Amount:                   transfer.Amount.Int64(),
		Reason:                   reason,
		OccurredAt:               time.Now().UTC(),
	}
	if transfer.RelayTicketID != nil {
		event.RelayTicketID = *transfer.RelayTicketID
	}
	if err := c.producer.PublishTransferEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=coordinator msg=\"lifecycle event publish failed\" transfer_id=%s routing_key=%s err=%v", transfer.ID, routingKey, err)
	}
}

// GetTransfer returns the journaled transfer with the given id.
func (c *Coordinator) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return c.journal.FindTransferByID(ctx, id)
}

// ListTransfers returns a source owner's journaled transfers, newest first.
func (c *Coordinator) ListTransfers(ctx context.Context, ownerID string, limit, offset int) ([]domain.Transfer, error) {
	return c.journal.ListTransfersBySourceOwner(ctx, ownerID, limit, offset)
}
