/**
 * @description
 * This file implements the relay expiry sweeper. A cross-institution transfer
 * whose intent is never consumed by the destination institution would strand
 * the debited funds forever; the sweeper finds journaled pending_relay
 * transfers older than the expiry window, withdraws their intents from the
 * relay store, and reverses the source debits. Withdrawal happens before
 * reversal so a consumer that races the sweeper finds the intent gone rather
 * than crediting a transfer the sweeper is unwinding.
 *
 * @dependencies
 * - internal/store: Journal, relay, and account access.
 * - internal/telemetry: Sweep gauges and counters.
 * - pkg/rabbitmq: Reversal event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/internal/store"
	"github.com/ledgerbridge/transfer-service/internal/telemetry"
	"github.com/ledgerbridge/transfer-service/pkg/rabbitmq"
)

// RelaySweeper reverses cross-institution transfers whose intents expired
// unconsumed, and produces the operator reconciliation report.
type RelaySweeper struct {
	accounts  store.Accounts
	relay     store.Relay
	journal   store.Journal
	producer  rabbitmq.Publisher
	policy    RetryPolicy
	expiry    time.Duration
	batchSize int
}

func NewRelaySweeper(
	accounts store.Accounts,
	relay store.Relay,
	journal store.Journal,
	producer rabbitmq.Publisher,
	expiry time.Duration,
	batchSize int,
	policy RetryPolicy,
) *RelaySweeper {
	if producer == nil {
		producer = rabbitmq.FallbackProducer{}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RelaySweeper{
		accounts:  accounts,
		relay:     relay,
		journal:   journal,
		producer:  producer,
		policy:    policy,
		expiry:    expiry,
		batchSize: batchSize,
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (s *RelaySweeper) Run(ctx context.Context, interval time.Duration) {
	log.Printf("level=info component=relay_sweeper msg=\"starting\" expiry=%s interval=%s", s.expiry, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=relay_sweeper msg=\"stopping\"")
			return
		case <-ticker.C:
			result, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("level=warn component=relay_sweeper msg=\"sweep failed\" err=%v", err)
				continue
			}
			if result.Examined > 0 {
				log.Printf("level=info component=relay_sweeper msg=\"sweep finished\" examined=%d reversed=%d already_moved=%d failures=%d",
					result.Examined, result.Reversed, result.AlreadyMoved, result.SweepFailures)
			}
		}
	}
}

// SweepOnce examines one batch of expired pending_relay transfers. For each:
// intent still present in the relay store means the destination never took
// it, so it is withdrawn and the debit reversed; intent already gone means
// the destination consumed it after all, so the transfer is closed as
// completed.
func (s *RelaySweeper) SweepOnce(ctx context.Context) (*domain.RelaySweepResult, error) {
	cutoff := time.Now().UTC().Add(-s.expiry)
	expired, err := s.journal.ListPendingRelayTransfers(ctx, cutoff, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired relay transfers: %w", err)
	}

	result := &domain.RelaySweepResult{Examined: len(expired)}
	for _, transfer := range expired {
		switch err := s.sweep(ctx, transfer); {
		case err == nil:
			result.Reversed++
			telemetry.RelayIntentsReversed.Inc()
		case errors.Is(err, store.ErrIntentNotFound):
			result.AlreadyMoved++
		default:
			result.SweepFailures++
			log.Printf("level=warn component=relay_sweeper msg=\"transfer left for next sweep\" transfer_id=%s err=%v", transfer.ID, err)
		}
	}
	return result, nil
}

// sweep withdraws one expired intent and reverses its debit. Returns
// store.ErrIntentNotFound when the destination consumed the intent first.
func (s *RelaySweeper) sweep(ctx context.Context, transfer domain.Transfer) error {
	if transfer.RelayTicketID == nil {
		// Journaled without a ticket; nothing can still reference the intent.
		reason := "relay hand-off never recorded a ticket"
		return s.reverse(ctx, transfer, reason)
	}

	err := withRetry(ctx, s.policy, func(ctx context.Context) error {
		return s.relay.RemoveIntent(ctx, transfer.RoutingCode, transfer.DestinationAccountNumber, transfer.IdempotencyKey)
	})
	if errors.Is(err, store.ErrIntentNotFound) {
		// Consumed by the destination after the expiry cutoff. Close it out.
		if closeErr := s.journal.CompleteRelayTransferByTicket(ctx, *transfer.RelayTicketID); closeErr != nil && !errors.Is(closeErr, store.ErrTransferNotFound) {
			log.Printf("level=warn component=relay_sweeper msg=\"failed to close consumed transfer\" transfer_id=%s err=%v", transfer.ID, closeErr)
		}
		return store.ErrIntentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to withdraw expired intent: %w", err)
	}

	return s.reverse(ctx, transfer, fmt.Sprintf("relay intent unconsumed after %s", s.expiry))
}

func (s *RelaySweeper) reverse(ctx context.Context, transfer domain.Transfer, reason string) error {
	reverseKey := StepKey(transfer.IdempotencyKey, StepExpireReverse)
	err := withRetry(ctx, s.policy, func(ctx context.Context) error {
		_, applyErr := s.accounts.ApplyDelta(ctx, transfer.SourceOwnerID, transfer.SourceAccountNumber, transfer.Amount, reverseKey)
		return applyErr
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyApplied) {
		return fmt.Errorf("failed to reverse expired debit: %w", err)
	}

	if err := s.journal.UpdateTransferState(ctx, transfer.ID, domain.TransferStateReversed, &reason); err != nil {
		log.Printf("level=warn component=relay_sweeper msg=\"failed to journal reversal\" transfer_id=%s err=%v", transfer.ID, err)
	}
	transfer.State = domain.TransferStateReversed
	event := domain.TransferLifecycleEvent{
		EventID:                  uuid.New().String(),
		EventType:                rabbitmq.RouteTransferReversed,
		TransferID:               transfer.ID.String(),
		State:                    domain.TransferStateReversed,
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
	if err := s.producer.PublishTransferEvent(ctx, rabbitmq.RouteTransferReversed, event); err != nil {
		log.Printf("level=warn component=relay_sweeper msg=\"reversal event publish failed\" transfer_id=%s err=%v", transfer.ID, err)
	}
	return nil
}

// Report builds the operator reconciliation view: every journaled
// pending_relay transfer, its age, and whether it has crossed the expiry
// window. The pending gauge is refreshed as a side effect.
func (s *RelaySweeper) Report(ctx context.Context) ([]domain.PendingRelayEntry, error) {
	now := time.Now().UTC()
	pending, err := s.journal.ListPendingRelayTransfers(ctx, now, 500)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending relay transfers: %w", err)
	}

	entries := make([]domain.PendingRelayEntry, 0, len(pending))
	for _, transfer := range pending {
		entry := domain.PendingRelayEntry{
			TransferID:          transfer.ID,
			RoutingCode:         transfer.RoutingCode,
			DestinationAccount:  transfer.DestinationAccountNumber,
			Amount:              transfer.Amount,
			PendingSince:        transfer.CreatedAt,
			AgeSeconds:          int64(now.Sub(transfer.CreatedAt).Seconds()),
			EligibleForReversal: now.Sub(transfer.CreatedAt) >= s.expiry,
		}
		if transfer.RelayTicketID != nil {
			entry.RelayTicketID = *transfer.RelayTicketID
		}
		entries = append(entries, entry)
	}
	telemetry.PendingRelayIntents.Set(float64(len(entries)))
	return entries, nil
}
