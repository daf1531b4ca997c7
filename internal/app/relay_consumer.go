/**
 * @description
 * This file implements the inbound side of cross-institution transfers: a
 * polling consumer that drains this institution's record in the shared relay
 * store and credits destination accounts. Consumption is credit-then-remove;
 * a crash between the two leaves the intent behind, and the next pass
 * recognizes the already-applied credit and finishes the removal without
 * moving money twice.
 *
 * @dependencies
 * - internal/store: Relay, account, and directory access.
 * - internal/telemetry: Consumption counters.
 * - pkg/rabbitmq: Lifecycle event publishing.
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

// RelayConsumer polls the relay store for intents addressed to this
// institution and applies them to destination ledgers.
type RelayConsumer struct {
	accounts    store.Accounts
	relay       store.Relay
	directory   store.Directory
	journal     store.Journal
	producer    rabbitmq.Publisher
	policy      RetryPolicy
	routingCode string
}

func NewRelayConsumer(
	accounts store.Accounts,
	relay store.Relay,
	directory store.Directory,
	journal store.Journal,
	producer rabbitmq.Publisher,
	routingCode string,
	policy RetryPolicy,
) *RelayConsumer {
	if producer == nil {
		producer = rabbitmq.FallbackProducer{}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &RelayConsumer{
		accounts:    accounts,
		relay:       relay,
		directory:   directory,
		journal:     journal,
		producer:    producer,
		policy:      policy,
		routingCode: routingCode,
	}
}

// Run polls on the given interval until the context is cancelled.
func (rc *RelayConsumer) Run(ctx context.Context, interval time.Duration) {
	log.Printf("level=info component=relay_consumer msg=\"starting\" routing_code=%s interval=%s", rc.routingCode, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=relay_consumer msg=\"stopping\"")
			return
		case <-ticker.C:
			applied, failed, err := rc.ConsumeOnce(ctx)
			if err != nil {
				log.Printf("level=warn component=relay_consumer msg=\"poll failed\" err=%v", err)
				continue
			}
			if applied > 0 || failed > 0 {
				log.Printf("level=info component=relay_consumer msg=\"poll finished\" applied=%d failed=%d", applied, failed)
			}
		}
	}
}

// ConsumeOnce drains the current set of inbound intents, returning how many
// were applied and how many were skipped on errors. Skipped intents stay in
// the relay record for a later pass.
func (rc *RelayConsumer) ConsumeOnce(ctx context.Context) (applied, failed int, err error) {
	intents, err := rc.relay.ListIntents(ctx, rc.routingCode)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list inbound intents: %w", err)
	}

	for _, intent := range intents {
		if consumeErr := rc.consume(ctx, intent); consumeErr != nil {
			failed++
			log.Printf("level=warn component=relay_consumer msg=\"intent left for retry\" ticket=%s destination=%s err=%v",
				intent.RelayTicketID, intent.DestinationAccount, consumeErr)
			continue
		}
		applied++
		telemetry.RelayIntentsConsumed.Inc()
	}
	return applied, failed, nil
}

func (rc *RelayConsumer) consume(ctx context.Context, intent domain.TransferIntent) error {
	ownerID, err := rc.directory.FindOwnerByAccountNumber(ctx, intent.DestinationAccount)
	if err != nil {
		return fmt.Errorf("failed to resolve destination owner: %w", err)
	}

	creditKey := StepKey(intent.IdempotencyKey, StepCredit)
	err = withRetry(ctx, rc.policy, func(ctx context.Context) error {
		_, applyErr := rc.accounts.ApplyDelta(ctx, ownerID, intent.DestinationAccount, intent.Amount, creditKey)
		return applyErr
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyApplied) {
		return fmt.Errorf("failed to apply inbound credit: %w", err)
	}

	// Credit is durable; remove the intent so the origin's sweeper does not
	// see it as abandoned. Already-gone means a previous pass finished this.
	err = withRetry(ctx, rc.policy, func(ctx context.Context) error {
		return rc.relay.RemoveIntent(ctx, intent.RoutingCode, intent.DestinationAccount, intent.IdempotencyKey)
	})
	if err != nil && !errors.Is(err, store.ErrIntentNotFound) {
		return fmt.Errorf("credit applied but intent removal failed: %w", err)
	}

	// Close the journal record if this institution also originated the
	// transfer. Foreign-origin tickets are simply not in our journal.
	if err := rc.journal.CompleteRelayTransferByTicket(ctx, intent.RelayTicketID); err != nil && !errors.Is(err, store.ErrTransferNotFound) {
		log.Printf("level=warn component=relay_consumer msg=\"failed to close journal record\" ticket=%s err=%v", intent.RelayTicketID, err)
	}

	event := domain.TransferLifecycleEvent{
		EventID:                  uuid.New().String(),
		EventType:                rabbitmq.RouteTransferCompleted,
		State:                    domain.TransferStateCompleted,
		Kind:                     domain.TransferKindRelay,
		SourceOwnerID:            intent.SourceOwnerID,
		SourceAccountNumber:      intent.SourceAccountNumber,
		DestinationAccountNumber: intent.DestinationAccount,
		RoutingCode:              intent.RoutingCode,
		Amount:                   intent.Amount.Int64(),
		RelayTicketID:            intent.RelayTicketID,
		OccurredAt:               time.Now().UTC(),
	}
	if err := rc.producer.PublishTransferEvent(ctx, rabbitmq.RouteTransferCompleted, event); err != nil {
		log.Printf("level=warn component=relay_consumer msg=\"lifecycle event publish failed\" ticket=%s err=%v", intent.RelayTicketID, err)
	}
	return nil
}
