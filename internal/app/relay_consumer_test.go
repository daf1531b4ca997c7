package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerbridge/transfer-service/internal/domain"
)

func inboundIntent(ticket, destination, key string, amount int64) domain.TransferIntent {
	return domain.TransferIntent{
		RelayTicketID:       ticket,
		SourceOwnerID:       "remote-owner",
		SourceAccountNumber: "9001",
		DestinationAccount:  destination,
		RoutingCode:         testRoutingCode,
		Amount:              domain.Amount(amount),
		IdempotencyKey:      key,
		CreatedAt:           time.Now().UTC(),
	}
}

func TestConsumeAppliesCreditAndRemovesIntent(t *testing.T) {
	accounts := newMemAccounts()
	accounts.seed("bob", "2001", 1000)
	relay := &memRelay{}
	relay.AppendIntent(context.Background(), inboundIntent("t-1", "2001", "key-1", 750))
	directory := &memDirectory{owners: map[string]string{"2001": "bob"}}
	publisher := &capturingPublisher{}
	consumer := NewRelayConsumer(accounts, relay, directory, newMemJournal(), publisher, testRoutingCode, fastPolicy)

	applied, failed, err := consumer.ConsumeOnce(context.Background())
	if err != nil {
		t.Fatalf("ConsumeOnce returned error: %v", err)
	}
	if applied != 1 || failed != 0 {
		t.Errorf("applied=%d failed=%d, want 1/0", applied, failed)
	}
	if got := accounts.balance("bob", "2001"); got != 1750 {
		t.Errorf("destination balance = %d, want 1750", got)
	}
	if relay.count() != 0 {
		t.Errorf("intent still present after consumption")
	}
	types := publisher.eventTypes()
	if len(types) != 1 || types[0] != "transfer.completed" {
		t.Errorf("published events = %v, want [transfer.completed]", types)
	}
}

func TestConsumeIsReplaySafe(t *testing.T) {
	accounts := newMemAccounts()
	accounts.seed("bob", "2001", 1000)
	relay := &memRelay{}
	directory := &memDirectory{owners: map[string]string{"2001": "bob"}}
	consumer := NewRelayConsumer(accounts, relay, directory, newMemJournal(), &capturingPublisher{}, testRoutingCode, fastPolicy)

	// Crash scenario: the credit landed on a previous pass but the removal
	// did not, so the same intent is seen again.
	intent := inboundIntent("t-1", "2001", "key-1", 750)
	if _, err := accounts.ApplyDelta(context.Background(), "bob", "2001", 750, StepKey("key-1", StepCredit)); err != nil {
		t.Fatalf("priming credit failed: %v", err)
	}
	relay.AppendIntent(context.Background(), intent)

	applied, failed, err := consumer.ConsumeOnce(context.Background())
	if err != nil {
		t.Fatalf("ConsumeOnce returned error: %v", err)
	}
	if applied != 1 || failed != 0 {
		t.Errorf("applied=%d failed=%d, want 1/0", applied, failed)
	}
	if got := accounts.balance("bob", "2001"); got != 1750 {
		t.Errorf("destination balance = %d, want 1750 (credit applied twice)", got)
	}
	if relay.count() != 0 {
		t.Errorf("intent still present after replayed consumption")
	}
}

func TestConsumeClosesOwnJournalRecord(t *testing.T) {
	accounts := newMemAccounts()
	accounts.seed("bob", "2001", 0)
	relay := &memRelay{}
	relay.AppendIntent(context.Background(), inboundIntent("t-1", "2001", "key-1", 200))
	directory := &memDirectory{owners: map[string]string{"2001": "bob"}}
	journal := newMemJournal()

	ticket := "t-1"
	transfer := &domain.Transfer{
		ID:                       uuid.New(),
		IdempotencyKey:           "key-1",
		Kind:                     domain.TransferKindRelay,
		State:                    domain.TransferStatePendingRelay,
		SourceOwnerID:            "remote-owner",
		SourceAccountNumber:      "9001",
		DestinationAccountNumber: "2001",
		RoutingCode:              testRoutingCode,
		Amount:                   200,
		RelayTicketID:            &ticket,
		CreatedAt:                time.Now().UTC(),
	}
	journal.CreateTransfer(context.Background(), transfer)

	consumer := NewRelayConsumer(accounts, relay, directory, journal, &capturingPublisher{}, testRoutingCode, fastPolicy)
	if _, _, err := consumer.ConsumeOnce(context.Background()); err != nil {
		t.Fatalf("ConsumeOnce returned error: %v", err)
	}
	if journal.stateOf(transfer.ID) != domain.TransferStateCompleted {
		t.Errorf("journal state = %s, want completed", journal.stateOf(transfer.ID))
	}
}

func TestConsumeLeavesUnresolvableIntent(t *testing.T) {
	accounts := newMemAccounts()
	relay := &memRelay{}
	relay.AppendIntent(context.Background(), inboundIntent("t-1", "6666", "key-1", 750))
	directory := &memDirectory{owners: map[string]string{}}
	consumer := NewRelayConsumer(accounts, relay, directory, newMemJournal(), &capturingPublisher{}, testRoutingCode, fastPolicy)

	applied, failed, err := consumer.ConsumeOnce(context.Background())
	if err != nil {
		t.Fatalf("ConsumeOnce returned error: %v", err)
	}
	if applied != 0 || failed != 1 {
		t.Errorf("applied=%d failed=%d, want 0/1", applied, failed)
	}
	if relay.count() != 1 {
		t.Errorf("unresolvable intent was removed; it must stay for the operator")
	}
}
