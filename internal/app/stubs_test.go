package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/internal/store"
)

// memAccounts is an in-memory Accounts implementation with per-call failure
// injection.
type memAccounts struct {
	mu       sync.Mutex
	balances map[string]domain.Amount
	applied  map[string]map[string]bool
	// beforeApply, when set, runs before each mutation; a non-nil return is
	// surfaced instead of applying.
	beforeApply func(ownerID, accountNumber string, delta domain.Amount, key string) error
	// afterApply, when set, runs once the mutation (or its replay check) has
	// reached the ledger; a non-nil return models a lost acknowledgment.
	afterApply func(ownerID, accountNumber string, delta domain.Amount, key string) error
	// hasAppliedErr, when set, fails every HasApplied query.
	hasAppliedErr error
	deltaCalls    int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		balances: map[string]domain.Amount{},
		applied:  map[string]map[string]bool{},
	}
}

func acctKey(ownerID, accountNumber string) string {
	return ownerID + "/" + accountNumber
}

func (m *memAccounts) seed(ownerID, accountNumber string, balance domain.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[acctKey(ownerID, accountNumber)] = balance
}

func (m *memAccounts) balance(ownerID, accountNumber string) domain.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[acctKey(ownerID, accountNumber)]
}

func (m *memAccounts) FetchAccount(ctx context.Context, ownerID, accountNumber string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[acctKey(ownerID, accountNumber)]
	if !ok {
		return nil, fmt.Errorf("owner %s account %s: %w", ownerID, accountNumber, store.ErrAccountNotFound)
	}
	return &domain.Account{OwnerID: ownerID, AccountNumber: accountNumber, Balance: balance}, nil
}

func (m *memAccounts) ApplyDelta(ctx context.Context, ownerID, accountNumber string, delta domain.Amount, idempotencyKey string) (domain.Amount, error) {
	if m.beforeApply != nil {
		if err := m.beforeApply(ownerID, accountNumber, delta, idempotencyKey); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltaCalls++

	key := acctKey(ownerID, accountNumber)
	balance, ok := m.balances[key]
	if !ok {
		return 0, fmt.Errorf("owner %s account %s: %w", ownerID, accountNumber, store.ErrAccountNotFound)
	}
	if idempotencyKey != "" && m.applied[key][idempotencyKey] {
		if m.afterApply != nil {
			if hookErr := m.afterApply(ownerID, accountNumber, delta, idempotencyKey); hookErr != nil {
				return 0, hookErr
			}
		}
		return balance, store.ErrAlreadyApplied
	}

	newBalance := balance + delta
	if delta < 0 && newBalance < 0 {
		return balance, fmt.Errorf("balance %d delta %d: %w", balance, delta, store.ErrInsufficientFunds)
	}

	m.balances[key] = newBalance
	if idempotencyKey != "" {
		if m.applied[key] == nil {
			m.applied[key] = map[string]bool{}
		}
		m.applied[key][idempotencyKey] = true
	}
	if m.afterApply != nil {
		if hookErr := m.afterApply(ownerID, accountNumber, delta, idempotencyKey); hookErr != nil {
			return 0, hookErr
		}
	}
	return newBalance, nil
}

func (m *memAccounts) HasApplied(ctx context.Context, ownerID, accountNumber, idempotencyKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasAppliedErr != nil {
		return false, m.hasAppliedErr
	}
	return m.applied[acctKey(ownerID, accountNumber)][idempotencyKey], nil
}

// memRelay is an in-memory Relay implementation.
type memRelay struct {
	mu        sync.Mutex
	intents   []domain.TransferIntent
	appendErr error
	removeErr error
	// afterAppend, when set, runs once the intent is in the record; a non-nil
	// return models an append whose acknowledgment was lost.
	afterAppend func(intent domain.TransferIntent) error
}

func (m *memRelay) AppendIntent(ctx context.Context, intent domain.TransferIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	found := false
	for _, existing := range m.intents {
		if existing.IdempotencyKey == intent.IdempotencyKey {
			found = true
			break
		}
	}
	if !found {
		m.intents = append(m.intents, intent)
	}
	if m.afterAppend != nil {
		return m.afterAppend(intent)
	}
	return nil
}

func (m *memRelay) ListIntents(ctx context.Context, routingCode string) ([]domain.TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TransferIntent
	for _, intent := range m.intents {
		if intent.RoutingCode == routingCode {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (m *memRelay) RemoveIntent(ctx context.Context, routingCode, destinationAccount, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	for i, intent := range m.intents {
		if intent.RoutingCode == routingCode && intent.DestinationAccount == destinationAccount && intent.IdempotencyKey == idempotencyKey {
			m.intents = append(m.intents[:i], m.intents[i+1:]...)
			return nil
		}
	}
	return store.ErrIntentNotFound
}

func (m *memRelay) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intents)
}

// memJournal is an in-memory Journal implementation. It records every state
// transition per transfer so tests can assert the path, not just the end.
type memJournal struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*domain.Transfer
	byKey   map[string]*domain.Transfer
	history map[uuid.UUID][]string
}

func newMemJournal() *memJournal {
	return &memJournal{
		byID:    map[uuid.UUID]*domain.Transfer{},
		byKey:   map[string]*domain.Transfer{},
		history: map[uuid.UUID][]string{},
	}
}

func (m *memJournal) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[t.IdempotencyKey]; exists {
		return store.ErrDuplicateTransfer
	}
	clone := *t
	m.byID[t.ID] = &clone
	m.byKey[t.IdempotencyKey] = &clone
	return nil
}

func (m *memJournal) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	clone := *t
	return &clone, nil
}

func (m *memJournal) FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[key]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	clone := *t
	return &clone, nil
}

func (m *memJournal) UpdateTransferState(ctx context.Context, id uuid.UUID, state string, failureReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return store.ErrTransferNotFound
	}
	t.State = state
	if failureReason != nil {
		t.FailureReason = failureReason
	}
	t.UpdatedAt = time.Now().UTC()
	m.history[id] = append(m.history[id], state)
	return nil
}

func (m *memJournal) SetRelayTicket(ctx context.Context, id uuid.UUID, relayTicketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return store.ErrTransferNotFound
	}
	t.RelayTicketID = &relayTicketID
	return nil
}

func (m *memJournal) ListTransfersBySourceOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transfer
	for _, t := range m.byID {
		if t.SourceOwnerID == ownerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memJournal) ListPendingRelayTransfers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transfer
	for _, t := range m.byID {
		if t.Kind == domain.TransferKindRelay && t.State == domain.TransferStatePendingRelay && !t.CreatedAt.After(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memJournal) CompleteRelayTransferByTicket(ctx context.Context, relayTicketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if t.RelayTicketID != nil && *t.RelayTicketID == relayTicketID && t.State == domain.TransferStatePendingRelay {
			t.State = domain.TransferStateCompleted
			return nil
		}
	}
	return store.ErrTransferNotFound
}

func (m *memJournal) statesOf(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history[id]...)
}

func (m *memJournal) stateOf(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[id]; ok {
		return t.State
	}
	return ""
}

// memDirectory resolves account numbers to owners from a fixed map.
type memDirectory struct {
	owners map[string]string
}

func (m *memDirectory) FindOwnerByAccountNumber(ctx context.Context, accountNumber string) (string, error) {
	owner, ok := m.owners[accountNumber]
	if !ok {
		return "", store.ErrAccountNotFound
	}
	return owner, nil
}

// capturingPublisher records everything published.
type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.TransferLifecycleEvent
	alerts []domain.CompensationAlert
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *capturingPublisher) PublishTransferEvent(ctx context.Context, routingKey string, event domain.TransferLifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) PublishCompensationAlert(ctx context.Context, alert domain.CompensationAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *capturingPublisher) Close() {}

func (p *capturingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

// fastPolicy keeps retry-exhaustion tests quick.
var fastPolicy = RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
