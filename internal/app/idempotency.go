/**
 * @description
 * Idempotency key derivation and applied-step markers. The transfer key is a
 * SHA-256 over the RFC 8785 (JCS) canonical JSON of the logical transfer
 * shape, so two submissions describing the same transfer hash identically
 * regardless of field ordering or whitespace. Each mutating step (debit,
 * credit, relay append, reversal) derives its own key by suffixing the step
 * name, and records a marker in Redis before the slower document-store
 * evidence is consulted.
 *
 * @dependencies
 * - crypto/sha256, encoding/hex, encoding/json: Standard Go libraries.
 * - github.com/gowebpki/jcs: RFC 8785 canonical JSON.
 * - github.com/redis/go-redis/v9: Marker storage.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"
)

// transferKeyShape is the canonical, deterministic request shape for transfer
// idempotency hashing. No floats. No maps. Stable field order via struct
// marshaling plus JCS.
type transferKeyShape struct {
	SourceOwnerID            string `json:"source_owner_id"`
	SourceAccountNumber      string `json:"source_account_number"`
	DestinationOwnerID       string `json:"destination_owner_id"`
	DestinationAccountNumber string `json:"destination_account_number"`
	RoutingCode              string `json:"routing_code"`
	Amount                   int64  `json:"amount"`
	Nonce                    string `json:"nonce"`
}

// DeriveIdempotencyKey computes the transfer-level idempotency key for the
// given logical transfer parameters.
func DeriveIdempotencyKey(sourceOwnerID, sourceAccountNumber, destinationOwnerID, destinationAccountNumber, routingCode string, amount int64, nonce string) (string, error) {
	shape := transferKeyShape{
		SourceOwnerID:            strings.TrimSpace(sourceOwnerID),
		SourceAccountNumber:      strings.TrimSpace(sourceAccountNumber),
		DestinationOwnerID:       strings.TrimSpace(destinationOwnerID),
		DestinationAccountNumber: strings.TrimSpace(destinationAccountNumber),
		RoutingCode:              strings.TrimSpace(routingCode),
		Amount:                   amount,
		Nonce:                    strings.TrimSpace(nonce),
	}
	raw, err := json.Marshal(shape)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// StepKey derives the per-mutation key for one step of a transfer.
func StepKey(transferKey, step string) string {
	return transferKey + ":" + step
}

// Step names used for per-mutation idempotency keys.
const (
	StepDebit         = "debit"
	StepCredit        = "credit"
	StepReverse       = "reverse"
	StepExpireReverse = "expire-reverse"
)

// Markers is the fast-path "already applied" record consulted before a
// network mutation and written after one succeeds. Losing a marker is safe:
// the document store's per-account applied-key list remains the durable
// evidence.
type Markers interface {
	MarkApplied(ctx context.Context, key string) error
	IsApplied(ctx context.Context, key string) (bool, error)
}

// RedisMarkers stores applied markers in Redis with a TTL.
type RedisMarkers struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisMarkers(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMarkers {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "ledgerbridge:applied"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMarkers{client: client, prefix: trimmed, ttl: ttl}
}

func (m *RedisMarkers) key(k string) string {
	return m.prefix + ":" + k
}

func (m *RedisMarkers) MarkApplied(ctx context.Context, key string) error {
	return m.client.Set(ctx, m.key(key), "1", m.ttl).Err()
}

func (m *RedisMarkers) IsApplied(ctx context.Context, key string) (bool, error) {
	err := m.client.Get(ctx, m.key(key)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NoopMarkers is used when Redis is not configured; every check falls
// through to the document-store evidence.
type NoopMarkers struct{}

func (NoopMarkers) MarkApplied(ctx context.Context, key string) error { return nil }

func (NoopMarkers) IsApplied(ctx context.Context, key string) (bool, error) { return false, nil }
