/**
 * @description
 * Document-store implementation of the shared relay. One relay document per
 * routing code; each top-level field is a destination account number mapping
 * to an ordered array of pending transfer intents. The sender side appends,
 * the receiver side consumes and removes. Both mutations restate the single
 * destination-account field under a field mask with an update-time
 * precondition, so a racing producer and consumer cannot overwrite each
 * other's writes.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/pkg/docstore"
)

const (
	intentFieldTicket         = "relayTicketId"
	intentFieldSourceOwner    = "sourceOwnerId"
	intentFieldSourceAccount  = "senderAccountNumber"
	intentFieldDestAccount    = "destinationAccountNumber"
	intentFieldRoutingCode    = "routingCode"
	intentFieldAmount         = "amount"
	intentFieldIdempotencyKey = "idempotencyKey"
	intentFieldCreatedAt      = "createdAt"
)

// RelayStore is the shared rendezvous document store used for
// cross-institution transfers.
type RelayStore struct {
	client     *docstore.Client
	collection string
}

// NewRelayStore creates a relay over the given store client. collection is
// the relay collection path, e.g.
// "projects/bank-common/databases/(default)/documents/common_db".
func NewRelayStore(client *docstore.Client, collection string) *RelayStore {
	return &RelayStore{client: client, collection: collection}
}

func (r *RelayStore) recordPath(routingCode string) string {
	return r.collection + "/" + routingCode
}

func intentToValue(intent domain.TransferIntent) docstore.Value {
	return docstore.Map(map[string]docstore.Value{
		intentFieldTicket:         docstore.String(intent.RelayTicketID),
		intentFieldSourceOwner:    docstore.String(intent.SourceOwnerID),
		intentFieldSourceAccount:  docstore.String(intent.SourceAccountNumber),
		intentFieldDestAccount:    docstore.String(intent.DestinationAccount),
		intentFieldRoutingCode:    docstore.String(intent.RoutingCode),
		intentFieldAmount:         docstore.Integer(intent.Amount.Int64()),
		intentFieldIdempotencyKey: docstore.String(intent.IdempotencyKey),
		intentFieldCreatedAt:      docstore.Timestamp(intent.CreatedAt),
	})
}

func intentFromValue(routingCode, destinationAccount string, v docstore.Value) (domain.TransferIntent, bool) {
	fields := v.MapFields()
	if fields == nil {
		return domain.TransferIntent{}, false
	}
	amount, ok := fields[intentFieldAmount].AsInt64()
	if !ok {
		return domain.TransferIntent{}, false
	}
	key, ok := fields[intentFieldIdempotencyKey].AsString()
	if !ok || key == "" {
		return domain.TransferIntent{}, false
	}

	intent := domain.TransferIntent{
		RoutingCode:        routingCode,
		DestinationAccount: destinationAccount,
		Amount:             domain.Amount(amount),
		IdempotencyKey:     key,
	}
	intent.RelayTicketID, _ = fields[intentFieldTicket].AsString()
	intent.SourceOwnerID, _ = fields[intentFieldSourceOwner].AsString()
	intent.SourceAccountNumber, _ = fields[intentFieldSourceAccount].AsString()
	if t, ok := fields[intentFieldCreatedAt].AsTime(); ok {
		intent.CreatedAt = t
	}
	return intent, true
}

// AppendIntent implements Relay.
func (r *RelayStore) AppendIntent(ctx context.Context, intent domain.TransferIntent) error {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	path := r.recordPath(intent.RoutingCode)
	doc, err := r.client.Get(ctx, path)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}

	var pending []docstore.Value
	opts := docstore.PatchOptions{
		FieldPaths:     []string{intent.DestinationAccount},
		RequireMissing: true,
	}
	if doc != nil {
		// Idempotent append: the same logical transfer resubmitted must not
		// create a second pending intent, under any destination account.
		for account, field := range doc.Fields {
			for _, v := range field.Elements() {
				if existing, ok := intentFromValue(intent.RoutingCode, account, v); ok && existing.IdempotencyKey == intent.IdempotencyKey {
					return nil
				}
			}
		}
		pending = doc.Fields[intent.DestinationAccount].Elements()
		opts = docstore.PatchOptions{
			FieldPaths:        []string{intent.DestinationAccount},
			RequireUpdateTime: doc.UpdateTime,
		}
	}

	pending = append(pending, intentToValue(intent))
	_, err = r.client.Patch(ctx, path, opts, map[string]docstore.Value{
		intent.DestinationAccount: docstore.Array(pending...),
	})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return fmt.Errorf("relay record %s changed since read: %w", intent.RoutingCode, ErrConcurrentModification)
	}
	return err
}

// ListIntents implements Relay.
func (r *RelayStore) ListIntents(ctx context.Context, routingCode string) ([]domain.TransferIntent, error) {
	doc, err := r.client.Get(ctx, r.recordPath(routingCode))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var intents []domain.TransferIntent
	for account, field := range doc.Fields {
		for _, v := range field.Elements() {
			if intent, ok := intentFromValue(routingCode, account, v); ok {
				intents = append(intents, intent)
			}
		}
	}
	return intents, nil
}

// RemoveIntent implements Relay.
func (r *RelayStore) RemoveIntent(ctx context.Context, routingCode, destinationAccount, idempotencyKey string) error {
	path := r.recordPath(routingCode)
	doc, err := r.client.Get(ctx, path)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrIntentNotFound
		}
		return err
	}

	pending := doc.Fields[destinationAccount].Elements()
	remaining := make([]docstore.Value, 0, len(pending))
	found := false
	for _, v := range pending {
		if intent, ok := intentFromValue(routingCode, destinationAccount, v); ok && intent.IdempotencyKey == idempotencyKey {
			found = true
			continue
		}
		remaining = append(remaining, v)
	}
	if !found {
		return ErrIntentNotFound
	}

	_, err = r.client.Patch(ctx, path, docstore.PatchOptions{
		FieldPaths:        []string{destinationAccount},
		RequireUpdateTime: doc.UpdateTime,
	}, map[string]docstore.Value{
		destinationAccount: docstore.Array(remaining...),
	})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return fmt.Errorf("relay record %s changed since read: %w", routingCode, ErrConcurrentModification)
	}
	return err
}
