/**
 * @description
 * Document-store implementation of the Accounts repository. Owner documents
 * live at `<collection>/<ownerID>` and hold a `details` array of account
 * entries. The store has no conditional-update primitive beyond an
 * update-time precondition on patch, so every delta is a read-modify-write:
 * re-read the document, rewrite only the target entry's balance, restate the
 * whole details collection under a field mask (array elements are not
 * individually addressable), and patch conditionally on the update time read.
 *
 * @notes
 * - Each account entry carries a bounded `appliedTransfers` list of
 *   idempotency keys. A mutation whose key is already listed returns
 *   ErrAlreadyApplied without touching the balance, which makes deltas safe
 *   to re-execute after a timeout or crash.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/pkg/docstore"
)

const (
	fieldOwnerID          = "ownerId"
	fieldDetails          = "details"
	fieldAccountNumber    = "accountNumber"
	fieldBalance          = "Balance"
	fieldAppliedTransfers = "appliedTransfers"

	// maxAppliedKeys bounds the per-account idempotency key list. Old keys
	// fall off the front; the relay expiry window is far shorter than the time
	// it takes a live account to accumulate this many transfers.
	maxAppliedKeys = 64
)

// AccountRepository resolves and mutates accounts in one institution's ledger
// database.
type AccountRepository struct {
	client     *docstore.Client
	collection string
}

// NewAccountRepository creates a repository over the given store client.
// collection is the owner-document collection path, e.g.
// "projects/meridian/databases/(default)/documents/customer".
func NewAccountRepository(client *docstore.Client, collection string) *AccountRepository {
	return &AccountRepository{client: client, collection: collection}
}

func (r *AccountRepository) ownerPath(ownerID string) string {
	return r.collection + "/" + ownerID
}

// fetchOwnerDocument reads the owner document and validates its stored owner
// identifier against the requested one.
func (r *AccountRepository) fetchOwnerDocument(ctx context.Context, ownerID string) (*docstore.Document, error) {
	doc, err := r.client.Get(ctx, r.ownerPath(ownerID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("owner %s: %w", ownerID, ErrAccountNotFound)
		}
		return nil, err
	}
	if stored, ok := doc.Fields[fieldOwnerID].AsString(); ok && stored != ownerID {
		return nil, fmt.Errorf("owner %s stored as %s: %w", ownerID, stored, ErrOwnerMismatch)
	}
	return doc, nil
}

// findEntry locates the account entry inside the details array. It returns
// the entry index and its fields.
func findEntry(doc *docstore.Document, accountNumber string) (int, map[string]docstore.Value, error) {
	details := doc.Fields[fieldDetails].Elements()
	for i, entry := range details {
		fields := entry.MapFields()
		if num, ok := fields[fieldAccountNumber].AsString(); ok && num == accountNumber {
			return i, fields, nil
		}
	}
	return -1, nil, fmt.Errorf("account %s: %w", accountNumber, ErrAccountNotFound)
}

func entryBalance(fields map[string]docstore.Value) (domain.Amount, error) {
	v, ok := fields[fieldBalance]
	if !ok {
		return 0, fmt.Errorf("balance field missing: %w", ErrAccountNotFound)
	}
	if i, ok := v.AsInt64(); ok {
		return domain.Amount(i), nil
	}
	// Older clients wrote fractional doubles; those documents are rejected
	// rather than silently rounded.
	if f, ok := v.AsFloat64(); ok {
		return domain.AmountFromFloat(f)
	}
	return 0, fmt.Errorf("balance field has no numeric encoding: %w", domain.ErrNonIntegralAmount)
}

func entryAppliedKeys(fields map[string]docstore.Value) []string {
	var keys []string
	for _, v := range fields[fieldAppliedTransfers].Elements() {
		if s, ok := v.AsString(); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// FetchAccount implements Accounts.
func (r *AccountRepository) FetchAccount(ctx context.Context, ownerID, accountNumber string) (*domain.Account, error) {
	doc, err := r.fetchOwnerDocument(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	_, fields, err := findEntry(doc, accountNumber)
	if err != nil {
		return nil, err
	}
	balance, err := entryBalance(fields)
	if err != nil {
		return nil, err
	}
	return &domain.Account{
		OwnerID:       ownerID,
		AccountNumber: accountNumber,
		Balance:       balance,
	}, nil
}

// HasApplied implements Accounts.
func (r *AccountRepository) HasApplied(ctx context.Context, ownerID, accountNumber, idempotencyKey string) (bool, error) {
	doc, err := r.fetchOwnerDocument(ctx, ownerID)
	if err != nil {
		return false, err
	}
	_, fields, err := findEntry(doc, accountNumber)
	if err != nil {
		return false, err
	}
	for _, key := range entryAppliedKeys(fields) {
		if key == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

// ApplyDelta implements Accounts.
func (r *AccountRepository) ApplyDelta(ctx context.Context, ownerID, accountNumber string, delta domain.Amount, idempotencyKey string) (domain.Amount, error) {
	doc, err := r.fetchOwnerDocument(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	idx, fields, err := findEntry(doc, accountNumber)
	if err != nil {
		return 0, err
	}

	balance, err := entryBalance(fields)
	if err != nil {
		return 0, err
	}

	if idempotencyKey != "" {
		for _, key := range entryAppliedKeys(fields) {
			if key == idempotencyKey {
				return balance, ErrAlreadyApplied
			}
		}
	}

	newBalance := balance + delta
	if delta < 0 && newBalance < 0 {
		return balance, fmt.Errorf("balance %d delta %d: %w", balance, delta, ErrInsufficientFunds)
	}

	// Rebuild the details array: untouched entries are carried over verbatim,
	// only the target entry gets a new balance and applied-key list.
	details := doc.Fields[fieldDetails].Elements()
	updated := make([]docstore.Value, len(details))
	copy(updated, details)

	newFields := make(map[string]docstore.Value, len(fields)+1)
	for k, v := range fields {
		newFields[k] = v
	}
	newFields[fieldBalance] = docstore.Integer(newBalance.Int64())
	if idempotencyKey != "" {
		keys := entryAppliedKeys(fields)
		keys = append(keys, idempotencyKey)
		if len(keys) > maxAppliedKeys {
			keys = keys[len(keys)-maxAppliedKeys:]
		}
		keyValues := make([]docstore.Value, len(keys))
		for i, k := range keys {
			keyValues[i] = docstore.String(k)
		}
		newFields[fieldAppliedTransfers] = docstore.Array(keyValues...)
	}
	updated[idx] = docstore.Map(newFields)

	_, err = r.client.Patch(ctx, r.ownerPath(ownerID), docstore.PatchOptions{
		FieldPaths:        []string{fieldDetails},
		RequireUpdateTime: doc.UpdateTime,
	}, map[string]docstore.Value{
		fieldDetails: docstore.Array(updated...),
	})
	if err != nil {
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			return balance, fmt.Errorf("owner %s changed since read: %w", ownerID, ErrConcurrentModification)
		}
		return balance, err
	}
	return newBalance, nil
}
