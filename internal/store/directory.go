package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerbridge/transfer-service/pkg/docstore"
)

// AccountDirectory resolves account numbers to owner documents for accounts
// this institution holds. Directory documents live at
// `<collection>/<accountNumber>` with a single `ownerId` field, written when
// the account is provisioned.
type AccountDirectory struct {
	client     *docstore.Client
	collection string
}

func NewAccountDirectory(client *docstore.Client, collection string) *AccountDirectory {
	return &AccountDirectory{client: client, collection: collection}
}

// FindOwnerByAccountNumber implements Directory.
func (d *AccountDirectory) FindOwnerByAccountNumber(ctx context.Context, accountNumber string) (string, error) {
	doc, err := d.client.Get(ctx, d.collection+"/"+accountNumber)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", fmt.Errorf("account %s has no directory entry: %w", accountNumber, ErrAccountNotFound)
		}
		return "", err
	}
	ownerID, ok := doc.Fields["ownerId"].AsString()
	if !ok || ownerID == "" {
		return "", fmt.Errorf("directory entry for %s has no owner: %w", accountNumber, ErrAccountNotFound)
	}
	return ownerID, nil
}
