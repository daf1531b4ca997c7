/**
 * @description
 * PostgreSQL implementation of the transfer journal. The journal is this
 * institution's local record of every transfer lifecycle: it is what makes
 * repeated submissions replayable, gives the expiry sweeper its candidate
 * set, and feeds the operator reconciliation report. Account balances never
 * live here; the ledger document store stays authoritative for money.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: Transfer identifiers.
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ledgerbridge/transfer-service/internal/domain"
)

// PostgresJournal is a concrete implementation of the Journal interface for
// PostgreSQL.
type PostgresJournal struct {
	db *pgxpool.Pool
}

// NewPostgresJournal creates a new journal over the given pool.
func NewPostgresJournal(db *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// EnsureSchema creates the transfers table when it does not exist yet. The
// deployment normally migrates the schema out of band; this keeps local and
// test environments bootable.
func (r *PostgresJournal) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transfers (
			id UUID PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			source_owner_id TEXT NOT NULL,
			source_account_number TEXT NOT NULL,
			destination_owner_id TEXT NOT NULL DEFAULT '',
			destination_account_number TEXT NOT NULL,
			routing_code TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			relay_ticket_id TEXT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

const transferColumns = `
	id, idempotency_key, kind, state,
	source_owner_id, source_account_number,
	destination_owner_id, destination_account_number,
	routing_code, amount, relay_ticket_id, failure_reason,
	created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var amount int64
	err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.Kind, &t.State,
		&t.SourceOwnerID, &t.SourceAccountNumber,
		&t.DestinationOwnerID, &t.DestinationAccountNumber,
		&t.RoutingCode, &amount, &t.RelayTicketID, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	t.Amount = domain.Amount(amount)
	return &t, nil
}

// CreateTransfer implements Journal. A conflict on the idempotency key maps
// to ErrDuplicateTransfer so the coordinator replays the recorded transfer.
func (r *PostgresJournal) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (
			id, idempotency_key, kind, state,
			source_owner_id, source_account_number,
			destination_owner_id, destination_account_number,
			routing_code, amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`
	_, err := r.db.Exec(ctx, query,
		t.ID, t.IdempotencyKey, t.Kind, t.State,
		t.SourceOwnerID, t.SourceAccountNumber,
		t.DestinationOwnerID, t.DestinationAccountNumber,
		t.RoutingCode, t.Amount.Int64(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransfer
		}
		return err
	}
	return nil
}

// FindTransferByID implements Journal.
func (r *PostgresJournal) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, id))
}

// FindTransferByIdempotencyKey implements Journal.
func (r *PostgresJournal) FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE idempotency_key = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, key))
}

// UpdateTransferState implements Journal.
func (r *PostgresJournal) UpdateTransferState(ctx context.Context, id uuid.UUID, state string, failureReason *string) error {
	query := `
		UPDATE transfers
		SET state = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, state, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// SetRelayTicket implements Journal.
func (r *PostgresJournal) SetRelayTicket(ctx context.Context, id uuid.UUID, relayTicketID string) error {
	query := `UPDATE transfers SET relay_ticket_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, relayTicketID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// ListTransfersBySourceOwner implements Journal.
func (r *PostgresJournal) ListTransfersBySourceOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE source_owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// ListPendingRelayTransfers implements Journal.
func (r *PostgresJournal) ListPendingRelayTransfers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE kind = $1 AND state = $2 AND created_at <= $3
		ORDER BY created_at ASC
		LIMIT $4`
	rows, err := r.db.Query(ctx, query, domain.TransferKindRelay, domain.TransferStatePendingRelay, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// CompleteRelayTransferByTicket implements Journal.
func (r *PostgresJournal) CompleteRelayTransferByTicket(ctx context.Context, relayTicketID string) error {
	query := `
		UPDATE transfers
		SET state = $2, updated_at = NOW()
		WHERE relay_ticket_id = $1 AND state = $3`
	tag, err := r.db.Exec(ctx, query, relayTicketID, domain.TransferStateCompleted, domain.TransferStatePendingRelay)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}
