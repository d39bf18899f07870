package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists bridge transactions in Postgres. Status transitions are
// guarded UPDATEs conditioned on the current status, so replayed events and
// concurrent workers collapse into no-ops instead of double-applying.
type Store struct {
	db *sql.DB
}

// NewStore creates a bridge transaction store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const txColumns = `id, account_id, direction, amount, fee, chain, external_address,
	status, COALESCE(external_ref, ''), attempts, next_retry_at, COALESCE(error, ''),
	refunded_at, created_at, updated_at, completed_at`

func scanTx(row interface{ Scan(...interface{}) error }) (*Transaction, error) {
	var tx Transaction
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Direction, &tx.Amount, &tx.Fee,
		&tx.Chain, &tx.ExternalAddress, &tx.Status, &tx.ExternalRef, &tx.Attempts,
		&tx.NextRetryAt, &tx.Error, &tx.RefundedAt, &tx.CreatedAt, &tx.UpdatedAt,
		&tx.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateInTx inserts a transaction inside a caller-owned SQL transaction, so
// the insert commits atomically with the ledger mutation.
func (s *Store) CreateInTx(ctx context.Context, sqlTx *sql.Tx, tx *Transaction) error {
	var externalRef, errMsg *string
	if tx.ExternalRef != "" {
		externalRef = &tx.ExternalRef
	}
	if tx.Error != "" {
		errMsg = &tx.Error
	}

	_, err := sqlTx.ExecContext(ctx,
		`INSERT INTO bridge_transactions
		 (id, account_id, direction, amount, fee, chain, external_address, status,
		  external_ref, attempts, error, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tx.ID, tx.AccountID, tx.Direction, tx.Amount, tx.Fee, tx.Chain,
		tx.ExternalAddress, tx.Status, externalRef, tx.Attempts, errMsg,
		tx.CreatedAt, tx.UpdatedAt, tx.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bridge transaction: %w", err)
	}
	return nil
}

// Create inserts a transaction in its own SQL transaction.
func (s *Store) Create(ctx context.Context, tx *Transaction) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.CreateInTx(ctx, sqlTx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Get retrieves a transaction by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	tx, err := scanTx(s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM bridge_transactions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge transaction: %w", err)
	}
	return tx, nil
}

// GetByExternalRef retrieves a transaction by chain, external reference and
// direction. This is the idempotency lookup for burn proofs.
func (s *Store) GetByExternalRef(ctx context.Context, chainID, externalRef, direction string) (*Transaction, error) {
	tx, err := scanTx(s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM bridge_transactions
		 WHERE chain = $1 AND external_ref = $2 AND direction = $3`,
		chainID, externalRef, direction))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge transaction by ref: %w", err)
	}
	return tx, nil
}

// MarkSubmitted records the external reference of a submitted mint. The
// transaction stays locked until the confirmation event arrives.
func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID, externalRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bridge_transactions SET external_ref = $1, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		externalRef, time.Now(), id, StatusLocked,
	)
	if err != nil {
		return fmt.Errorf("failed to mark submitted: %w", err)
	}
	return nil
}

// MarkMinted moves a locked transaction to minted. Returns false when the
// transaction was not in the locked state, which makes replays no-ops.
func (s *Store) MarkMinted(ctx context.Context, id uuid.UUID, externalRef string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE bridge_transactions
		 SET status = $1, external_ref = COALESCE(NULLIF(external_ref, ''), $2),
		     updated_at = $3, completed_at = $3
		 WHERE id = $4 AND status = $5`,
		StatusMinted, externalRef, now, id, StatusLocked,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark minted: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkUnlockedInTx moves a pending inbound transaction to unlocked inside a
// caller-owned SQL transaction. Returns false when another worker got there
// first.
func (s *Store) MarkUnlockedInTx(ctx context.Context, sqlTx *sql.Tx, id uuid.UUID) (bool, error) {
	now := time.Now()
	result, err := sqlTx.ExecContext(ctx,
		`UPDATE bridge_transactions SET status = $1, updated_at = $2, completed_at = $2
		 WHERE id = $3 AND status = $4`,
		StatusUnlocked, now, id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark unlocked: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkFailed moves a transaction to the failed terminal state with the error.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE bridge_transactions SET status = $1, error = $2, updated_at = $3, completed_at = $3
		 WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
		StatusFailed, cause, now, id, StatusMinted, StatusUnlocked, StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RecordAttempt bumps the attempt counter and schedules the next retry.
func (s *Store) RecordAttempt(ctx context.Context, id uuid.UUID, cause string, nextRetry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bridge_transactions
		 SET attempts = attempts + 1, error = $1, next_retry_at = $2, updated_at = $3
		 WHERE id = $4`,
		cause, nextRetry, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// MarkRefundedInTx stamps a failed lock as refunded inside a caller-owned
// SQL transaction. The WHERE guard makes a second refund a no-op.
func (s *Store) MarkRefundedInTx(ctx context.Context, sqlTx *sql.Tx, id uuid.UUID) (bool, error) {
	result, err := sqlTx.ExecContext(ctx,
		`UPDATE bridge_transactions SET refunded_at = $1, updated_at = $1
		 WHERE id = $2 AND status = $3 AND direction = $4 AND refunded_at IS NULL`,
		time.Now(), id, StatusFailed, DirectionLock,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark refunded: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// UnsubmittedOutbound returns locked outbound transactions without an
// external reference whose retry time has come.
func (s *Store) UnsubmittedOutbound(ctx context.Context, limit int) ([]Transaction, error) {
	return s.queryTxs(ctx,
		`SELECT `+txColumns+` FROM bridge_transactions
		 WHERE direction = $1 AND status = $2 AND COALESCE(external_ref, '') = ''
		   AND (next_retry_at IS NULL OR next_retry_at <= $3)
		 ORDER BY created_at LIMIT $4`,
		DirectionLock, StatusLocked, time.Now(), limit)
}

// PendingInbound returns inbound transactions awaiting burn verification
// whose retry time has come.
func (s *Store) PendingInbound(ctx context.Context, limit int) ([]Transaction, error) {
	return s.queryTxs(ctx,
		`SELECT `+txColumns+` FROM bridge_transactions
		 WHERE direction = $1 AND status = $2
		   AND (next_retry_at IS NULL OR next_retry_at <= $3)
		 ORDER BY created_at LIMIT $4`,
		DirectionUnlock, StatusPending, time.Now(), limit)
}

// FailedUnrefunded returns failed outbound locks still awaiting their
// compensating credit.
func (s *Store) FailedUnrefunded(ctx context.Context, limit int) ([]Transaction, error) {
	return s.queryTxs(ctx,
		`SELECT `+txColumns+` FROM bridge_transactions
		 WHERE direction = $1 AND status = $2 AND refunded_at IS NULL
		 ORDER BY created_at LIMIT $3`,
		DirectionLock, StatusFailed, limit)
}

func (s *Store) queryTxs(ctx context.Context, query string, args ...interface{}) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bridge transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}
