package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger holds per-account balances. Every balance change is a single
// conditional UPDATE plus an entry row written in the same transaction, so
// the balance can never go negative and the audit trail can never diverge
// from the balance.
type Ledger struct {
	db        *sql.DB
	msgClient *messaging.Client
}

// Account represents a ledger account.
type Account struct {
	ID        uuid.UUID
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry is an immutable record of one balance change.
type Entry struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Delta     decimal.Decimal
	Balance   decimal.Decimal
	Reason    string
	BridgeTx  *uuid.UUID
	CreatedAt time.Time
}

// NewLedger creates a new ledger. msgClient may be nil in tests.
func NewLedger(db *sql.DB, msgClient *messaging.Client) *Ledger {
	return &Ledger{db: db, msgClient: msgClient}
}

// CreateAccount creates a new account with a zero balance.
func (l *Ledger) CreateAccount(ctx context.Context) (*Account, error) {
	account := &Account{
		ID:        uuid.New(),
		Balance:   decimal.Zero,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		account.ID, account.Balance, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return account, nil
}

// GetAccount retrieves an account.
func (l *Ledger) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	var account Account
	err := l.db.QueryRowContext(ctx,
		`SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&account.ID, &account.Balance, &account.CreatedAt, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// Debit atomically decrements the account balance and writes the entry.
func (l *Ledger) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := l.DebitInTx(ctx, tx, accountID, amount, reason, bridgeTx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	l.publishEntryEvent(ctx, entry)
	return entry, nil
}

// Credit atomically increments the account balance and writes the entry.
func (l *Ledger) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := l.CreditInTx(ctx, tx, accountID, amount, reason, bridgeTx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	l.publishEntryEvent(ctx, entry)
	return entry, nil
}

// DebitInTx performs the debit inside a caller-owned transaction. The balance
// check and the decrement are one conditional UPDATE, so concurrent debits on
// the same account cannot both pass the check.
func (l *Ledger) DebitInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*Entry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	var newBalance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = $2
		 WHERE id = $3 AND balance >= $1
		 RETURNING balance`,
		amount, time.Now(), accountID,
	).Scan(&newBalance)

	if err == sql.ErrNoRows {
		// Distinguish a missing account from a failed balance check.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check account: %w", err)
		}
		if !exists {
			return nil, ErrAccountNotFound
		}
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}

	return l.insertEntry(ctx, tx, accountID, amount.Neg(), newBalance, reason, bridgeTx)
}

// CreditInTx performs the credit inside a caller-owned transaction.
func (l *Ledger) CreditInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*Entry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	var newBalance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = $2
		 WHERE id = $3
		 RETURNING balance`,
		amount, time.Now(), accountID,
	).Scan(&newBalance)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	return l.insertEntry(ctx, tx, accountID, amount, newBalance, reason, bridgeTx)
}

func (l *Ledger) insertEntry(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, delta, balance decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*Entry, error) {
	entry := &Entry{
		ID:        uuid.New(),
		AccountID: accountID,
		Delta:     delta,
		Balance:   balance,
		Reason:    reason,
		BridgeTx:  bridgeTx,
		CreatedAt: time.Now(),
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta, balance, reason, bridge_tx_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.AccountID, entry.Delta, entry.Balance,
		entry.Reason, entry.BridgeTx, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry: %w", err)
	}

	return entry, nil
}

// GetEntries returns the most recent entries for an account.
func (l *Ledger) GetEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, account_id, delta, balance, reason, bridge_tx_id, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Delta, &entry.Balance,
			&entry.Reason, &entry.BridgeTx, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (l *Ledger) publishEntryEvent(ctx context.Context, entry *Entry) {
	if l.msgClient == nil {
		return
	}

	event := messaging.LedgerEntryEvent{
		EntryID:   entry.ID,
		AccountID: entry.AccountID,
		Delta:     entry.Delta.String(),
		Balance:   entry.Balance.String(),
		Reason:    entry.Reason,
		Timestamp: entry.CreatedAt,
	}
	if entry.BridgeTx != nil {
		event.BridgeTx = entry.BridgeTx.String()
	}

	if err := l.msgClient.Publish(ctx, messaging.SubjectLedgerEntry, event); err != nil {
		log.Printf("ledger: failed to publish entry event: %v", err)
	}
}
