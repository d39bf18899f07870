package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewLedger(db, nil), mock, func() { db.Close() }
}

func TestDebit(t *testing.T) {
	accountID := uuid.New()

	t.Run("decrements balance and writes entry in one transaction", func(t *testing.T) {
		l, mock, cleanup := newMockLedger(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts SET balance = balance -").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("75"))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		entry, err := l.Debit(context.Background(), accountID, decimal.NewFromInt(25), "bridge_lock", nil)
		require.NoError(t, err)
		assert.True(t, entry.Delta.Equal(decimal.NewFromInt(-25)))
		assert.True(t, entry.Balance.Equal(decimal.NewFromInt(75)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance leaves no entry", func(t *testing.T) {
		l, mock, cleanup := newMockLedger(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts SET balance = balance -").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := l.Debit(context.Background(), accountID, decimal.NewFromInt(500), "bridge_lock", nil)
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		l, mock, cleanup := newMockLedger(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts SET balance = balance -").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		_, err := l.Debit(context.Background(), accountID, decimal.NewFromInt(10), "bridge_lock", nil)
		assert.True(t, errors.Is(err, ErrAccountNotFound))
	})

	t.Run("rejects non-positive amounts before touching the database", func(t *testing.T) {
		l, mock, cleanup := newMockLedger(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := l.Debit(context.Background(), accountID, decimal.Zero, "bridge_lock", nil)
		assert.True(t, errors.Is(err, ErrInvalidAmount))

		_, err = l.Debit(context.Background(), accountID, decimal.NewFromInt(-5), "bridge_lock", nil)
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	})
}

func TestCredit(t *testing.T) {
	accountID := uuid.New()

	t.Run("increments balance and writes entry", func(t *testing.T) {
		l, mock, cleanup := newMockLedger(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts SET balance = balance \+`).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("130"))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		entry, err := l.Credit(context.Background(), accountID, decimal.NewFromInt(30), "bridge_unlock", nil)
		require.NoError(t, err)
		assert.True(t, entry.Delta.Equal(decimal.NewFromInt(30)))
		assert.True(t, entry.Balance.Equal(decimal.NewFromInt(130)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		l, mock, cleanup := newMockLedger(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts SET balance = balance \+`).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectRollback()

		_, err := l.Credit(context.Background(), accountID, decimal.NewFromInt(30), "bridge_unlock", nil)
		assert.True(t, errors.Is(err, ErrAccountNotFound))
	})
}

func TestGetAccount(t *testing.T) {
	l, mock, cleanup := newMockLedger(t)
	defer cleanup()

	accountID := uuid.New()
	mock.ExpectQuery("SELECT id, balance, created_at, updated_at FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "created_at", "updated_at"}))

	_, err := l.GetAccount(context.Background(), accountID)
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}
