package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestWalletStore_DebitTx(t *testing.T) {
	accountRows := func(balance string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"account_id", "balance", "status", "created_at", "updated_at"}).
			AddRow("acct-1", balance, "ACTIVE", time.Now().Add(-48*time.Hour), time.Now())
	}

	t.Run("successful debit returns before and after", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT account_id, balance, status, created_at, updated_at FROM wallet_accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(accountRows("5000.00"))
		mock.ExpectExec("UPDATE wallet_accounts SET balance = \\$1, updated_at = NOW\\(\\) WHERE account_id = \\$2").
			WithArgs(decimal.RequireFromString("3000.00"), "acct-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, _ := db.Begin()
		before, after, err := store.DebitTx(context.Background(), tx, "acct-1", decimal.NewFromInt(2000))
		assert.NoError(t, err)
		assert.True(t, before.Equal(decimal.NewFromInt(5000)))
		assert.True(t, after.Equal(decimal.NewFromInt(3000)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit equal to balance leaves zero", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(accountRows("100.00"))
		mock.ExpectExec("UPDATE wallet_accounts SET balance = \\$1").
			WithArgs(decimal.RequireFromString("0.00"), "acct-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, _ := db.Begin()
		_, after, err := store.DebitTx(context.Background(), tx, "acct-1", decimal.NewFromInt(100))
		assert.NoError(t, err)
		assert.True(t, after.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds checked after row lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(accountRows("100.00"))

		tx, _ := db.Begin()
		before, _, err := store.DebitTx(context.Background(), tx, "acct-1", decimal.NewFromInt(101))

		var insufficient *InsufficientFundsError
		assert.ErrorAs(t, err, &insufficient)
		assert.True(t, insufficient.Balance.Equal(decimal.NewFromInt(100)))
		assert.True(t, before.Equal(decimal.NewFromInt(100)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected before any lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)

		mock.ExpectBegin()
		tx, _ := db.Begin()

		_, _, err = store.DebitTx(context.Background(), tx, "acct-1", decimal.Zero)
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, _, err = store.DebitTx(context.Background(), tx, "acct-1", decimal.NewFromInt(-50))
		assert.ErrorIs(t, err, ErrInvalidAmount)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletStore_CreditTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewWalletStore(db)

	t.Run("credit adds to balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "status", "created_at", "updated_at"}).
				AddRow("acct-1", "250.50", "ACTIVE", time.Now(), time.Now()))
		mock.ExpectExec("UPDATE wallet_accounts SET balance = \\$1").
			WithArgs(decimal.RequireFromString("1250.50"), "acct-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, _ := db.Begin()
		before, after, err := store.CreditTx(context.Background(), tx, "acct-1", decimal.NewFromInt(1000))
		assert.NoError(t, err)
		assert.True(t, before.Equal(decimal.RequireFromString("250.50")))
		assert.True(t, after.Equal(decimal.RequireFromString("1250.50")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletStore_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewWalletStore(db)

	t.Run("returns balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM wallet_accounts WHERE account_id = \\$1").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("42.00"))

		balance, err := store.GetBalance(context.Background(), "acct-1")
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(42)))
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM wallet_accounts WHERE account_id = \\$1").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := store.GetBalance(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
