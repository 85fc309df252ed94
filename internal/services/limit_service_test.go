package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paydeck/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func tierRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"tier_name", "daily_limit", "min_account_age_days", "active", "updated_at"}).
		AddRow("ESTABLISHED", "50000.00", 7, true, time.Now()).
		AddRow(models.BaseTierName, "3000.00", 0, true, time.Now())
}

func expectTierLoad(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT tier_name, daily_limit, min_account_age_days, active, updated_at FROM spending_tiers WHERE active = TRUE").
		WillReturnRows(tierRows())
}

func TestLimitService_GetLimit(t *testing.T) {
	t.Run("new account gets the base tier", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)
		service := NewLimitService(db, store)

		mock.ExpectQuery("SELECT account_id, balance, status, created_at, updated_at FROM wallet_accounts WHERE account_id = \\$1").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "status", "created_at", "updated_at"}).
				AddRow("acct-1", "5000.00", "ACTIVE", time.Now().Add(-6*time.Hour), time.Now()))
		expectTierLoad(mock)

		info, err := service.GetLimit(context.Background(), "acct-1")
		assert.NoError(t, err)
		assert.Equal(t, models.BaseTierName, info.TierName)
		assert.Equal(t, 0, info.AccountAgeDays)
		assert.True(t, info.DailyLimit.Equal(decimal.NewFromInt(3000)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("established account gets the higher tier", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)
		service := NewLimitService(db, store)

		mock.ExpectQuery("SELECT account_id, balance, status, created_at, updated_at FROM wallet_accounts WHERE account_id = \\$1").
			WithArgs("acct-2").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "status", "created_at", "updated_at"}).
				AddRow("acct-2", "5000.00", "ACTIVE", time.Now().Add(-30*24*time.Hour), time.Now()))
		expectTierLoad(mock)

		info, err := service.GetLimit(context.Background(), "acct-2")
		assert.NoError(t, err)
		assert.Equal(t, "ESTABLISHED", info.TierName)
		assert.Equal(t, 30, info.AccountAgeDays)
		assert.True(t, info.DailyLimit.Equal(decimal.NewFromInt(50000)))
	})

	t.Run("falls back to base tier on misconfiguration", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		store := NewWalletStore(db)
		service := NewLimitService(db, store)

		// No tier covers age zero except the designated base tier.
		mock.ExpectQuery("SELECT account_id, balance, status, created_at, updated_at FROM wallet_accounts WHERE account_id = \\$1").
			WithArgs("acct-3").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "status", "created_at", "updated_at"}).
				AddRow("acct-3", "5000.00", "ACTIVE", time.Now(), time.Now()))
		mock.ExpectQuery("SELECT tier_name, daily_limit, min_account_age_days, active, updated_at FROM spending_tiers WHERE active = TRUE").
			WillReturnRows(sqlmock.NewRows([]string{"tier_name", "daily_limit", "min_account_age_days", "active", "updated_at"}).
				AddRow("ESTABLISHED", "50000.00", 7, true, time.Now()).
				AddRow(models.BaseTierName, "3000.00", 3, true, time.Now()))

		info, err := service.GetLimit(context.Background(), "acct-3")
		assert.NoError(t, err)
		assert.Equal(t, models.BaseTierName, info.TierName)
	})
}

func TestLimitService_CheckWouldExceedTx(t *testing.T) {
	newAccount := &models.WalletAccount{
		AccountID: "acct-1",
		CreatedAt: time.Now(),
	}
	today := time.Now()

	setup := func(t *testing.T) (*LimitService, sqlmock.Sqlmock, *sql.DB) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		service := NewLimitService(db, NewWalletStore(db))
		return service, mock, db
	}

	t.Run("equal to limit allows", func(t *testing.T) {
		service, mock, db := setup(t)

		mock.ExpectBegin()
		expectTierLoad(mock)
		mock.ExpectQuery("SELECT total_spent FROM daily_usage").
			WithArgs("acct-1", today.Format("2006-01-02")).
			WillReturnRows(sqlmock.NewRows([]string{"total_spent"}).AddRow("2000.00"))

		tx, err := db.Begin()
		assert.NoError(t, err)
		remaining, err := service.CheckWouldExceedTx(context.Background(), tx, newAccount, decimal.NewFromInt(1000), today)
		assert.NoError(t, err)
		assert.True(t, remaining.IsZero())
	})

	t.Run("strictly greater denies with figures", func(t *testing.T) {
		service, mock, db := setup(t)

		mock.ExpectBegin()
		expectTierLoad(mock)
		mock.ExpectQuery("SELECT total_spent FROM daily_usage").
			WithArgs("acct-1", today.Format("2006-01-02")).
			WillReturnRows(sqlmock.NewRows([]string{"total_spent"}).AddRow("2000.00"))

		tx, err := db.Begin()
		assert.NoError(t, err)
		_, err = service.CheckWouldExceedTx(context.Background(), tx, newAccount, decimal.NewFromInt(1500), today)

		var limitErr *LimitExceededError
		assert.ErrorAs(t, err, &limitErr)
		assert.Equal(t, models.BaseTierName, limitErr.TierName)
		assert.True(t, limitErr.DailyLimit.Equal(decimal.NewFromInt(3000)))
		assert.True(t, limitErr.CurrentSpent.Equal(decimal.NewFromInt(2000)))
		assert.True(t, limitErr.WouldBeTotal.Equal(decimal.NewFromInt(3500)))
	})

	t.Run("denial is monotonic in amount", func(t *testing.T) {
		service, mock, db := setup(t)

		mock.ExpectBegin()
		expectTierLoad(mock)
		mock.ExpectQuery("SELECT total_spent FROM daily_usage").
			WillReturnRows(sqlmock.NewRows([]string{"total_spent"}).AddRow("2000.00"))
		mock.ExpectQuery("SELECT total_spent FROM daily_usage").
			WillReturnRows(sqlmock.NewRows([]string{"total_spent"}).AddRow("2000.00"))

		tx, err := db.Begin()
		assert.NoError(t, err)
		_, errA := service.CheckWouldExceedTx(context.Background(), tx, newAccount, decimal.NewFromInt(1001), today)
		_, errB := service.CheckWouldExceedTx(context.Background(), tx, newAccount, decimal.NewFromInt(5000), today)

		var limitErr *LimitExceededError
		assert.ErrorAs(t, errA, &limitErr)
		assert.ErrorAs(t, errB, &limitErr)
	})

	t.Run("missing usage row reads as zero spend", func(t *testing.T) {
		service, mock, db := setup(t)

		mock.ExpectBegin()
		expectTierLoad(mock)
		mock.ExpectQuery("SELECT total_spent FROM daily_usage").
			WillReturnError(sql.ErrNoRows)

		tx, err := db.Begin()
		assert.NoError(t, err)
		remaining, err := service.CheckWouldExceedTx(context.Background(), tx, newAccount, decimal.NewFromInt(50), today)
		assert.NoError(t, err)
		assert.True(t, remaining.Equal(decimal.NewFromInt(2950)))
	})
}

func TestLimitService_RecordSpendTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLimitService(db, NewWalletStore(db))
	today := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO daily_usage").
		WithArgs("acct-1", today.Format("2006-01-02"), decimal.NewFromInt(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, _ := db.Begin()
	err = service.RecordSpendTx(context.Background(), tx, "acct-1", decimal.NewFromInt(2000), today)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLimitService_GetUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLimitService(db, NewWalletStore(db))
	today := time.Now()

	t.Run("existing record", func(t *testing.T) {
		mock.ExpectQuery("SELECT total_spent, transaction_count, last_transaction_at FROM daily_usage").
			WithArgs("acct-1", today.Format("2006-01-02")).
			WillReturnRows(sqlmock.NewRows([]string{"total_spent", "transaction_count", "last_transaction_at"}).
				AddRow("50.00", 1, time.Now()))

		usage, err := service.GetUsage(context.Background(), "acct-1", today)
		assert.NoError(t, err)
		assert.True(t, usage.TotalSpent.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, 1, usage.TransactionCount)
	})

	t.Run("empty day reads as zero", func(t *testing.T) {
		mock.ExpectQuery("SELECT total_spent, transaction_count, last_transaction_at FROM daily_usage").
			WithArgs("acct-1", today.Format("2006-01-02")).
			WillReturnRows(sqlmock.NewRows([]string{"total_spent", "transaction_count", "last_transaction_at"}))

		usage, err := service.GetUsage(context.Background(), "acct-1", today)
		assert.NoError(t, err)
		assert.True(t, usage.TotalSpent.IsZero())
		assert.Equal(t, 0, usage.TransactionCount)
	})
}
