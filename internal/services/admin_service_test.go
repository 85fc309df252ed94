package services

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newAdminHarness(t *testing.T) (*AdminService, *LimitService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewWalletStore(db)
	limits := NewLimitService(db, store)
	return NewAdminService(db, store, limits), limits, mock
}

func TestAdminService_SetTierLimit(t *testing.T) {
	t.Run("updates the limit and records the change", func(t *testing.T) {
		service, limits, mock := newAdminHarness(t)

		// Warm the tier cache so we can observe the invalidation.
		expectTierLoad(mock)
		_, err := limits.activeTiers(context.Background())
		assert.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT daily_limit FROM spending_tiers WHERE tier_name = \\$1 FOR UPDATE").
			WithArgs("ESTABLISHED").
			WillReturnRows(sqlmock.NewRows([]string{"daily_limit"}).AddRow("50000.00"))
		mock.ExpectExec("UPDATE spending_tiers SET daily_limit").
			WithArgs(decimal.NewFromInt(75000), "ESTABLISHED").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO admin_audit").
			WithArgs("admin-1", "ESTABLISHED", "50000.00", "75000.00").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		oldLimit, newLimit, err := service.SetTierLimit(context.Background(), "ESTABLISHED", "admin-1", decimal.NewFromInt(75000))
		assert.NoError(t, err)
		assert.True(t, oldLimit.Equal(decimal.NewFromInt(50000)))
		assert.True(t, newLimit.Equal(decimal.NewFromInt(75000)))

		// The cached configuration was dropped, so the next read hits the
		// database again.
		expectTierLoad(mock)
		_, err = limits.activeTiers(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown tier", func(t *testing.T) {
		service, _, mock := newAdminHarness(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT daily_limit FROM spending_tiers WHERE tier_name = \\$1 FOR UPDATE").
			WithArgs("PLATINUM").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, _, err := service.SetTierLimit(context.Background(), "PLATINUM", "admin-1", decimal.NewFromInt(10))
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestAdminService_HandleSetTierLimit(t *testing.T) {
	newRequest := func(tierName, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPut, "/admin/tiers/"+tierName+"/limit", strings.NewReader(body))
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("tierName", tierName)
		ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
		return req.WithContext(context.WithValue(ctx, "userID", "admin-1"))
	}

	t.Run("missing tier maps to not found", func(t *testing.T) {
		service, _, mock := newAdminHarness(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT daily_limit FROM spending_tiers WHERE tier_name = \\$1 FOR UPDATE").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		rec := httptest.NewRecorder()
		service.HandleSetTierLimit(rec, newRequest("PLATINUM", `{"dailyLimit":"100"}`))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("non-positive limit rejected", func(t *testing.T) {
		service, _, _ := newAdminHarness(t)

		rec := httptest.NewRecorder()
		service.HandleSetTierLimit(rec, newRequest("ESTABLISHED", `{"dailyLimit":"-5"}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminService_HandleProvisionWallet(t *testing.T) {
	service, _, mock := newAdminHarness(t)

	mock.ExpectExec("INSERT INTO wallet_accounts").
		WithArgs("acct-new", decimal.Zero, "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO admin_audit").
		WithArgs("admin-1", "acct-new").
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodPost, "/admin/wallets", strings.NewReader(`{"accountId":"acct-new"}`))
	req = req.WithContext(context.WithValue(req.Context(), "userID", "admin-1"))
	rec := httptest.NewRecorder()

	service.HandleProvisionWallet(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminService_HandleListTiers(t *testing.T) {
	service, _, mock := newAdminHarness(t)

	mock.ExpectQuery("SELECT tier_name, daily_limit, min_account_age_days, active, updated_at FROM spending_tiers ORDER BY min_account_age_days").
		WillReturnRows(sqlmock.NewRows([]string{"tier_name", "daily_limit", "min_account_age_days", "active", "updated_at"}).
			AddRow("NEW_ACCOUNT", "3000.00", 0, true, time.Now()).
			AddRow("ESTABLISHED", "50000.00", 7, true, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/admin/tiers", nil)
	rec := httptest.NewRecorder()

	service.HandleListTiers(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ESTABLISHED")
	assert.NoError(t, mock.ExpectationsWereMet())
}
