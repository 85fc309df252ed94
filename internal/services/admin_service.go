package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paydeck/backend/internal/models"
	"github.com/shopspring/decimal"
)

// AdminService is the administrative surface: tier limit changes and wallet
// provisioning. Every mutation writes an admin_audit record, separate from
// the transaction ledger.
type AdminService struct {
	db        *sql.DB
	store     *WalletStore
	limits    *LimitService
	validator *ValidationHelper
}

func NewAdminService(db *sql.DB, store *WalletStore, limits *LimitService) *AdminService {
	return &AdminService{
		db:        db,
		store:     store,
		limits:    limits,
		validator: NewValidationHelper(),
	}
}

type setTierLimitPayload struct {
	DailyLimit decimal.Decimal `json:"dailyLimit" validate:"required"`
}

// HandleSetTierLimit updates a tier's daily limit
// @Summary Update a spending tier's daily limit
// @Tags admin
// @Accept json
// @Produce json
// @Param tierName path string true "Tier name"
// @Param limit body setTierLimitPayload true "New daily limit"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /admin/tiers/{tierName}/limit [put]
func (s *AdminService) HandleSetTierLimit(w http.ResponseWriter, r *http.Request) {
	tierName := chi.URLParam(r, "tierName")
	adminID := adminFromContext(r)

	var payload setTierLimitPayload
	if !decodeAdminBody(w, r, s.validator, &payload) {
		return
	}
	if !payload.DailyLimit.IsPositive() {
		SendErrorResponse(w, "dailyLimit must be greater than zero", http.StatusBadRequest, nil)
		return
	}

	oldLimit, newLimit, err := s.SetTierLimit(r.Context(), tierName, adminID, payload.DailyLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			SendErrorResponse(w, "Tier not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[ADMIN] Failed to update tier %s: %v", tierName, err)
		SendErrorResponse(w, "Failed to update tier limit", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tierName": tierName,
		"oldLimit": oldLimit,
		"newLimit": newLimit,
	})
}

// SetTierLimit swaps the daily limit on a tier and records the change in the
// administrative audit log, both inside one transaction. The tier cache is
// invalidated after commit.
func (s *AdminService) SetTierLimit(ctx context.Context, tierName, adminID string, newLimit decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer tx.Rollback()

	var oldLimit decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT daily_limit FROM spending_tiers WHERE tier_name = $1 FOR UPDATE
	`, tierName).Scan(&oldLimit)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE spending_tiers SET daily_limit = $1, updated_at = NOW() WHERE tier_name = $2
	`, newLimit, tierName); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO admin_audit (admin_id, action, target, old_value, new_value)
		VALUES ($1, 'SET_TIER_LIMIT', $2, $3, $4)
	`, adminID, tierName, oldLimit.StringFixed(2), newLimit.StringFixed(2)); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	s.limits.InvalidateTiers()
	log.Printf("[ADMIN] Tier %s daily limit changed %s -> %s by %s",
		tierName, oldLimit.StringFixed(2), newLimit.StringFixed(2), adminID)
	return oldLimit, newLimit, nil
}

// HandleListTiers returns all spending tiers
// @Summary List spending tiers
// @Tags admin
// @Produce json
// @Success 200 {array} models.SpendingTier
// @Router /admin/tiers [get]
func (s *AdminService) HandleListTiers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT tier_name, daily_limit, min_account_age_days, active, updated_at
		FROM spending_tiers
		ORDER BY min_account_age_days
	`)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch tiers", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	tiers := []models.SpendingTier{}
	for rows.Next() {
		var tier models.SpendingTier
		if err := rows.Scan(&tier.TierName, &tier.DailyLimit, &tier.MinAccountAgeDays, &tier.Active, &tier.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch tiers", http.StatusInternalServerError, nil)
			return
		}
		tiers = append(tiers, tier)
	}

	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers, "count": len(tiers)})
}

type provisionPayload struct {
	AccountID string `json:"accountId" validate:"omitempty,max=36"`
}

// HandleProvisionWallet creates a wallet account row
// @Summary Provision a wallet account
// @Tags admin
// @Accept json
// @Produce json
// @Param wallet body provisionPayload true "Wallet data"
// @Success 201 {object} models.WalletAccount
// @Router /admin/wallets [post]
func (s *AdminService) HandleProvisionWallet(w http.ResponseWriter, r *http.Request) {
	adminID := adminFromContext(r)

	var payload provisionPayload
	if !decodeAdminBody(w, r, s.validator, &payload) {
		return
	}

	accountID := payload.AccountID
	if accountID == "" {
		accountID = uuid.NewString()
	}

	account, err := s.store.CreateAccount(r.Context(), accountID)
	if err != nil {
		log.Printf("[ADMIN] Failed to provision wallet %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to provision wallet", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.db.ExecContext(r.Context(), `
		INSERT INTO admin_audit (admin_id, action, target, old_value, new_value)
		VALUES ($1, 'PROVISION_WALLET', $2, '', 'ACTIVE')
	`, adminID, accountID); err != nil {
		log.Printf("[ADMIN] Failed to record provisioning audit for %s: %v", accountID, err)
	}

	writeJSON(w, http.StatusCreated, account)
}

func adminFromContext(r *http.Request) string {
	if userID, ok := r.Context().Value("userID").(string); ok && userID != "" {
		return userID
	}
	return "unknown"
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, v *ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := v.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
