package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paydeck/backend/internal/models"
	"github.com/shopspring/decimal"
)

// LimitInfo is the result of a limit enquiry.
type LimitInfo struct {
	TierName       string          `json:"tier_name"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	AccountAgeDays int             `json:"account_age_days"`
}

// LimitService evaluates the daily spending ceiling for an account and tracks
// per-day usage. Tier configuration is cached in memory and reloaded on
// administrative update or TTL expiry.
type LimitService struct {
	db    *sql.DB
	store *WalletStore

	mu       sync.RWMutex
	tiers    []models.SpendingTier // active tiers, ordered by min age descending
	version  int
	loadedAt time.Time
	cacheTTL time.Duration
}

func NewLimitService(db *sql.DB, store *WalletStore) *LimitService {
	return &LimitService{
		db:       db,
		store:    store,
		cacheTTL: time.Minute,
	}
}

// InvalidateTiers drops the cached tier configuration. Called after an
// administrative limit change.
func (ls *LimitService) InvalidateTiers() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.tiers = nil
	ls.version++
}

func (ls *LimitService) activeTiers(ctx context.Context) ([]models.SpendingTier, error) {
	ls.mu.RLock()
	if ls.tiers != nil && time.Since(ls.loadedAt) < ls.cacheTTL {
		tiers := ls.tiers
		ls.mu.RUnlock()
		return tiers, nil
	}
	ls.mu.RUnlock()

	rows, err := ls.db.QueryContext(ctx, `
		SELECT tier_name, daily_limit, min_account_age_days, active, updated_at
		FROM spending_tiers
		WHERE active = TRUE
		ORDER BY min_account_age_days DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load spending tiers: %w", err)
	}
	defer rows.Close()

	var tiers []models.SpendingTier
	for rows.Next() {
		var tier models.SpendingTier
		if err := rows.Scan(&tier.TierName, &tier.DailyLimit, &tier.MinAccountAgeDays, &tier.Active, &tier.UpdatedAt); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ls.mu.Lock()
	ls.tiers = tiers
	ls.loadedAt = time.Now()
	ls.version++
	ls.mu.Unlock()

	return tiers, nil
}

// tierFor selects the tier with the greatest min_account_age_days not
// exceeding the account's age. Falls back to the base tier if no tier matches
// (misconfiguration).
func (ls *LimitService) tierFor(ctx context.Context, ageDays int) (*models.SpendingTier, error) {
	tiers, err := ls.activeTiers(ctx)
	if err != nil {
		return nil, err
	}

	for i := range tiers {
		if tiers[i].MinAccountAgeDays <= ageDays {
			return &tiers[i], nil
		}
	}

	for i := range tiers {
		if tiers[i].TierName == models.BaseTierName {
			log.Printf("[LIMIT] No tier matches age %d days, falling back to %s", ageDays, models.BaseTierName)
			return &tiers[i], nil
		}
	}

	return nil, fmt.Errorf("no applicable spending tier for account age %d days", ageDays)
}

// GetLimit returns the current daily ceiling for an account.
func (ls *LimitService) GetLimit(ctx context.Context, accountID string) (*LimitInfo, error) {
	account, err := ls.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ageDays := account.AgeDays(time.Now())
	tier, err := ls.tierFor(ctx, ageDays)
	if err != nil {
		return nil, err
	}

	return &LimitInfo{
		TierName:       tier.TierName,
		DailyLimit:     tier.DailyLimit,
		AccountAgeDays: ageDays,
	}, nil
}

// GetUsage returns the recorded spend for (account, date). A missing row
// reads as zero usage.
func (ls *LimitService) GetUsage(ctx context.Context, accountID string, date time.Time) (*models.DailyUsage, error) {
	usage := &models.DailyUsage{
		AccountID:  accountID,
		UsageDate:  date,
		TotalSpent: decimal.Zero,
	}
	err := ls.db.QueryRowContext(ctx, `
		SELECT total_spent, transaction_count, last_transaction_at
		FROM daily_usage
		WHERE account_id = $1 AND usage_date = $2
	`, accountID, date.Format("2006-01-02")).Scan(&usage.TotalSpent, &usage.TransactionCount, &usage.LastTransactionAt)
	if err == sql.ErrNoRows {
		return usage, nil
	}
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// CheckWouldExceedTx evaluates current spend + amount against the account's
// tier ceiling, reading usage on the caller's transaction. Equal-or-less
// allows; strictly greater denies.
func (ls *LimitService) CheckWouldExceedTx(ctx context.Context, tx *sql.Tx, account *models.WalletAccount, amount decimal.Decimal, date time.Time) (decimal.Decimal, error) {
	tier, err := ls.tierFor(ctx, account.AgeDays(time.Now()))
	if err != nil {
		return decimal.Zero, err
	}

	var currentSpent decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT total_spent FROM daily_usage WHERE account_id = $1 AND usage_date = $2
	`, account.AccountID, date.Format("2006-01-02")).Scan(&currentSpent)
	if err == sql.ErrNoRows {
		currentSpent = decimal.Zero
	} else if err != nil {
		return decimal.Zero, err
	}

	wouldBeTotal := currentSpent.Add(amount)
	if wouldBeTotal.GreaterThan(tier.DailyLimit) {
		return decimal.Zero, &LimitExceededError{
			TierName:     tier.TierName,
			DailyLimit:   tier.DailyLimit,
			CurrentSpent: currentSpent,
			WouldBeTotal: wouldBeTotal,
		}
	}

	return tier.DailyLimit.Sub(wouldBeTotal), nil
}

// RecordSpendTx upserts the day's running total on the caller's transaction,
// so a debit that rolls back leaves no recorded spend behind.
func (ls *LimitService) RecordSpendTx(ctx context.Context, tx *sql.Tx, accountID string, amount decimal.Decimal, date time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO daily_usage (account_id, usage_date, total_spent, transaction_count, last_transaction_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (account_id, usage_date)
		DO UPDATE SET total_spent = daily_usage.total_spent + EXCLUDED.total_spent,
		              transaction_count = daily_usage.transaction_count + 1,
		              last_transaction_at = NOW()
	`, accountID, date.Format("2006-01-02"), amount)
	if err != nil {
		return fmt.Errorf("failed to record spend for account %s: %w", accountID, err)
	}
	return nil
}
