package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BaseTierName is the tier explicitly designated for brand-new accounts.
// It is the fallback when no active tier matches an account's age.
const BaseTierName = "NEW_ACCOUNT"

// SpendingTier is a named daily-limit bracket keyed by minimum account age.
// Mutated only through the admin API; read-heavy.
type SpendingTier struct {
	TierName          string          `json:"tier_name" db:"tier_name"`
	DailyLimit        decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	MinAccountAgeDays int             `json:"min_account_age_days" db:"min_account_age_days"`
	Active            bool            `json:"active" db:"active"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// DailyUsage is the per-account, per-day running total of successful debits.
// Never decremented: refunds are independent credit events, not limit
// give-backs.
type DailyUsage struct {
	AccountID         string          `json:"account_id" db:"account_id"`
	UsageDate         time.Time       `json:"usage_date" db:"usage_date"`
	TotalSpent        decimal.Decimal `json:"total_spent" db:"total_spent"`
	TransactionCount  int             `json:"transaction_count" db:"transaction_count"`
	LastTransactionAt time.Time       `json:"last_transaction_at" db:"last_transaction_at"`
}

// AdminAuditEntry records administrative mutations, kept separate from the
// transaction audit ledger.
type AdminAuditEntry struct {
	ID        int       `json:"id" db:"id"`
	AdminID   string    `json:"admin_id" db:"admin_id"`
	Action    string    `json:"action" db:"action"`
	Target    string    `json:"target" db:"target"`
	OldValue  string    `json:"old_value" db:"old_value"`
	NewValue  string    `json:"new_value" db:"new_value"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
