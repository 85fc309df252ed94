package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletAccount holds the single authoritative balance for a user.
// The balance is only ever mutated through the wallet store's row-locked
// debit/credit path.
type WalletAccount struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Status    string          `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

func (a *WalletAccount) AgeDays(now time.Time) int {
	return int(now.Sub(a.CreatedAt).Hours() / 24)
}
