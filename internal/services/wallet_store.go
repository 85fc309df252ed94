package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paydeck/backend/internal/models"
	"github.com/shopspring/decimal"
)

// WalletStore owns the balance rows. Every mutation goes through an exclusive
// row lock held for the duration of the surrounding transaction, so concurrent
// debits against the same account serialize instead of interleaving.
type WalletStore struct {
	db *sql.DB
}

func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db}
}

func (s *WalletStore) CreateAccount(ctx context.Context, accountID string) (*models.WalletAccount, error) {
	account := &models.WalletAccount{
		AccountID: accountID,
		Balance:   decimal.Zero,
		Status:    "ACTIVE",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_accounts (account_id, balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, account.AccountID, account.Balance, account.Status, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet account: %w", err)
	}
	return account, nil
}

func (s *WalletStore) GetAccount(ctx context.Context, accountID string) (*models.WalletAccount, error) {
	var account models.WalletAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, balance, status, created_at, updated_at
		FROM wallet_accounts
		WHERE account_id = $1
	`, accountID).Scan(&account.AccountID, &account.Balance, &account.Status, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *WalletStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM wallet_accounts WHERE account_id = $1
	`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// lockAccountTx takes the exclusive row lock on the balance row. Held until
// the surrounding transaction commits or rolls back.
func (s *WalletStore) lockAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.WalletAccount, error) {
	var account models.WalletAccount
	err := tx.QueryRowContext(ctx, `
		SELECT account_id, balance, status, created_at, updated_at
		FROM wallet_accounts
		WHERE account_id = $1
		FOR UPDATE
	`, accountID).Scan(&account.AccountID, &account.Balance, &account.Status, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// DebitTx subtracts amount from the account balance. The sufficiency check
// happens after the row lock is taken; a pre-lock check would race with
// concurrent debits. Returns balance before and after.
func (s *WalletStore) DebitTx(ctx context.Context, tx *sql.Tx, accountID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	account, err := s.lockAccountTx(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if account.Balance.LessThan(amount) {
		return account.Balance, account.Balance, &InsufficientFundsError{Balance: account.Balance}
	}

	newBalance := account.Balance.Sub(amount)
	if err := s.updateBalanceTx(ctx, tx, accountID, newBalance); err != nil {
		return account.Balance, account.Balance, err
	}
	return account.Balance, newBalance, nil
}

// CreditTx adds amount to the account balance. Returns balance before and
// after.
func (s *WalletStore) CreditTx(ctx context.Context, tx *sql.Tx, accountID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	account, err := s.lockAccountTx(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	newBalance := account.Balance.Add(amount)
	if err := s.updateBalanceTx(ctx, tx, accountID, newBalance); err != nil {
		return account.Balance, account.Balance, err
	}
	return account.Balance, newBalance, nil
}

func (s *WalletStore) updateBalanceTx(ctx context.Context, tx *sql.Tx, accountID string, newBalance decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET balance = $1, updated_at = NOW() WHERE account_id = $2
	`, newBalance, accountID)
	if err != nil {
		return fmt.Errorf("failed to update balance for account %s: %w", accountID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("balance update affected no rows for account %s", accountID)
	}
	return nil
}
