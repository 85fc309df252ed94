package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Precondition violations: rejected before any lock is taken, no audit entry.
var (
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
	ErrAccountNotFound = errors.New("wallet account not found")
	ErrUnknownCategory = errors.New("unknown purchase category")
)

// DuplicateInFlightError is returned when a lock for the same dedup key is
// already PROCESSING. A normal outcome, not a system error.
type DuplicateInFlightError struct {
	DedupKey       string
	ExistingExpiry time.Time
}

func (e *DuplicateInFlightError) Error() string {
	return fmt.Sprintf("operation with dedup key %s already in progress", e.DedupKey)
}

// InsufficientFundsError carries the balance observed under the row lock.
type InsufficientFundsError struct {
	Balance decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s", e.Balance.StringFixed(2))
}

// LimitExceededError carries the figures needed to render a limit message
// distinct from insufficient funds.
type LimitExceededError struct {
	TierName     string
	DailyLimit   decimal.Decimal
	CurrentSpent decimal.Decimal
	WouldBeTotal decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily spending limit exceeded: %s + would-be total %s over limit %s (%s)",
		e.CurrentSpent.StringFixed(2), e.WouldBeTotal.StringFixed(2), e.DailyLimit.StringFixed(2), e.TierName)
}

// IsPolicyDenial reports whether err is one of the expected, typed denial
// outcomes (as opposed to an infrastructure fault).
func IsPolicyDenial(err error) bool {
	var dup *DuplicateInFlightError
	var insufficient *InsufficientFundsError
	var limit *LimitExceededError
	return errors.As(err, &dup) || errors.As(err, &insufficient) || errors.As(err, &limit)
}
