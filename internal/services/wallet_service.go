package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/paydeck/backend/internal/models"
	"github.com/shopspring/decimal"
)

// WalletService orchestrates purchase, deposit and refund against the wallet
// store. Each public operation runs as one database transaction: acquire the
// dedup lock, run checks, take the balance row lock, mutate, record usage,
// append the audit entry, release the lock, commit.
type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	store     *WalletStore
	locks     *LockService
	limits    *LimitService
	audit     *AuditService
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB, redisClient *redis.Client, store *WalletStore, locks *LockService, limits *LimitService, audit *AuditService) *WalletService {
	return &WalletService{
		db:        db,
		redis:     redisClient,
		store:     store,
		locks:     locks,
		limits:    limits,
		audit:     audit,
		validator: NewValidationHelper(),
	}
}

// PurchaseRequest describes a debit. Target is the purchase subject (phone
// number, biller reference, order id) and feeds the dedup key.
type PurchaseRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	Category    string
	Target      string
	ExternalRef string
	Detail      models.AuditDetail
}

type DepositRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	ExternalRef string
	Detail      models.AuditDetail
}

type RefundRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	OriginalRef string
	Reason      string
}

// OperationResult is the success outcome of any of the three operations.
type OperationResult struct {
	AuditID      string          `json:"audit_id"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

// Purchase reserves funds for a bill-payment purchase. Policy denials come
// back as typed errors so callers can render distinct messages; they still
// produce an audit entry and a FAILED lock.
func (ws *WalletService) Purchase(ctx context.Context, req PurchaseRequest) (*OperationResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	operationType, ok := models.PurchaseOperationType(req.Category)
	if !ok {
		return nil, ErrUnknownCategory
	}

	account, err := ws.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	dedupKey := BuildDedupKey(req.AccountID, operationType, req.Target, req.Amount.StringFixed(2), time.Now())
	details, err := models.MarshalDetail(req.Detail)
	if err != nil {
		return nil, fmt.Errorf("invalid purchase details: %w", err)
	}

	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lock, err := ws.locks.AcquireTx(ctx, tx, req.AccountID, operationType, dedupKey, nil)
	if err != nil {
		var dup *DuplicateInFlightError
		if errors.As(err, &dup) {
			// The insert aborted this transaction; the denial entry goes
			// through a fresh connection.
			ws.recordDenied(ctx, req.AccountID, operationType, req.Amount, account.Balance, err, req.ExternalRef, details)
			return nil, err
		}
		return nil, err
	}

	today := time.Now()
	if _, err := ws.limits.CheckWouldExceedTx(ctx, tx, account, req.Amount, today); err != nil {
		var limitErr *LimitExceededError
		if errors.As(err, &limitErr) {
			return nil, ws.commitDenied(ctx, tx, lock, req.AccountID, operationType, req.Amount, account.Balance, err, req.ExternalRef, details)
		}
		ws.failOpen(ctx, lock, req.AccountID, operationType, req.Amount, account.Balance, err, req.ExternalRef, details)
		return nil, err
	}

	balanceBefore, balanceAfter, err := ws.store.DebitTx(ctx, tx, req.AccountID, req.Amount)
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			return nil, ws.commitDenied(ctx, tx, lock, req.AccountID, operationType, req.Amount, balanceBefore, err, req.ExternalRef, details)
		}
		ws.failOpen(ctx, lock, req.AccountID, operationType, req.Amount, account.Balance, err, req.ExternalRef, details)
		return nil, err
	}

	if err := ws.limits.RecordSpendTx(ctx, tx, req.AccountID, req.Amount, today); err != nil {
		ws.failOpen(ctx, lock, req.AccountID, operationType, req.Amount, balanceBefore, err, req.ExternalRef, details)
		return nil, err
	}

	auditID, err := ws.audit.RecordTx(ctx, tx, &models.AuditEntry{
		AccountID:         req.AccountID,
		OperationType:     operationType,
		Amount:            req.Amount,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      balanceAfter,
		Status:            models.AuditStatusSuccess,
		ExternalReference: optional(req.ExternalRef),
		Details:           details,
	})
	if err != nil {
		ws.failOpen(ctx, lock, req.AccountID, operationType, req.Amount, balanceBefore, err, req.ExternalRef, details)
		return nil, err
	}

	if err := ws.locks.ReleaseTx(ctx, tx, lock.LockID, models.LockStatusCompleted); err != nil {
		ws.failOpen(ctx, lock, req.AccountID, operationType, req.Amount, balanceBefore, err, req.ExternalRef, details)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		ws.failOpen(ctx, lock, req.AccountID, operationType, req.Amount, balanceBefore, err, req.ExternalRef, details)
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	result := &OperationResult{AuditID: auditID, BalanceAfter: balanceAfter}
	ws.queueWalletEvent(operationType, req.AccountID, auditID, req.Amount, balanceAfter)
	return result, nil
}

// Deposit credits the account unconditionally (amount validated positive).
func (ws *WalletService) Deposit(ctx context.Context, req DepositRequest) (*OperationResult, error) {
	return ws.credit(ctx, req.AccountID, models.OpDeposit, req.Amount, req.ExternalRef, req.Detail)
}

// Refund credits back a prior debit. The audit entry carries the original
// transaction's reference and the caller-supplied reason. Daily usage is not
// reversed.
func (ws *WalletService) Refund(ctx context.Context, req RefundRequest) (*OperationResult, error) {
	detail := &models.RefundDetail{OriginalReference: req.OriginalRef, Reason: req.Reason}
	return ws.credit(ctx, req.AccountID, models.OpRefund, req.Amount, req.OriginalRef, detail)
}

func (ws *WalletService) credit(ctx context.Context, accountID, operationType string, amount decimal.Decimal, externalRef string, detail models.AuditDetail) (*OperationResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	account, err := ws.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	dedupKey := BuildDedupKey(accountID, operationType, externalRef, amount.StringFixed(2), time.Now())
	details, err := models.MarshalDetail(detail)
	if err != nil {
		return nil, fmt.Errorf("invalid details: %w", err)
	}

	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lock, err := ws.locks.AcquireTx(ctx, tx, accountID, operationType, dedupKey, nil)
	if err != nil {
		var dup *DuplicateInFlightError
		if errors.As(err, &dup) {
			ws.recordDenied(ctx, accountID, operationType, amount, account.Balance, err, externalRef, details)
			return nil, err
		}
		return nil, err
	}

	balanceBefore, balanceAfter, err := ws.store.CreditTx(ctx, tx, accountID, amount)
	if err != nil {
		ws.failOpen(ctx, lock, accountID, operationType, amount, account.Balance, err, externalRef, details)
		return nil, err
	}

	auditID, err := ws.audit.RecordTx(ctx, tx, &models.AuditEntry{
		AccountID:         accountID,
		OperationType:     operationType,
		Amount:            amount,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      balanceAfter,
		Status:            models.AuditStatusSuccess,
		ExternalReference: optional(externalRef),
		Details:           details,
	})
	if err != nil {
		ws.failOpen(ctx, lock, accountID, operationType, amount, balanceBefore, err, externalRef, details)
		return nil, err
	}

	if err := ws.locks.ReleaseTx(ctx, tx, lock.LockID, models.LockStatusCompleted); err != nil {
		ws.failOpen(ctx, lock, accountID, operationType, amount, balanceBefore, err, externalRef, details)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		ws.failOpen(ctx, lock, accountID, operationType, amount, balanceBefore, err, externalRef, details)
		return nil, fmt.Errorf("failed to commit %s: %w", operationType, err)
	}

	result := &OperationResult{AuditID: auditID, BalanceAfter: balanceAfter}
	ws.queueWalletEvent(operationType, accountID, auditID, amount, balanceAfter)
	return result, nil
}

// commitDenied writes the FAILED audit entry and lock release inside the
// still-healthy transaction, then commits. The balance was never mutated on
// these paths, so committing only persists the denial record.
func (ws *WalletService) commitDenied(ctx context.Context, tx *sql.Tx, lock *models.TransactionLock, accountID, operationType string, amount, balanceBefore decimal.Decimal, denial error, externalRef string, details json.RawMessage) error {
	reason := denial.Error()
	if _, err := ws.audit.RecordTx(ctx, tx, &models.AuditEntry{
		AccountID:         accountID,
		OperationType:     operationType,
		Amount:            amount,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      balanceBefore,
		Status:            models.AuditStatusFailed,
		ErrorReason:       &reason,
		ExternalReference: optional(externalRef),
		Details:           details,
	}); err != nil {
		log.Printf("[WALLET] Failed to record denial audit entry: %v", err)
		ws.failOpen(ctx, lock, accountID, operationType, amount, balanceBefore, denial, externalRef, details)
		return denial
	}
	if err := ws.locks.ReleaseTx(ctx, tx, lock.LockID, models.LockStatusFailed); err != nil {
		log.Printf("[WALLET] Failed to release lock on denial: %v", err)
		return denial
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit denial record: %v", err)
	}
	return denial
}

// failOpen handles infrastructure faults: the transaction rolls back via the
// deferred Rollback, so the audit entry and lock release happen best-effort
// on fresh connections.
func (ws *WalletService) failOpen(ctx context.Context, lock *models.TransactionLock, accountID, operationType string, amount, balanceBefore decimal.Decimal, cause error, externalRef string, details json.RawMessage) {
	log.Printf("[WALLET] %s failed for account %s: %v", operationType, accountID, cause)
	ws.recordDenied(ctx, accountID, operationType, amount, balanceBefore, cause, externalRef, details)
	if lock != nil {
		ws.locks.ReleaseFailed(ctx, lock.LockID)
	}
}

func (ws *WalletService) recordDenied(ctx context.Context, accountID, operationType string, amount, balanceBefore decimal.Decimal, cause error, externalRef string, details json.RawMessage) {
	reason := cause.Error()
	ws.audit.RecordFailure(ctx, &models.AuditEntry{
		AccountID:         accountID,
		OperationType:     operationType,
		Amount:            amount,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      balanceBefore,
		ErrorReason:       &reason,
		ExternalReference: optional(externalRef),
		Details:           details,
	})
}

func (ws *WalletService) queueWalletEvent(operationType, accountID, auditID string, amount, balanceAfter decimal.Decimal) {
	if ws.redis == nil {
		return
	}
	event := map[string]any{
		"operation":     operationType,
		"account_id":    accountID,
		"audit_id":      auditID,
		"amount":        amount.StringFixed(2),
		"balance_after": balanceAfter.StringFixed(2),
		"at":            time.Now().Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := ws.redis.RPush(context.Background(), "wallet_events", data).Err(); err != nil {
		log.Printf("[WALLET] Failed to queue wallet event: %v", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HTTP surface

type purchasePayload struct {
	AccountID   string          `json:"accountId" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Category    string          `json:"category" validate:"required,oneof=airtime data bill goods"`
	Target      string          `json:"target" validate:"max=64"`
	ExternalRef string          `json:"externalRef" validate:"max=64"`
	PhoneNumber string          `json:"phoneNumber,omitempty" validate:"max=20"`
	Network     string          `json:"network,omitempty" validate:"max=32"`
	Plan        string          `json:"plan,omitempty" validate:"max=64"`
	Biller      string          `json:"biller,omitempty" validate:"max=64"`
	CustomerRef string          `json:"customerRef,omitempty" validate:"max=64"`
	OrderID     string          `json:"orderId,omitempty" validate:"max=64"`
	ItemCount   int             `json:"itemCount,omitempty" validate:"min=0"`
}

func (p *purchasePayload) detail() models.AuditDetail {
	switch p.Category {
	case "airtime":
		return &models.AirtimeDetail{PhoneNumber: p.PhoneNumber, Network: p.Network}
	case "data":
		return &models.DataBundleDetail{PhoneNumber: p.PhoneNumber, Network: p.Network, Plan: p.Plan}
	case "bill":
		return &models.BillPaymentDetail{Biller: p.Biller, CustomerRef: p.CustomerRef}
	case "goods":
		return &models.GoodsDetail{OrderID: p.OrderID, ItemCount: p.ItemCount}
	}
	return nil
}

// HandlePurchase processes a wallet purchase
// @Summary Purchase from wallet balance
// @Description Debit the wallet for a bill-payment purchase with dedup and limit checks
// @Tags wallet
// @Accept json
// @Produce json
// @Param purchase body purchasePayload true "Purchase data"
// @Success 200 {object} OperationResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /wallet/purchase [post]
func (ws *WalletService) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var payload purchasePayload
	if !ws.decodeBody(w, r, &payload) {
		return
	}

	result, err := ws.Purchase(r.Context(), PurchaseRequest{
		AccountID:   payload.AccountID,
		Amount:      payload.Amount,
		Category:    payload.Category,
		Target:      payload.Target,
		ExternalRef: payload.ExternalRef,
		Detail:      payload.detail(),
	})
	if err != nil {
		ws.writeOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "auditId": result.AuditID, "balanceAfter": result.BalanceAfter})
}

type depositPayload struct {
	AccountID   string          `json:"accountId" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Channel     string          `json:"channel" validate:"required,max=32"`
	Depositor   string          `json:"depositor" validate:"max=64"`
	ExternalRef string          `json:"externalRef" validate:"max=64"`
}

// HandleDeposit credits a wallet
// @Summary Deposit into wallet
// @Tags wallet
// @Accept json
// @Produce json
// @Param deposit body depositPayload true "Deposit data"
// @Success 200 {object} OperationResult
// @Failure 400 {object} ErrorResponse
// @Router /wallet/deposit [post]
func (ws *WalletService) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var payload depositPayload
	if !ws.decodeBody(w, r, &payload) {
		return
	}

	result, err := ws.Deposit(r.Context(), DepositRequest{
		AccountID:   payload.AccountID,
		Amount:      payload.Amount,
		ExternalRef: payload.ExternalRef,
		Detail:      &models.DepositDetail{Channel: payload.Channel, Depositor: payload.Depositor},
	})
	if err != nil {
		ws.writeOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "auditId": result.AuditID, "balanceAfter": result.BalanceAfter})
}

type refundPayload struct {
	AccountID   string          `json:"accountId" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	OriginalRef string          `json:"originalRef" validate:"required,max=64"`
	Reason      string          `json:"reason" validate:"required,max=200"`
}

// HandleRefund credits back a prior debit
// @Summary Refund a prior purchase
// @Tags wallet
// @Accept json
// @Produce json
// @Param refund body refundPayload true "Refund data"
// @Success 200 {object} OperationResult
// @Failure 400 {object} ErrorResponse
// @Router /wallet/refund [post]
func (ws *WalletService) HandleRefund(w http.ResponseWriter, r *http.Request) {
	var payload refundPayload
	if !ws.decodeBody(w, r, &payload) {
		return
	}

	result, err := ws.Refund(r.Context(), RefundRequest{
		AccountID:   payload.AccountID,
		Amount:      payload.Amount,
		OriginalRef: payload.OriginalRef,
		Reason:      payload.Reason,
	})
	if err != nil {
		ws.writeOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "auditId": result.AuditID, "balanceAfter": result.BalanceAfter})
}

// HandleGetBalance returns the wallet balance
// @Summary Get wallet balance
// @Tags wallet
// @Produce json
// @Param accountId query string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (ws *WalletService) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	balance, err := ws.store.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"accountId": accountID, "balance": balance})
}

// HandleGetLimit returns the current spending limit for an account
// @Summary Get spending limit
// @Tags wallet
// @Produce json
// @Param accountId query string true "Account ID"
// @Success 200 {object} LimitInfo
// @Router /wallet/limits [get]
func (ws *WalletService) HandleGetLimit(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	info, err := ws.limits.GetLimit(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch spending limit", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// HandleGetUsage returns daily usage for an account
// @Summary Get daily usage
// @Tags wallet
// @Produce json
// @Param accountId query string true "Account ID"
// @Param date query string false "Date (YYYY-MM-DD), defaults to today"
// @Success 200 {object} models.DailyUsage
// @Router /wallet/usage [get]
func (ws *WalletService) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	date := time.Now()
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			SendErrorResponse(w, "Invalid date format, expected YYYY-MM-DD", http.StatusBadRequest, nil)
			return
		}
		date = parsed
	}

	usage, err := ws.limits.GetUsage(r.Context(), accountID, date)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch daily usage", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// HandleListTransactions returns the account's audit history
// @Summary List wallet transactions
// @Tags wallet
// @Produce json
// @Param accountId query string true "Account ID"
// @Param limit query int false "Max entries (default 50)"
// @Success 200 {array} models.AuditEntry
// @Router /wallet/transactions [get]
func (ws *WalletService) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := ws.audit.ListByAccount(r.Context(), accountID, limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries, "count": len(entries)})
}

func (ws *WalletService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := ws.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (ws *WalletService) writeOperationError(w http.ResponseWriter, err error) {
	var dup *DuplicateInFlightError
	var limit *LimitExceededError
	var insufficient *InsufficientFundsError

	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"denied":  "duplicate",
			"detail":  "An identical transaction is already being processed",
			"retryAt": dup.ExistingExpiry,
		})
	case errors.As(err, &limit):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success":      false,
			"denied":       "limit_exceeded",
			"detail":       "This purchase would exceed your daily spending limit",
			"dailyLimit":   limit.DailyLimit,
			"currentSpent": limit.CurrentSpent,
			"wouldBeTotal": limit.WouldBeTotal,
		})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"denied":  "insufficient_funds",
			"detail":  "Wallet balance is too low for this transaction",
			"balance": insufficient.Balance,
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownCategory):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	default:
		SendErrorResponse(w, "Failed to process transaction, please try again", http.StatusInternalServerError, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
