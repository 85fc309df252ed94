package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/paydeck/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// FundingService issues short-lived QR codes a depositor scans to credit a
// wallet. Redeeming a code drives an ordinary Deposit through the engine, so
// the dedup lock and audit ledger apply as usual.
type FundingService struct {
	redis     *redis.Client
	wallet    *WalletService
	validator *ValidationHelper
	codeTTL   time.Duration
}

func NewFundingService(redisClient *redis.Client, wallet *WalletService) *FundingService {
	return &FundingService{
		redis:     redisClient,
		wallet:    wallet,
		validator: NewValidationHelper(),
		codeTTL:   5 * time.Minute,
	}
}

type fundingPayload struct {
	AccountID string `json:"accountId"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// GenerateFundingCode builds the opaque code and its QR image. The payload
// lives in Redis until redeemed or expired.
func (fs *FundingService) GenerateFundingCode(ctx context.Context, accountID string, amount decimal.Decimal) (string, string, error) {
	if fs.redis == nil {
		return "", "", fmt.Errorf("funding codes unavailable: redis not configured")
	}
	if !amount.IsPositive() {
		return "", "", ErrInvalidAmount
	}

	payload := fundingPayload{
		AccountID: accountID,
		Amount:    amount.StringFixed(2),
		Nonce:     fs.generateNonce(),
		Timestamp: time.Now().Unix(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	key := fmt.Sprintf("funding_qr:%s", code)
	if err := fs.redis.Set(ctx, key, jsonData, fs.codeTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedeemFundingCode consumes the code and deposits its amount. Single use:
// the Redis key is deleted before the deposit runs.
func (fs *FundingService) RedeemFundingCode(ctx context.Context, code, depositor string) (*OperationResult, error) {
	if fs.redis == nil {
		return nil, fmt.Errorf("funding codes unavailable: redis not configured")
	}

	key := fmt.Sprintf("funding_qr:%s", code)
	data, err := fs.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired funding code")
	}
	if err != nil {
		return nil, err
	}

	var payload fundingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	fs.redis.Del(ctx, key)

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt funding payload: %w", err)
	}

	return fs.wallet.Deposit(ctx, DepositRequest{
		AccountID:   payload.AccountID,
		Amount:      amount,
		ExternalRef: payload.Nonce,
		Detail:      &models.DepositDetail{Channel: "qr", Depositor: depositor},
	})
}

func (fs *FundingService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

type generateQRPayload struct {
	AccountID string          `json:"accountId" validate:"required,max=36"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
}

// HandleGenerateQR issues a funding QR code
// @Summary Generate a wallet funding QR code
// @Tags funding
// @Accept json
// @Produce json
// @Param funding body generateQRPayload true "Funding data"
// @Success 200 {object} map[string]string
// @Router /wallet/funding-qr [post]
func (fs *FundingService) HandleGenerateQR(w http.ResponseWriter, r *http.Request) {
	var payload generateQRPayload
	if !fs.decodeBody(w, r, &payload) {
		return
	}

	code, image, err := fs.GenerateFundingCode(r.Context(), payload.AccountID, payload.Amount)
	if err != nil {
		SendErrorResponse(w, "Failed to generate funding code", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"code": code, "qrImage": image})
}

type redeemQRPayload struct {
	Code      string `json:"code" validate:"required"`
	Depositor string `json:"depositor" validate:"max=64"`
}

// HandleRedeemQR redeems a funding QR code as a deposit
// @Summary Redeem a wallet funding QR code
// @Tags funding
// @Accept json
// @Produce json
// @Param redemption body redeemQRPayload true "Redemption data"
// @Success 200 {object} OperationResult
// @Failure 400 {object} ErrorResponse
// @Router /wallet/funding-qr/redeem [post]
func (fs *FundingService) HandleRedeemQR(w http.ResponseWriter, r *http.Request) {
	var payload redeemQRPayload
	if !fs.decodeBody(w, r, &payload) {
		return
	}

	result, err := fs.RedeemFundingCode(r.Context(), payload.Code, payload.Depositor)
	if err != nil {
		if IsPolicyDenial(err) {
			fs.wallet.writeOperationError(w, err)
			return
		}
		SendErrorResponse(w, "Failed to redeem funding code", http.StatusBadRequest, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "auditId": result.AuditID, "balanceAfter": result.BalanceAfter})
}

func (fs *FundingService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
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
	if err := fs.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
