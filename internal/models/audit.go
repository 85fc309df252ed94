package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Operation types recorded in the audit ledger.
const (
	OpPurchaseAirtime = "PURCHASE_AIRTIME"
	OpPurchaseData    = "PURCHASE_DATA"
	OpPurchaseBill    = "PURCHASE_BILL"
	OpPurchaseGoods   = "PURCHASE_GOODS"
	OpDeposit         = "DEPOSIT"
	OpRefund          = "REFUND"
)

// Audit entry statuses.
const (
	AuditStatusSuccess = "SUCCESS"
	AuditStatusFailed  = "FAILED"
)

// AuditEntry is one immutable record of a single attempted balance mutation.
// One entry per attempt: a failed attempt and its retry produce two entries.
type AuditEntry struct {
	AuditID           string          `json:"audit_id" db:"audit_id"`
	AccountID         string          `json:"account_id" db:"account_id"`
	OperationType     string          `json:"operation_type" db:"operation_type"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after" db:"balance_after"`
	Status            string          `json:"status" db:"status"`
	ErrorReason       *string         `json:"error_reason,omitempty" db:"error_reason"`
	ExternalReference *string         `json:"external_reference,omitempty" db:"external_reference"`
	Details           json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// AuditDetail is the closed set of per-category detail payloads. Each variant
// serializes as {"kind": ..., "data": {...}} so the audit schema stays uniform.
type AuditDetail interface {
	Kind() string
}

type AirtimeDetail struct {
	PhoneNumber string `json:"phone_number"`
	Network     string `json:"network"`
}

func (AirtimeDetail) Kind() string { return "airtime" }

type DataBundleDetail struct {
	PhoneNumber string `json:"phone_number"`
	Network     string `json:"network"`
	Plan        string `json:"plan"`
}

func (DataBundleDetail) Kind() string { return "data_bundle" }

type BillPaymentDetail struct {
	Biller      string `json:"biller"`
	CustomerRef string `json:"customer_ref"`
}

func (BillPaymentDetail) Kind() string { return "bill_payment" }

type GoodsDetail struct {
	OrderID   string `json:"order_id"`
	ItemCount int    `json:"item_count"`
}

func (GoodsDetail) Kind() string { return "goods" }

type DepositDetail struct {
	Channel   string `json:"channel"`
	Depositor string `json:"depositor,omitempty"`
}

func (DepositDetail) Kind() string { return "deposit" }

type RefundDetail struct {
	OriginalReference string `json:"original_reference"`
	Reason            string `json:"reason"`
}

func (RefundDetail) Kind() string { return "refund" }

type detailEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDetail wraps a detail variant in its tagged envelope.
func MarshalDetail(d AuditDetail) (json.RawMessage, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(detailEnvelope{Kind: d.Kind(), Data: data})
}

// UnmarshalDetail decodes a tagged envelope back into its variant.
func UnmarshalDetail(raw json.RawMessage) (AuditDetail, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var d AuditDetail
	switch env.Kind {
	case "airtime":
		d = &AirtimeDetail{}
	case "data_bundle":
		d = &DataBundleDetail{}
	case "bill_payment":
		d = &BillPaymentDetail{}
	case "goods":
		d = &GoodsDetail{}
	case "deposit":
		d = &DepositDetail{}
	case "refund":
		d = &RefundDetail{}
	default:
		return nil, fmt.Errorf("unknown audit detail kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Data, d); err != nil {
		return nil, err
	}
	return d, nil
}

// PurchaseOperationType maps a purchase category to its audit operation type.
func PurchaseOperationType(category string) (string, bool) {
	switch category {
	case "airtime":
		return OpPurchaseAirtime, true
	case "data":
		return OpPurchaseData, true
	case "bill":
		return OpPurchaseBill, true
	case "goods":
		return OpPurchaseGoods, true
	}
	return "", false
}
