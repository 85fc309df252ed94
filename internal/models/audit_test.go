package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetailEnvelope(t *testing.T) {
	cases := []struct {
		name   string
		detail AuditDetail
	}{
		{"airtime", &AirtimeDetail{PhoneNumber: "08030000000", Network: "mtn"}},
		{"data bundle", &DataBundleDetail{PhoneNumber: "08030000000", Network: "glo", Plan: "2GB-30d"}},
		{"bill payment", &BillPaymentDetail{Biller: "electricity", CustomerRef: "ELEC-4471"}},
		{"goods", &GoodsDetail{OrderID: "order-9", ItemCount: 3}},
		{"deposit", &DepositDetail{Channel: "bank_transfer", Depositor: "ACME Corp"}},
		{"refund", &RefundDetail{OriginalReference: "audit-42", Reason: "undelivered"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := MarshalDetail(tc.detail)
			assert.NoError(t, err)
			assert.Contains(t, string(raw), tc.detail.Kind())

			decoded, err := UnmarshalDetail(raw)
			assert.NoError(t, err)
			assert.Equal(t, tc.detail, decoded)
		})
	}

	t.Run("nil detail", func(t *testing.T) {
		raw, err := MarshalDetail(nil)
		assert.NoError(t, err)
		assert.Nil(t, raw)

		decoded, err := UnmarshalDetail(nil)
		assert.NoError(t, err)
		assert.Nil(t, decoded)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := UnmarshalDetail([]byte(`{"kind":"cashback","data":{}}`))
		assert.ErrorContains(t, err, "unknown audit detail kind")
	})
}

func TestPurchaseOperationType(t *testing.T) {
	for category, want := range map[string]string{
		"airtime": OpPurchaseAirtime,
		"data":    OpPurchaseData,
		"bill":    OpPurchaseBill,
		"goods":   OpPurchaseGoods,
	} {
		got, ok := PurchaseOperationType(category)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := PurchaseOperationType("lottery")
	assert.False(t, ok)
}
