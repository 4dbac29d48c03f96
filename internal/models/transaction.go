package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind enumerates the balance-affecting ledger entries.
type TransactionKind string

const (
	KindLeadFee         TransactionKind = "lead_fee"
	KindTopUp           TransactionKind = "top_up"
	KindBackgroundCheck TransactionKind = "background_check"
	KindRefund          TransactionKind = "refund"
	KindAdminAdjustment TransactionKind = "admin_adjustment"
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindLeadFee, KindTopUp, KindBackgroundCheck, KindRefund, KindAdminAdjustment:
		return true
	}
	return false
}

// Refundable reports whether transactions of this kind may be refunded.
func (k TransactionKind) Refundable() bool {
	return k == KindLeadFee || k == KindBackgroundCheck
}

// PaymentMethod selects how a purchase is paid for.
type PaymentMethod string

const (
	PaymentCredits PaymentMethod = "credits"
	PaymentCard    PaymentMethod = "card"
)

// ParsePaymentMethod maps request input onto a PaymentMethod. The empty string means credits.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch PaymentMethod(s) {
	case "", PaymentCredits:
		return PaymentCredits, true
	case PaymentCard:
		return PaymentCard, true
	}
	return "", false
}

// RefundReference is the idempotency reference of the refund of a transaction.
func RefundReference(originalID uuid.UUID) string {
	return "refund:" + originalID.String()
}

// CardSettlementReference is the reference of a card-paid background check whose reference
// had already been paid with credits.
func CardSettlementReference(reference string) string {
	return "card:" + reference
}

// Transaction is an immutable ledger entry.
//
// Amount is the signed balance delta. CapturedValue is the gross value in effect when the
// entry was written (fee, package price, refunded value) and never changes afterwards.
type Transaction struct {
	ID            uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Kind          TransactionKind `json:"kind"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	Reference     string          `json:"reference"`
	CapturedValue int64           `json:"captured_value"`
	PaymentMethod PaymentMethod   `json:"payment_method,omitempty"`
	PackageID     *uuid.UUID      `json:"package_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Flagged       bool            `json:"flagged,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
