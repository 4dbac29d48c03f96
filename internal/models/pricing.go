package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentPackage is a credit top-up catalog entry.
type PaymentPackage struct {
	ID          uuid.UUID `json:"package_id"`
	Name        string    `json:"name"`
	Amount      int64     `json:"amount"`
	Credits     int64     `json:"credits"`
	IsActive    bool      `json:"is_active"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PlatformSettings is the singleton of platform pricing parameters.
type PlatformSettings struct {
	LeadFee            int64           `json:"lead_fee"`
	PlatformCommission decimal.Decimal `json:"platform_commission"`
	MinQuoteAmount     int64           `json:"min_quote_amount"`
	MaxQuoteAmount     int64           `json:"max_quote_amount"`
	WeeklyBudgetMin    int64           `json:"weekly_budget_min"`
	FeaturedProFee     int64           `json:"featured_pro_fee"`
	BackgroundCheckFee int64           `json:"background_check_fee"`

	CreditsEnabled bool `json:"credits_enabled"`
	CardEnabled    bool `json:"card_enabled"`

	RequireProApproval     bool `json:"require_pro_approval"`
	RequireBackgroundCheck bool `json:"require_background_check"`

	UpdatedAt time.Time `json:"updated_at"`
}

// MethodEnabled reports whether purchases may be paid with m.
func (s *PlatformSettings) MethodEnabled(m PaymentMethod) bool {
	switch m {
	case PaymentCredits:
		return s.CreditsEnabled
	case PaymentCard:
		return s.CardEnabled
	}
	return false
}
