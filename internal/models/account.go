package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a professional's prepaid credit account. Money fields are US cents.
type Account struct {
	ID           uuid.UUID `json:"account_id"`
	Balance      int64     `json:"balance"`
	WeeklyBudget int64     `json:"weekly_budget"`
	WeeklySpent  int64     `json:"weekly_spent"`
	PeriodStart  time.Time `json:"period_start"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RemainingBudget is how much more may be charged in the current weekly period.
func (a *Account) RemainingBudget() int64 {
	if a.WeeklySpent >= a.WeeklyBudget {
		return 0
	}
	return a.WeeklyBudget - a.WeeklySpent
}

// CanSpend reports whether a debit of amount fits both the balance and the weekly budget.
func (a *Account) CanSpend(amount int64) bool {
	return a.Balance >= amount && a.WeeklySpent+amount <= a.WeeklyBudget
}
