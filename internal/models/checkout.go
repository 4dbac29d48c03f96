package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the state of a checkout session.
type SessionStatus string

const (
	SessionCreated SessionStatus = "created"
	SessionPending SessionStatus = "pending"
	SessionPaid    SessionStatus = "paid"
	SessionExpired SessionStatus = "expired"
	SessionFailed  SessionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionPaid || s == SessionExpired || s == SessionFailed
}

// ParseOutcome accepts only the terminal statuses.
func ParseOutcome(s string) (SessionStatus, bool) {
	st := SessionStatus(s)
	if st.Terminal() {
		return st, true
	}
	return "", false
}

// SessionPurpose says what a paid session mints.
type SessionPurpose string

const (
	PurposeTopUp           SessionPurpose = "top_up"
	PurposeBackgroundCheck SessionPurpose = "background_check"
)

// CheckoutSession tracks one externally paid purchase attempt. Amount and Credits are
// snapshotted from the package when the session is created.
type CheckoutSession struct {
	ID         uuid.UUID      `json:"session_id"`
	AccountID  uuid.UUID      `json:"account_id"`
	PackageID  *uuid.UUID     `json:"package_id,omitempty"`
	Purpose    SessionPurpose `json:"purpose"`
	Reference  string         `json:"reference,omitempty"`
	Amount     int64          `json:"amount"`
	Credits    int64          `json:"credits"`
	Status     SessionStatus  `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Stale reports whether an unresolved session has outlived its window at now.
func (s *CheckoutSession) Stale(now time.Time) bool {
	return !s.Status.Terminal() && !now.Before(s.ExpiresAt)
}

// LedgerReference is the reference used for the transaction a paid session mints.
func (s *CheckoutSession) LedgerReference() string {
	if s.Purpose == PurposeBackgroundCheck {
		return s.Reference
	}
	return s.ID.String()
}
