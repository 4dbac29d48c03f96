// Package checkout runs the bounded state machine of externally paid purchases and
// reconciles paid sessions into the ledger exactly once.
package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/models"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionTerminal = errors.New("session already resolved")
	// ErrOpenSessionExists is returned by Store.Create when the account already has an open
	// session with the same purpose and reference.
	ErrOpenSessionExists = errors.New("open session exists for reference")
	ErrBadSignature      = errors.New("bad signature")
)

// Store persists sessions. Update serializes per session.
type Store interface {
	Create(ctx context.Context, s *models.CheckoutSession) error
	Get(ctx context.Context, id uuid.UUID) (*models.CheckoutSession, error)
	// Update runs fn with the session locked and persists it when fn returns nil.
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, s *models.CheckoutSession) error) error
	// FindOpen returns nil, nil when the account has no open session for reference.
	FindOpen(ctx context.Context, accountID uuid.UUID, purpose models.SessionPurpose, reference string) (*models.CheckoutSession, error)
	// ListStale returns ids of open sessions whose window ended at or before now, oldest first.
	ListStale(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

func open(s *models.CheckoutSession) bool {
	return s.Status == models.SessionCreated || s.Status == models.SessionPending
}
