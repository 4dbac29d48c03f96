// Package ledger is the append-only record of balance-affecting transactions plus each
// account's cached balance and weekly spend counter.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/models"
)

var (
	ErrUnknownAccount     = errors.New("unknown account")
	ErrAccountExists      = errors.New("account already exists")
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrDuplicateReference is returned when (account, kind, reference) already has a transaction.
	ErrDuplicateReference = errors.New("duplicate reference")
)

// Tx is exclusive access to one account inside Store.Update.
type Tx interface {
	// Account is the working copy; edits are persisted when the callback succeeds.
	Account() *models.Account
	// FindByReference returns nil, nil when no transaction matches.
	FindByReference(ctx context.Context, kind models.TransactionKind, reference string) (*models.Transaction, error)
	// FindTransaction looks up a transaction of the locked account.
	FindTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// Append stages t for commit.
	Append(ctx context.Context, t *models.Transaction) error
}

// Filter narrows a transaction scan. Zero values mean "no restriction".
type Filter struct {
	AccountID *uuid.UUID
	From      time.Time
	To        time.Time
	Kinds     []models.TransactionKind
}

func (f Filter) match(t *models.Transaction) bool {
	if f.AccountID != nil && t.AccountID != *f.AccountID {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if t.Kind == k {
			return true
		}
	}
	return false
}

// Store is the ledger persistence contract. Every mutation of an account goes through Update,
// which serializes per account; different accounts never contend.
type Store interface {
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// Update runs fn with the account locked. Account edits and appended transactions are
	// committed together when fn returns nil and discarded otherwise.
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx Tx) error) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// ListTransactions returns an account's transactions oldest first.
	ListTransactions(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error)
	// ScanTransactions calls fn for every matching transaction oldest first.
	ScanTransactions(ctx context.Context, f Filter, fn func(*models.Transaction) error) error
}
