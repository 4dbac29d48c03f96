package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/models"
)

type refKey struct {
	account   uuid.UUID
	kind      models.TransactionKind
	reference string
}

type memAccount struct {
	lock sync.Mutex // held for the whole of Update
	acc  models.Account
	txns []*models.Transaction
}

// MemoryStore is a process-local Store. Each account has its own mutex; the store-wide
// RWMutex only guards the indexes and is never held while a callback runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*memAccount
	log      []*models.Transaction
	byID     map[uuid.UUID]*models.Transaction
	byRef    map[refKey]*models.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*memAccount),
		byID:     make(map[uuid.UUID]*models.Transaction),
		byRef:    make(map[refKey]*models.Transaction),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateAccount(_ context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return ErrAccountExists
	}
	s.accounts[acc.ID] = &memAccount{acc: *acc}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.accounts[id]
	if !ok {
		return nil, ErrUnknownAccount
	}
	cp := ma.acc
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.RLock()
	ma, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownAccount
	}

	ma.lock.Lock()
	defer ma.lock.Unlock()

	s.mu.RLock()
	working := ma.acc
	s.mu.RUnlock()

	tx := &memTx{store: s, acc: &working}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tx.staged {
		if _, dup := s.byRef[refKey{t.AccountID, t.Kind, t.Reference}]; dup {
			return ErrDuplicateReference
		}
	}
	ma.acc = working
	for _, t := range tx.staged {
		cp := *t
		s.log = append(s.log, &cp)
		ma.txns = append(ma.txns, &cp)
		s.byID[cp.ID] = &cp
		s.byRef[refKey{cp.AccountID, cp.Kind, cp.Reference}] = &cp
	}
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	out := make([]*models.Transaction, 0, len(ma.txns))
	for _, t := range ma.txns {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ScanTransactions(_ context.Context, f Filter, fn func(*models.Transaction) error) error {
	s.mu.RLock()
	matched := make([]*models.Transaction, 0, len(s.log))
	for _, t := range s.log {
		if f.match(t) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	for _, t := range matched {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

type memTx struct {
	store  *MemoryStore
	acc    *models.Account
	staged []*models.Transaction
}

func (t *memTx) Account() *models.Account { return t.acc }

func (t *memTx) FindByReference(_ context.Context, kind models.TransactionKind, reference string) (*models.Transaction, error) {
	for _, st := range t.staged {
		if st.Kind == kind && st.Reference == reference {
			cp := *st
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if found, ok := t.store.byRef[refKey{t.acc.ID, kind, reference}]; ok {
		cp := *found
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) FindTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	found, ok := t.store.byID[id]
	if !ok || found.AccountID != t.acc.ID {
		return nil, ErrUnknownTransaction
	}
	cp := *found
	return &cp, nil
}

func (t *memTx) Append(ctx context.Context, txn *models.Transaction) error {
	existing, _ := t.FindByReference(ctx, txn.Kind, txn.Reference)
	if existing != nil {
		return ErrDuplicateReference
	}
	cp := *txn
	cp.AccountID = t.acc.ID
	t.staged = append(t.staged, &cp)
	return nil
}
