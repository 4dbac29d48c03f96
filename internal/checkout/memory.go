package checkout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/models"
)

type memSession struct {
	lock sync.Mutex
	s    models.CheckoutSession
}

// MemoryStore is a process-local Store with one mutex per session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*memSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*memSession)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *models.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Reference != "" {
		for _, ms := range m.sessions {
			o := ms.s
			if o.AccountID == s.AccountID && o.Purpose == s.Purpose && o.Reference == s.Reference && open(&o) {
				return ErrOpenSessionExists
			}
		}
	}
	m.sessions[s.ID] = &memSession{s: *s}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.CheckoutSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	cp := ms.s
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, s *models.CheckoutSession) error) error {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}

	ms.lock.Lock()
	defer ms.lock.Unlock()

	m.mu.RLock()
	working := ms.s
	m.mu.RUnlock()
	if err := fn(ctx, &working); err != nil {
		return err
	}
	m.mu.Lock()
	ms.s = working
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) FindOpen(_ context.Context, accountID uuid.UUID, purpose models.SessionPurpose, reference string) (*models.CheckoutSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ms := range m.sessions {
		o := ms.s
		if o.AccountID == accountID && o.Purpose == purpose && o.Reference == reference && open(&o) {
			return &o, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListStale(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	stale := make([]models.CheckoutSession, 0)
	for _, ms := range m.sessions {
		if ms.s.Stale(now) {
			stale = append(stale, ms.s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]uuid.UUID, len(stale))
	for i := range stale {
		ids[i] = stale[i].ID
	}
	return ids, nil
}
