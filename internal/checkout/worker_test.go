package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"github.com/tradeslead/backend/internal/models"
)

type fakeSweeper struct {
	limit int
	n     int
	err   error
}

func (f *fakeSweeper) ExpireStale(_ context.Context, _ time.Time, limit int) (int, error) {
	f.limit = limit
	return f.n, f.err
}

func TestExpireSessionsWorker_DefaultLimit(t *testing.T) {
	s := &fakeSweeper{n: 3}
	w := NewExpireSessionsWorker(s, nil)
	if err := w.Work(context.Background(), &river.Job[ExpireSessionsArgs]{}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if s.limit != 500 {
		t.Errorf("limit = %d, want 500", s.limit)
	}

	if err := w.Work(context.Background(), &river.Job[ExpireSessionsArgs]{Args: ExpireSessionsArgs{Limit: 20}}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if s.limit != 20 {
		t.Errorf("limit = %d, want 20", s.limit)
	}
}

func TestExpireSessionsWorker_WrapsError(t *testing.T) {
	boom := errors.New("connection reset")
	w := NewExpireSessionsWorker(&fakeSweeper{err: boom}, nil)
	err := w.Work(context.Background(), &river.Job[ExpireSessionsArgs]{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestExpireSessionsWorker_SweepsManager(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _, err := h.mgr.CreateSession(ctx, h.account, h.pkg.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// The worker sweeps at wall-clock time, not the harness clock.
	err = h.sessions.Update(ctx, s.ID, func(_ context.Context, s *models.CheckoutSession) error {
		s.ExpiresAt = time.Now().Add(-time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := NewExpireSessionsWorker(h.mgr, nil).Work(ctx, &river.Job[ExpireSessionsArgs]{}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	got, err := h.sessions.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.SessionExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestPeriodicJobs(t *testing.T) {
	if jobs := PeriodicJobs(time.Minute, 100); len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
}
