package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeslead/backend/internal/models"
)

type memRepo struct {
	mu       sync.Mutex
	settings *models.PlatformSettings
	packages map[uuid.UUID]models.PaymentPackage
	saves    int
}

func (m *memRepo) LoadSettings(context.Context) (*models.PlatformSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return nil, nil
	}
	cp := *m.settings
	return &cp, nil
}

func (m *memRepo) SaveSettings(_ context.Context, s models.PlatformSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	m.saves++
	return nil
}

func (m *memRepo) ListPackages(context.Context) ([]models.PaymentPackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PaymentPackage, 0, len(m.packages))
	for _, p := range m.packages {
		out = append(out, p)
	}
	return out, nil
}

func (m *memRepo) SavePackage(_ context.Context, p models.PaymentPackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.packages == nil {
		m.packages = make(map[uuid.UUID]models.PaymentPackage)
	}
	m.packages[p.ID] = p
	return nil
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify(context.Context) error {
	c.n++
	return nil
}

func defaults() models.PlatformSettings {
	return models.PlatformSettings{
		LeadFee:            1500,
		PlatformCommission: decimal.RequireFromString("12.5"),
		MinQuoteAmount:     5000,
		MaxQuoteAmount:     500000,
		WeeklyBudgetMin:    2000,
		FeaturedProFee:     4900,
		BackgroundCheckFee: 3000,
		CreditsEnabled:     true,
		CardEnabled:        true,
	}
}

func TestValidateSettings_ReportsAllFields(t *testing.T) {
	s := defaults()
	s.LeadFee = -1
	s.MinQuoteAmount = 10
	s.MaxQuoteAmount = 5
	s.PlatformCommission = decimal.NewFromInt(101)

	err := ValidateSettings(s)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	for _, field := range []string{"lead_fee", "min_quote_amount", "platform_commission"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("missing field %s in %v", field, verr.Fields)
		}
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("ValidationError does not match ErrValidation")
	}
}

func TestUpdate_RejectedLeavesSnapshot(t *testing.T) {
	r := NewRegistry(defaults(), nil, nil)
	bad := defaults()
	bad.LeadFee = -5
	if _, err := r.Update(context.Background(), bad); err == nil {
		t.Fatal("expected error")
	}
	if got := r.GetCurrent().LeadFee; got != 1500 {
		t.Errorf("lead_fee = %d, want 1500", got)
	}
}

func TestUpdate_PersistsSwapsAndNotifies(t *testing.T) {
	repo := &memRepo{}
	r := NewRegistry(defaults(), repo, nil)
	n := &countingNotifier{}
	r.SetNotifier(n)

	next := defaults()
	next.LeadFee = 2000
	got, err := r.Update(context.Background(), next)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}
	if r.GetCurrent().LeadFee != 2000 || repo.settings.LeadFee != 2000 {
		t.Errorf("current=%d stored=%d", r.GetCurrent().LeadFee, repo.settings.LeadFee)
	}
	if n.n != 1 {
		t.Errorf("notifications = %d", n.n)
	}
}

func TestLoad_SeedsDefaultsThenReadsBack(t *testing.T) {
	repo := &memRepo{}
	ctx := context.Background()
	r := NewRegistry(defaults(), repo, nil)
	if err := r.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if repo.saves != 1 {
		t.Fatalf("saves = %d, want 1", repo.saves)
	}

	stored := defaults()
	stored.LeadFee = 900
	repo.settings = &stored
	pkg := models.PaymentPackage{ID: uuid.New(), Name: "Pro", Amount: 100, Credits: 120, IsActive: true}
	repo.packages = map[uuid.UUID]models.PaymentPackage{pkg.ID: pkg}

	if err := r.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if r.GetCurrent().LeadFee != 900 {
		t.Errorf("lead_fee = %d", r.GetCurrent().LeadFee)
	}
	if _, err := r.ActivePackage(pkg.ID); err != nil {
		t.Errorf("ActivePackage: %v", err)
	}
}

func TestPackages(t *testing.T) {
	r := NewRegistry(defaults(), nil, nil)
	ctx := context.Background()

	if _, err := r.CreatePackage(ctx, PackageInput{Name: " ", Amount: 0, Credits: -1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid input err = %v", err)
	}
	big, _ := r.CreatePackage(ctx, PackageInput{Name: "Big", Amount: 100, Credits: 130})
	small, _ := r.CreatePackage(ctx, PackageInput{Name: "Small", Amount: 20, Credits: 25})

	list := r.ListPackages(true)
	if len(list) != 2 || list[0].ID != small.ID || list[1].ID != big.ID {
		t.Fatalf("list = %+v", list)
	}

	if _, err := r.DeactivatePackage(ctx, big.ID); err != nil {
		t.Fatalf("DeactivatePackage: %v", err)
	}
	if _, err := r.ActivePackage(big.ID); !errors.Is(err, ErrPackageInactive) {
		t.Errorf("ActivePackage err = %v", err)
	}
	if got := r.ListPackages(true); len(got) != 1 {
		t.Errorf("active = %d, want 1", len(got))
	}
	if got := r.ListPackages(false); len(got) != 2 {
		t.Errorf("all = %d, want 2", len(got))
	}

	active := true
	updated, err := r.UpdatePackage(ctx, big.ID, PackageInput{Name: "Big", Amount: 90, Credits: 130, IsActive: &active})
	if err != nil {
		t.Fatalf("UpdatePackage: %v", err)
	}
	if !updated.IsActive || updated.Amount != 90 {
		t.Errorf("updated = %+v", updated)
	}
	if _, err := r.UpdatePackage(ctx, uuid.New(), PackageInput{Name: "x", Amount: 1, Credits: 1}); !errors.Is(err, ErrUnknownPackage) {
		t.Errorf("unknown err = %v", err)
	}
}

func TestGetCurrent_ConcurrentWithUpdate(t *testing.T) {
	r := NewRegistry(defaults(), nil, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(fee int64) {
			defer wg.Done()
			s := defaults()
			s.LeadFee = fee
			if _, err := r.Update(ctx, s); err != nil {
				t.Errorf("Update: %v", err)
			}
		}(int64(1000 + i))
		go func() {
			defer wg.Done()
			if fee := r.GetCurrent().LeadFee; fee < 1000 || fee > 1500 {
				t.Errorf("torn read: %d", fee)
			}
		}()
	}
	wg.Wait()
}
