// Package pricing holds the platform pricing parameters and the top-up package catalog.
//
// Reads are served from an immutable snapshot swapped atomically on every write, so the
// charge path never takes a lock to learn the current lead fee.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeslead/backend/internal/models"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation      = errors.New("validation error")
	ErrUnknownPackage  = errors.New("unknown package")
	ErrPackageInactive = errors.New("package inactive")
)

var hundred = decimal.NewFromInt(100)

// ValidationError reports every invalid field of a rejected admin write.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid returns a ValidationError for a single field.
func Invalid(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Repository persists settings and packages. Implementations must be safe for concurrent use.
type Repository interface {
	// LoadSettings returns nil, nil when no settings row exists yet.
	LoadSettings(ctx context.Context) (*models.PlatformSettings, error)
	SaveSettings(ctx context.Context, s models.PlatformSettings) error
	ListPackages(ctx context.Context) ([]models.PaymentPackage, error)
	SavePackage(ctx context.Context, p models.PaymentPackage) error
}

// Notifier tells other instances that the registry changed.
type Notifier interface {
	Notify(ctx context.Context) error
}

type snapshot struct {
	settings models.PlatformSettings
	packages map[uuid.UUID]models.PaymentPackage
}

// Registry is the pricing registry. The zero value is not usable; call NewRegistry.
type Registry struct {
	current  atomic.Pointer[snapshot]
	mu       sync.Mutex
	repo     Repository
	notifier Notifier
	now      func() time.Time
	log      *slog.Logger
}

// NewRegistry returns a registry seeded with defaults. repo may be nil for a process-local
// registry.
func NewRegistry(defaults models.PlatformSettings, repo Repository, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{repo: repo, now: time.Now, log: log}
	r.current.Store(&snapshot{settings: defaults, packages: map[uuid.UUID]models.PaymentPackage{}})
	return r
}

// SetNotifier installs the change notifier used after every successful write.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Load replaces the snapshot with the persisted state. When nothing is persisted yet the
// current settings are written as the initial row.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	settings, err := r.repo.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings == nil {
		seed := cur.settings
		if seed.UpdatedAt.IsZero() {
			seed.UpdatedAt = r.now().UTC()
		}
		if err := r.repo.SaveSettings(ctx, seed); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
		settings = &seed
	}
	pkgs, err := r.repo.ListPackages(ctx)
	if err != nil {
		return fmt.Errorf("load packages: %w", err)
	}
	next := &snapshot{settings: *settings, packages: make(map[uuid.UUID]models.PaymentPackage, len(pkgs))}
	for _, p := range pkgs {
		next.packages[p.ID] = p
	}
	r.current.Store(next)
	return nil
}

// GetCurrent returns the settings in effect right now.
func (r *Registry) GetCurrent() models.PlatformSettings {
	return r.current.Load().settings
}

// ValidateSettings checks every field of s independently.
func ValidateSettings(s models.PlatformSettings) error {
	v := &ValidationError{}
	money := map[string]int64{
		"lead_fee":             s.LeadFee,
		"min_quote_amount":     s.MinQuoteAmount,
		"max_quote_amount":     s.MaxQuoteAmount,
		"weekly_budget_min":    s.WeeklyBudgetMin,
		"featured_pro_fee":     s.FeaturedProFee,
		"background_check_fee": s.BackgroundCheckFee,
	}
	for field, amount := range money {
		if amount < 0 {
			v.add(field, "must be >= 0")
		}
	}
	if s.MinQuoteAmount > s.MaxQuoteAmount {
		v.add("min_quote_amount", "must be <= max_quote_amount")
	}
	if s.PlatformCommission.IsNegative() || s.PlatformCommission.GreaterThan(hundred) {
		v.add("platform_commission", "must be between 0 and 100")
	}
	return v.orNil()
}

// Update validates s and installs it as the new snapshot. Last writer wins.
func (r *Registry) Update(ctx context.Context, s models.PlatformSettings) (models.PlatformSettings, error) {
	if err := ValidateSettings(s); err != nil {
		return models.PlatformSettings{}, err
	}
	r.mu.Lock()
	s.UpdatedAt = r.now().UTC()
	if r.repo != nil {
		if err := r.repo.SaveSettings(ctx, s); err != nil {
			r.mu.Unlock()
			return models.PlatformSettings{}, fmt.Errorf("save settings: %w", err)
		}
	}
	cur := r.current.Load()
	r.current.Store(&snapshot{settings: s, packages: cur.packages})
	n := r.notifier
	r.mu.Unlock()

	r.log.Info("platform settings updated", "lead_fee", s.LeadFee, "background_check_fee", s.BackgroundCheckFee, "weekly_budget_min", s.WeeklyBudgetMin)
	r.notify(ctx, n)
	return s, nil
}

// PackageInput is the admin-editable part of a package.
type PackageInput struct {
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	Credits     int64  `json:"credits"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

func (in PackageInput) validate() error {
	v := &ValidationError{}
	if strings.TrimSpace(in.Name) == "" {
		v.add("name", "is required")
	}
	if in.Amount <= 0 {
		v.add("amount", "must be > 0")
	}
	if in.Credits <= 0 {
		v.add("credits", "must be > 0")
	}
	return v.orNil()
}

// GetPackage returns the package with id, active or not.
func (r *Registry) GetPackage(id uuid.UUID) (models.PaymentPackage, error) {
	p, ok := r.current.Load().packages[id]
	if !ok {
		return models.PaymentPackage{}, ErrUnknownPackage
	}
	return p, nil
}

// ActivePackage returns the package only if it may be used for a new checkout.
func (r *Registry) ActivePackage(id uuid.UUID) (models.PaymentPackage, error) {
	p, err := r.GetPackage(id)
	if err != nil {
		return p, err
	}
	if !p.IsActive {
		return p, ErrPackageInactive
	}
	return p, nil
}

// ListPackages returns the catalog ordered by price.
func (r *Registry) ListPackages(activeOnly bool) []models.PaymentPackage {
	pkgs := r.current.Load().packages
	out := make([]models.PaymentPackage, 0, len(pkgs))
	for _, p := range pkgs {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount < out[j].Amount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CreatePackage adds a package to the catalog. New packages are active unless stated otherwise.
func (r *Registry) CreatePackage(ctx context.Context, in PackageInput) (models.PaymentPackage, error) {
	if err := in.validate(); err != nil {
		return models.PaymentPackage{}, err
	}
	now := r.now().UTC()
	p := models.PaymentPackage{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(in.Name),
		Amount:      in.Amount,
		Credits:     in.Credits,
		Description: in.Description,
		IsActive:    in.IsActive == nil || *in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.putPackage(ctx, p); err != nil {
		return models.PaymentPackage{}, err
	}
	r.log.Info("payment package created", "package_id", p.ID, "amount", p.Amount, "credits", p.Credits)
	return p, nil
}

// UpdatePackage replaces the editable fields of a package. Sessions already created from it
// keep the values they snapshotted.
func (r *Registry) UpdatePackage(ctx context.Context, id uuid.UUID, in PackageInput) (models.PaymentPackage, error) {
	if err := in.validate(); err != nil {
		return models.PaymentPackage{}, err
	}
	p, err := r.GetPackage(id)
	if err != nil {
		return p, err
	}
	p.Name = strings.TrimSpace(in.Name)
	p.Amount = in.Amount
	p.Credits = in.Credits
	p.Description = in.Description
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	p.UpdatedAt = r.now().UTC()
	if err := r.putPackage(ctx, p); err != nil {
		return models.PaymentPackage{}, err
	}
	r.log.Info("payment package updated", "package_id", p.ID, "amount", p.Amount, "credits", p.Credits, "is_active", p.IsActive)
	return p, nil
}

// DeactivatePackage hides a package from future checkouts.
func (r *Registry) DeactivatePackage(ctx context.Context, id uuid.UUID) (models.PaymentPackage, error) {
	p, err := r.GetPackage(id)
	if err != nil {
		return p, err
	}
	if !p.IsActive {
		return p, nil
	}
	p.IsActive = false
	p.UpdatedAt = r.now().UTC()
	if err := r.putPackage(ctx, p); err != nil {
		return models.PaymentPackage{}, err
	}
	r.log.Info("payment package deactivated", "package_id", p.ID)
	return p, nil
}

func (r *Registry) putPackage(ctx context.Context, p models.PaymentPackage) error {
	r.mu.Lock()
	if r.repo != nil {
		if err := r.repo.SavePackage(ctx, p); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("save package: %w", err)
		}
	}
	cur := r.current.Load()
	pkgs := make(map[uuid.UUID]models.PaymentPackage, len(cur.packages)+1)
	for k, v := range cur.packages {
		pkgs[k] = v
	}
	pkgs[p.ID] = p
	r.current.Store(&snapshot{settings: cur.settings, packages: pkgs})
	n := r.notifier
	r.mu.Unlock()

	r.notify(ctx, n)
	return nil
}

func (r *Registry) notify(ctx context.Context, n Notifier) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx); err != nil {
		r.log.Warn("pricing change notification failed", "error", err)
	}
}
