package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/budget"
	"github.com/tradeslead/backend/internal/events"
	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/models"
	"github.com/tradeslead/backend/internal/pricing"
)

// DefaultTimeout is how long a session stays open when no timeout is configured.
const DefaultTimeout = 15 * time.Minute

// Packages resolves the package a top-up session is created for.
type Packages interface {
	ActivePackage(id uuid.UUID) (models.PaymentPackage, error)
}

// Ledger is the budget enforcer surface a paid session is reconciled through.
type Ledger interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	Credit(ctx context.Context, in budget.CreditInput) (*models.Transaction, error)
	RecordCardBackgroundCheck(ctx context.Context, accountID uuid.UUID, reference string, fee int64) (*models.Transaction, error)
}

// Config configures a Manager. Zero values select defaults.
type Config struct {
	Timeout   time.Duration
	Tokens    *Signer
	Webhooks  *Signer
	Publisher events.Publisher
	Log       *slog.Logger
	Now       func() time.Time
}

// Manager owns every session transition. Resolve is the only path to paid or failed.
type Manager struct {
	store    Store
	packages Packages
	ledger   Ledger
	timeout  time.Duration
	tokens   *Signer
	webhooks *Signer
	pub      events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewManager(store Store, packages Packages, l Ledger, cfg Config) *Manager {
	m := &Manager{
		store:    store,
		packages: packages,
		ledger:   l,
		timeout:  cfg.Timeout,
		tokens:   cfg.Tokens,
		webhooks: cfg.Webhooks,
		pub:      cfg.Publisher,
		log:      cfg.Log,
		now:      cfg.Now,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.pub == nil {
		m.pub = &events.Fallback{Log: m.log}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.tokens == nil {
		m.tokens = NewSigner(uuid.NewString())
	}
	if m.webhooks == nil {
		m.webhooks = NewSigner(uuid.NewString())
	}
	return m
}

func (m *Manager) clock() time.Time { return m.now().UTC() }

// Token returns the redirect token of a session.
func (m *Manager) Token(id uuid.UUID) string { return m.tokens.Token(id) }

// CreateSession opens a top-up session for an active package. Price and credits are copied
// from the package so later catalog edits do not affect it.
func (m *Manager) CreateSession(ctx context.Context, accountID, packageID uuid.UUID) (*models.CheckoutSession, string, error) {
	pkg, err := m.packages.ActivePackage(packageID)
	if err != nil {
		return nil, "", err
	}
	if _, err := m.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, "", err
	}
	now := m.clock()
	pid := pkg.ID
	s := &models.CheckoutSession{
		ID:        uuid.New(),
		AccountID: accountID,
		PackageID: &pid,
		Purpose:   models.PurposeTopUp,
		Amount:    pkg.Amount,
		Credits:   pkg.Credits,
		Status:    models.SessionCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	m.log.Info("checkout session created", "session_id", s.ID, "account_id", accountID, "package_id", pid, "amount", s.Amount)
	return s, m.tokens.Token(s.ID), nil
}

// CreateBackgroundCheckSession opens the one-shot card session of a background check. An
// open session for the same reference is returned instead of a new one.
func (m *Manager) CreateBackgroundCheckSession(ctx context.Context, accountID uuid.UUID, reference string, fee int64) (*models.CheckoutSession, string, error) {
	if reference == "" {
		return nil, "", pricing.Invalid("reference", "is required")
	}
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := m.store.FindOpen(ctx, accountID, models.PurposeBackgroundCheck, reference)
		if err != nil {
			return nil, "", err
		}
		if existing != nil {
			got, err := m.GetStatus(ctx, existing.ID)
			if err != nil {
				return nil, "", err
			}
			if !got.Status.Terminal() {
				return got, m.tokens.Token(got.ID), nil
			}
		}

		now := m.clock()
		s := &models.CheckoutSession{
			ID:        uuid.New(),
			AccountID: accountID,
			Purpose:   models.PurposeBackgroundCheck,
			Reference: reference,
			Amount:    fee,
			Status:    models.SessionCreated,
			CreatedAt: now,
			ExpiresAt: now.Add(m.timeout),
		}
		err = m.store.Create(ctx, s)
		if errors.Is(err, ErrOpenSessionExists) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("create session: %w", err)
		}
		m.log.Info("checkout session created", "session_id", s.ID, "account_id", accountID, "purpose", s.Purpose, "reference", reference, "amount", fee)
		return s, m.tokens.Token(s.ID), nil
	}
	return nil, "", ErrOpenSessionExists
}

// OpenBackgroundCheckSession returns the unresolved card session of a background check, or
// nil when there is none. A stale session is expired on the way and reported as none.
func (m *Manager) OpenBackgroundCheckSession(ctx context.Context, accountID uuid.UUID, reference string) (*models.CheckoutSession, error) {
	existing, err := m.store.FindOpen(ctx, accountID, models.PurposeBackgroundCheck, reference)
	if err != nil || existing == nil {
		return nil, err
	}
	got, err := m.GetStatus(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	if got.Status.Terminal() {
		return nil, nil
	}
	return got, nil
}

func expire(s *models.CheckoutSession, now time.Time) {
	s.Status = models.SessionExpired
	s.ResolvedAt = &now
}

func rejection(s *models.CheckoutSession) error {
	if s.Status == models.SessionExpired {
		return ErrSessionExpired
	}
	return ErrSessionTerminal
}

// MarkPending records that the gateway has taken the payment in hand.
func (m *Manager) MarkPending(ctx context.Context, id uuid.UUID) (*models.CheckoutSession, error) {
	var (
		out    models.CheckoutSession
		reject error
		closed bool
	)
	err := m.store.Update(ctx, id, func(_ context.Context, s *models.CheckoutSession) error {
		now := m.clock()
		if s.Stale(now) {
			expire(s, now)
			closed = true
		}
		switch {
		case s.Status.Terminal():
			reject = rejection(s)
		case s.Status == models.SessionCreated:
			s.Status = models.SessionPending
		}
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		m.resolved(ctx, &out)
	}
	if reject != nil {
		return &out, reject
	}
	return &out, nil
}

// Resolve moves a session to a terminal outcome. A paid outcome is credited to the ledger
// before the status is stored, and the credit is idempotent by session, so redelivery after
// a crash between the two completes the session without crediting twice.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, outcome models.SessionStatus) (*models.CheckoutSession, error) {
	if !outcome.Terminal() {
		return nil, pricing.Invalid("outcome", fmt.Sprintf("%q is not a terminal status", outcome))
	}
	var (
		out    models.CheckoutSession
		reject error
		closed bool
	)
	err := m.store.Update(ctx, id, func(ctx context.Context, s *models.CheckoutSession) error {
		now := m.clock()
		if s.Stale(now) {
			expire(s, now)
			closed = true
		}
		if s.Status.Terminal() {
			if s.Status != outcome {
				reject = rejection(s)
			}
			out = *s
			return nil
		}
		if outcome == models.SessionPaid {
			if err := m.fulfil(ctx, s); err != nil {
				return err
			}
		}
		s.Status = outcome
		s.ResolvedAt = &now
		closed = true
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		m.resolved(ctx, &out)
	}
	if reject != nil {
		m.log.Warn("checkout resolution rejected", "session_id", id, "status", out.Status, "outcome", outcome)
		return &out, reject
	}
	return &out, nil
}

func (m *Manager) fulfil(ctx context.Context, s *models.CheckoutSession) error {
	var err error
	switch s.Purpose {
	case models.PurposeBackgroundCheck:
		_, err = m.ledger.RecordCardBackgroundCheck(ctx, s.AccountID, s.LedgerReference(), s.Amount)
	default:
		_, err = m.ledger.Credit(ctx, budget.CreditInput{
			AccountID:  s.AccountID,
			Credits:    s.Credits,
			Reference:  s.LedgerReference(),
			PackageID:  s.PackageID,
			PaidAmount: s.Amount,
		})
	}
	// A duplicate is this session's own entry from an earlier delivery. Collisions with a
	// credits payment are settled inside RecordCardBackgroundCheck and are not duplicates.
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fulfil session %s: %w", s.ID, err)
	}
	return nil
}

// GetStatus reads a session. A stale session is expired on the way.
func (m *Manager) GetStatus(ctx context.Context, id uuid.UUID) (*models.CheckoutSession, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Stale(m.clock()) {
		return s, nil
	}
	var (
		out    models.CheckoutSession
		closed bool
	)
	err = m.store.Update(ctx, id, func(_ context.Context, s *models.CheckoutSession) error {
		if now := m.clock(); s.Stale(now) {
			expire(s, now)
			closed = true
		}
		out = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		m.resolved(ctx, &out)
	}
	return &out, nil
}

// StatusByToken serves the redirect return flow.
func (m *Manager) StatusByToken(ctx context.Context, token string) (*models.CheckoutSession, error) {
	id, err := m.tokens.ParseToken(token)
	if err != nil {
		return nil, err
	}
	return m.GetStatus(ctx, id)
}

// ExpireStale closes up to limit sessions whose window has ended and returns how many it closed.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := m.store.ListStale(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		var (
			out    models.CheckoutSession
			closed bool
		)
		err := m.store.Update(ctx, id, func(_ context.Context, s *models.CheckoutSession) error {
			if s.Stale(now) {
				expire(s, now)
				closed = true
			}
			out = *s
			return nil
		})
		if err != nil {
			return n, err
		}
		if closed {
			n++
			m.resolved(ctx, &out)
		}
	}
	return n, nil
}

// WebhookPayload is the body a gateway posts on completion.
type WebhookPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Outcome   string    `json:"outcome"`
}

// HandleWebhook verifies the signature of a gateway notification and resolves the session.
func (m *Manager) HandleWebhook(ctx context.Context, body []byte, signature string) (*models.CheckoutSession, error) {
	if !m.webhooks.Verify(body, signature) {
		return nil, ErrBadSignature
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, pricing.Invalid("body", "invalid JSON")
	}
	outcome, ok := models.ParseOutcome(p.Outcome)
	if !ok {
		return nil, pricing.Invalid("outcome", fmt.Sprintf("%q is not a terminal status", p.Outcome))
	}
	return m.Resolve(ctx, p.SessionID, outcome)
}

// MarkPendingSigned verifies a gateway signature over the session id before MarkPending.
func (m *Manager) MarkPendingSigned(ctx context.Context, id uuid.UUID, signature string) (*models.CheckoutSession, error) {
	if !m.webhooks.Verify([]byte(id.String()), signature) {
		return nil, ErrBadSignature
	}
	return m.MarkPending(ctx, id)
}

func (m *Manager) resolved(ctx context.Context, s *models.CheckoutSession) {
	m.log.Info("checkout session resolved", "session_id", s.ID, "account_id", s.AccountID, "status", s.Status)
	if err := m.pub.Publish(ctx, events.SessionResolved, s); err != nil {
		m.log.Error("publish event", "routing_key", events.SessionResolved, "error", err)
	}
}
