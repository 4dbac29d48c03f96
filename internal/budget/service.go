// Package budget is the transactional core of the lead-credit ledger. Every balance change
// runs inside ledger.Store.Update, so an account's checks and writes are serialized and
// commit together.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/events"
	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/models"
	"github.com/tradeslead/backend/internal/period"
	"github.com/tradeslead/backend/internal/pricing"
)

// ErrInsufficientFunds is returned when a debit exceeds the balance or the remaining weekly budget.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrAlreadyRefunded is returned for a second refund of the same transaction. It matches
// ledger.ErrDuplicateReference.
var ErrAlreadyRefunded = fmt.Errorf("already refunded: %w", ledger.ErrDuplicateReference)

// ErrCardPaymentPending is returned when a credits payment is attempted while a card
// checkout for the same background check is still open.
var ErrCardPaymentPending = errors.New("card payment pending")

// Settings is the read side of the pricing registry.
type Settings interface {
	GetCurrent() models.PlatformSettings
}

// CardCheckout opens the external payment flow for card-paid background checks.
type CardCheckout interface {
	CreateBackgroundCheckSession(ctx context.Context, accountID uuid.UUID, reference string, fee int64) (*models.CheckoutSession, string, error)
	// OpenBackgroundCheckSession returns the unresolved card session for reference, or nil.
	OpenBackgroundCheckSession(ctx context.Context, accountID uuid.UUID, reference string) (*models.CheckoutSession, error)
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Publisher events.Publisher
	Log       *slog.Logger
	Now       func() time.Time
	// RefundRestoresWeeklySpend also gives back weekly spend when a refunded charge was made
	// in the account's current period.
	RefundRestoresWeeklySpend bool
}

// Service is the budget enforcer.
type Service struct {
	store    ledger.Store
	settings Settings
	card     CardCheckout
	pub      events.Publisher
	log      *slog.Logger
	now      func() time.Time

	refundRestoresSpend bool
}

func NewService(store ledger.Store, settings Settings, opts Options) *Service {
	s := &Service{
		store:               store,
		settings:            settings,
		pub:                 opts.Publisher,
		log:                 opts.Log,
		now:                 opts.Now,
		refundRestoresSpend: opts.RefundRestoresWeeklySpend,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.pub == nil {
		s.pub = &events.Fallback{Log: s.log}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetCardCheckout installs the checkout manager. It is set after construction because the
// manager in turn credits through this service.
func (s *Service) SetCardCheckout(c CardCheckout) { s.card = c }

func (s *Service) clock() time.Time { return s.now().UTC() }

// OpenAccount registers a professional. A nil id is replaced with a fresh one.
func (s *Service) OpenAccount(ctx context.Context, id uuid.UUID, weeklyBudget int64) (*models.Account, error) {
	cur := s.settings.GetCurrent()
	if weeklyBudget < cur.WeeklyBudgetMin {
		return nil, pricing.Invalid("weekly_budget", fmt.Sprintf("must be at least %d", cur.WeeklyBudgetMin))
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.clock()
	acc := &models.Account{
		ID:           id,
		WeeklyBudget: weeklyBudget,
		PeriodStart:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	s.log.Info("account opened", "account_id", id, "weekly_budget", weeklyBudget)
	return acc, nil
}

// GetAccount returns the account as of now. A due rollover is reflected in the result but
// not persisted; the next write persists it.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	period.Rollover(acc, s.clock())
	return acc, nil
}

func (s *Service) SetWeeklyBudget(ctx context.Context, id uuid.UUID, weeklyBudget int64) (*models.Account, error) {
	cur := s.settings.GetCurrent()
	if weeklyBudget < cur.WeeklyBudgetMin {
		return nil, pricing.Invalid("weekly_budget", fmt.Sprintf("must be at least %d", cur.WeeklyBudgetMin))
	}
	var out models.Account
	err := s.store.Update(ctx, id, func(_ context.Context, tx ledger.Tx) error {
		acc := tx.Account()
		now := s.clock()
		period.Rollover(acc, now)
		acc.WeeklyBudget = weeklyBudget
		acc.UpdatedAt = now
		out = *acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) ListTransactions(ctx context.Context, id uuid.UUID) ([]*models.Transaction, error) {
	return s.store.ListTransactions(ctx, id)
}

// ChargeLeadFee debits the current lead fee for a quote on the job identified by reference.
// A repeated reference returns the original transaction with ledger.ErrDuplicateReference.
func (s *Service) ChargeLeadFee(ctx context.Context, accountID uuid.UUID, reference string) (*models.Transaction, error) {
	fee := s.settings.GetCurrent().LeadFee
	return s.debit(ctx, accountID, models.KindLeadFee, reference, fee)
}

// BackgroundCheckResult is the outcome of ChargeBackgroundCheck. Exactly one of Transaction
// and Session is set.
type BackgroundCheckResult struct {
	Method      models.PaymentMethod    `json:"payment_method"`
	Transaction *models.Transaction     `json:"transaction,omitempty"`
	Session     *models.CheckoutSession `json:"session,omitempty"`
	Token       string                  `json:"token,omitempty"`
}

// ChargeBackgroundCheck pays for a background check. Credits are debited immediately under
// the same rules as a lead fee. Card payment opens a checkout session and the ledger entry
// is written only when that session resolves paid.
func (s *Service) ChargeBackgroundCheck(ctx context.Context, accountID uuid.UUID, reference string, method models.PaymentMethod) (*BackgroundCheckResult, error) {
	cur := s.settings.GetCurrent()
	if !cur.MethodEnabled(method) {
		return nil, pricing.Invalid("payment_method", fmt.Sprintf("%q is disabled", method))
	}
	if reference == "" {
		return nil, pricing.Invalid("reference", "is required")
	}
	fee := cur.BackgroundCheckFee

	switch method {
	case models.PaymentCredits:
		if s.card != nil {
			open, err := s.card.OpenBackgroundCheckSession(ctx, accountID, reference)
			if err != nil {
				return nil, err
			}
			if open != nil {
				return nil, ErrCardPaymentPending
			}
		}
		txn, err := s.debit(ctx, accountID, models.KindBackgroundCheck, reference, fee)
		if txn == nil {
			return nil, err
		}
		return &BackgroundCheckResult{Method: txn.PaymentMethod, Transaction: txn}, err

	case models.PaymentCard:
		if s.card == nil {
			return nil, errors.New("card checkout not configured")
		}
		paid, err := s.lookup(ctx, accountID, models.KindBackgroundCheck, reference)
		if err == nil {
			return &BackgroundCheckResult{Method: paid.PaymentMethod, Transaction: paid}, ledger.ErrDuplicateReference
		}
		if !errors.Is(err, ledger.ErrUnknownTransaction) {
			return nil, err
		}
		sess, token, err := s.card.CreateBackgroundCheckSession(ctx, accountID, reference, fee)
		if err != nil {
			return nil, err
		}
		return &BackgroundCheckResult{Method: method, Session: sess, Token: token}, nil
	}
	return nil, pricing.Invalid("payment_method", fmt.Sprintf("unknown method %q", method))
}

// debit is the credits payment path shared by lead fees and background checks.
func (s *Service) debit(ctx context.Context, accountID uuid.UUID, kind models.TransactionKind, reference string, fee int64) (*models.Transaction, error) {
	if reference == "" {
		return nil, pricing.Invalid("reference", "is required")
	}
	var (
		txn  *models.Transaction
		dup  *models.Transaction
		left int64
	)
	err := s.store.Update(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		acc := tx.Account()
		now := s.clock()
		period.Rollover(acc, now)

		existing, err := tx.FindByReference(ctx, kind, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			dup = existing
			return ledger.ErrDuplicateReference
		}
		if !acc.CanSpend(fee) {
			left = acc.RemainingBudget()
			return ErrInsufficientFunds
		}

		t := &models.Transaction{
			ID:            uuid.New(),
			AccountID:     acc.ID,
			Kind:          kind,
			Amount:        -fee,
			BalanceAfter:  acc.Balance - fee,
			Reference:     reference,
			CapturedValue: fee,
			PaymentMethod: models.PaymentCredits,
			CreatedAt:     now,
		}
		if err := tx.Append(ctx, t); err != nil {
			return err
		}
		acc.Balance -= fee
		acc.WeeklySpent += fee
		acc.UpdatedAt = now
		txn = t
		return nil
	})
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		s.log.Info("charge rejected", "account_id", accountID, "kind", kind, "fee", fee, "remaining_budget", left)
		return nil, err
	case errors.Is(err, ledger.ErrDuplicateReference):
		return s.duplicate(ctx, accountID, kind, reference, dup)
	case err != nil:
		return nil, err
	}
	s.committed(ctx, txn)
	return txn, nil
}

// CreditInput describes a top-up.
type CreditInput struct {
	AccountID  uuid.UUID
	Credits    int64
	Reference  string
	PackageID  *uuid.UUID
	PaidAmount int64
}

// Credit adds purchased credits. It is idempotent by reference, normally the checkout
// session id.
func (s *Service) Credit(ctx context.Context, in CreditInput) (*models.Transaction, error) {
	if in.Credits <= 0 {
		return nil, pricing.Invalid("credits", "must be positive")
	}
	if in.Reference == "" {
		return nil, pricing.Invalid("reference", "is required")
	}
	return s.mint(ctx, in.AccountID, models.KindTopUp, in.Reference, func(acc *models.Account, now time.Time) *models.Transaction {
		acc.Balance += in.Credits
		acc.UpdatedAt = now
		return &models.Transaction{
			Kind:          models.KindTopUp,
			Amount:        in.Credits,
			BalanceAfter:  acc.Balance,
			CapturedValue: in.PaidAmount,
			PaymentMethod: models.PaymentCard,
			PackageID:     in.PackageID,
		}
	})
}

// RecordCardBackgroundCheck writes the zero-delta ledger entry of a card-paid background check.
//
// If the same check was already paid with credits, the card payment still lands in the
// ledger: the credits debit is refunded and the card entry is stored under
// models.CardSettlementReference, in one commit.
func (s *Service) RecordCardBackgroundCheck(ctx context.Context, accountID uuid.UUID, reference string, fee int64) (*models.Transaction, error) {
	if reference == "" {
		return nil, pricing.Invalid("reference", "is required")
	}
	var (
		card, refund, dup *models.Transaction
		debited           *models.Transaction
		ref               = reference
	)
	err := s.store.Update(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		ref = reference
		existing, err := tx.FindByReference(ctx, models.KindBackgroundCheck, reference)
		if err != nil {
			return err
		}
		acc := tx.Account()
		now := s.clock()
		period.Rollover(acc, now)

		if existing != nil {
			if existing.PaymentMethod != models.PaymentCredits {
				dup = existing
				return ledger.ErrDuplicateReference
			}
			debited = existing
			ref = models.CardSettlementReference(reference)
			settled, err := tx.FindByReference(ctx, models.KindBackgroundCheck, ref)
			if err != nil {
				return err
			}
			if settled != nil {
				dup = settled
				return ledger.ErrDuplicateReference
			}
			refunded, err := tx.FindByReference(ctx, models.KindRefund, models.RefundReference(existing.ID))
			if err != nil {
				return err
			}
			if refunded == nil {
				refund = s.reversal(acc, existing, fmt.Sprintf("background check %s also paid by card", reference), now)
				if err := tx.Append(ctx, refund); err != nil {
					return err
				}
			}
		}

		card = &models.Transaction{
			ID:            uuid.New(),
			AccountID:     acc.ID,
			Kind:          models.KindBackgroundCheck,
			BalanceAfter:  acc.Balance,
			Reference:     ref,
			CapturedValue: fee,
			PaymentMethod: models.PaymentCard,
			CreatedAt:     now,
		}
		return tx.Append(ctx, card)
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return s.duplicate(ctx, accountID, models.KindBackgroundCheck, ref, dup)
	}
	if err != nil {
		return nil, err
	}
	if debited != nil {
		s.log.Warn("background check paid twice, credits debit settled",
			slog.Group("audit",
				"account_id", accountID,
				"reference", reference,
				"credits_transaction_id", debited.ID,
				"card_transaction_id", card.ID,
				"refunded", refund != nil,
			),
		)
	}
	if refund != nil {
		s.committed(ctx, refund)
	}
	s.committed(ctx, card)
	return card, nil
}

// mint appends the transaction built by apply unless (account, kind, reference) already exists.
func (s *Service) mint(ctx context.Context, accountID uuid.UUID, kind models.TransactionKind, reference string, apply func(*models.Account, time.Time) *models.Transaction) (*models.Transaction, error) {
	var txn, dup *models.Transaction
	err := s.store.Update(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.FindByReference(ctx, kind, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			dup = existing
			return ledger.ErrDuplicateReference
		}
		acc := tx.Account()
		now := s.clock()
		period.Rollover(acc, now)
		t := apply(acc, now)
		t.ID = uuid.New()
		t.AccountID = acc.ID
		t.Reference = reference
		t.CreatedAt = now
		if err := tx.Append(ctx, t); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return s.duplicate(ctx, accountID, kind, reference, dup)
	}
	if err != nil {
		return nil, err
	}
	s.committed(ctx, txn)
	return txn, nil
}

// Refund credits back the value of a credits-paid charge.
func (s *Service) Refund(ctx context.Context, accountID, originalID uuid.UUID, reason string) (*models.Transaction, error) {
	if reason == "" {
		return nil, pricing.Invalid("reason", "is required")
	}
	reference := models.RefundReference(originalID)
	var txn, dup *models.Transaction
	err := s.store.Update(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		orig, err := tx.FindTransaction(ctx, originalID)
		if err != nil {
			return err
		}
		if !orig.Kind.Refundable() {
			return pricing.Invalid("transaction_id", fmt.Sprintf("%s transactions are not refundable", orig.Kind))
		}
		if orig.PaymentMethod == models.PaymentCard {
			return pricing.Invalid("transaction_id", "card payments are refunded through the gateway")
		}
		existing, err := tx.FindByReference(ctx, models.KindRefund, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			dup = existing
			return ErrAlreadyRefunded
		}

		acc := tx.Account()
		now := s.clock()
		period.Rollover(acc, now)
		t := s.reversal(acc, orig, reason, now)
		if err := tx.Append(ctx, t); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		if dup == nil {
			found, ferr := s.lookup(ctx, accountID, models.KindRefund, reference)
			if ferr != nil {
				return nil, ferr
			}
			dup = found
		}
		return dup, ErrAlreadyRefunded
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("refund issued",
		slog.Group("audit",
			"account_id", accountID,
			"original_transaction_id", originalID,
			"amount", txn.Amount,
			"reason", reason,
		),
	)
	s.committed(ctx, txn)
	return txn, nil
}

// reversal applies the refund of orig to acc and returns the refund entry to append.
func (s *Service) reversal(acc *models.Account, orig *models.Transaction, reason string, now time.Time) *models.Transaction {
	value := -orig.Amount
	acc.Balance += value
	if s.refundRestoresSpend && !orig.CreatedAt.Before(acc.PeriodStart) {
		acc.WeeklySpent = max(acc.WeeklySpent-value, 0)
	}
	acc.UpdatedAt = now
	return &models.Transaction{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		Kind:          models.KindRefund,
		Amount:        value,
		BalanceAfter:  acc.Balance,
		Reference:     models.RefundReference(orig.ID),
		CapturedValue: value,
		PaymentMethod: orig.PaymentMethod,
		Reason:        reason,
		CreatedAt:     now,
	}
}

// AdjustmentInput describes an administrative balance correction.
type AdjustmentInput struct {
	AccountID     uuid.UUID
	Amount        int64
	Reason        string
	Reference     string
	AllowNegative bool
	Actor         string
}

// AdminAdjustment applies a signed correction. A result below zero needs AllowNegative and
// is flagged.
func (s *Service) AdminAdjustment(ctx context.Context, in AdjustmentInput) (*models.Transaction, error) {
	verr := &pricing.ValidationError{}
	if in.Reason == "" {
		verr.Fields = map[string]string{"reason": "is required"}
	}
	if in.Amount == 0 {
		if verr.Fields == nil {
			verr.Fields = map[string]string{}
		}
		verr.Fields["amount"] = "must be non-zero"
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	reference := in.Reference
	if reference == "" {
		reference = "adjustment:" + uuid.NewString()
	}

	var txn, dup *models.Transaction
	err := s.store.Update(ctx, in.AccountID, func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.FindByReference(ctx, models.KindAdminAdjustment, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			dup = existing
			return ledger.ErrDuplicateReference
		}
		acc := tx.Account()
		next := acc.Balance + in.Amount
		if next < 0 && !in.AllowNegative {
			return ErrInsufficientFunds
		}
		now := s.clock()
		period.Rollover(acc, now)
		acc.Balance = next
		acc.UpdatedAt = now
		t := &models.Transaction{
			ID:            uuid.New(),
			AccountID:     acc.ID,
			Kind:          models.KindAdminAdjustment,
			Amount:        in.Amount,
			BalanceAfter:  next,
			Reference:     reference,
			CapturedValue: abs(in.Amount),
			Reason:        in.Reason,
			Flagged:       next < 0,
			CreatedAt:     now,
		}
		if err := tx.Append(ctx, t); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return s.duplicate(ctx, in.AccountID, models.KindAdminAdjustment, reference, dup)
	}
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if txn.Flagged {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "admin adjustment applied",
		slog.Group("audit",
			"actor", in.Actor,
			"account_id", in.AccountID,
			"transaction_id", txn.ID,
			"amount", in.Amount,
			"balance_after", txn.BalanceAfter,
			"reason", in.Reason,
			"flagged", txn.Flagged,
		),
	)
	s.committed(ctx, txn)
	s.publish(ctx, events.AdminAdjustment, map[string]any{
		"actor":       in.Actor,
		"transaction": txn,
	})
	return txn, nil
}

// duplicate returns the transaction already recorded under reference together with
// ledger.ErrDuplicateReference. dup is nil when the conflict surfaced at commit time.
func (s *Service) duplicate(ctx context.Context, accountID uuid.UUID, kind models.TransactionKind, reference string, dup *models.Transaction) (*models.Transaction, error) {
	if dup == nil {
		found, err := s.lookup(ctx, accountID, kind, reference)
		if err != nil {
			return nil, err
		}
		dup = found
	}
	return dup, ledger.ErrDuplicateReference
}

func (s *Service) lookup(ctx context.Context, accountID uuid.UUID, kind models.TransactionKind, reference string) (*models.Transaction, error) {
	var found *models.Transaction
	err := s.store.Update(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.FindByReference(ctx, kind, reference)
		found = t
		return err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ledger.ErrUnknownTransaction
	}
	return found, nil
}

func (s *Service) committed(ctx context.Context, txn *models.Transaction) {
	s.log.Info("transaction recorded",
		"transaction_id", txn.ID,
		"account_id", txn.AccountID,
		"kind", txn.Kind,
		"amount", txn.Amount,
		"balance_after", txn.BalanceAfter,
	)
	s.publish(ctx, events.TransactionCreated, txn)
}

func (s *Service) publish(ctx context.Context, key string, body any) {
	if err := s.pub.Publish(ctx, key, body); err != nil {
		s.log.Error("publish event", "routing_key", key, "error", err)
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
