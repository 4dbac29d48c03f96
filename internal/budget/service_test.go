package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeslead/backend/internal/events"
	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/models"
	"github.com/tradeslead/backend/internal/pricing"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSettings() models.PlatformSettings {
	return models.PlatformSettings{
		LeadFee:            10,
		PlatformCommission: decimal.NewFromInt(15),
		MinQuoteAmount:     100,
		MaxQuoteAmount:     1_000_000,
		WeeklyBudgetMin:    0,
		BackgroundCheckFee: 30,
		CreditsEnabled:     true,
		CardEnabled:        true,
	}
}

type fixture struct {
	svc   *Service
	store *ledger.MemoryStore
	reg   *pricing.Registry
	clock *fakeClock
	rec   *events.Recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: ledger.NewMemoryStore(),
		reg:   pricing.NewRegistry(testSettings(), nil, nil),
		clock: &fakeClock{now: t0},
		rec:   &events.Recorder{},
	}
	opts.Now = f.clock.Now
	opts.Publisher = f.rec
	f.svc = NewService(f.store, f.reg, opts)
	return f
}

// seed opens an account and gives it balance with weeklySpent already used this period.
func (f *fixture) seed(t *testing.T, balance, weeklyBudget, weeklySpent int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	acc, err := f.svc.OpenAccount(ctx, uuid.Nil, weeklyBudget)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	err = f.store.Update(ctx, acc.ID, func(_ context.Context, tx ledger.Tx) error {
		a := tx.Account()
		a.Balance = balance
		a.WeeklySpent = weeklySpent
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return acc.ID
}

func (f *fixture) account(t *testing.T, id uuid.UUID) *models.Account {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acc
}

func TestChargeLeadFee_DebitsBalanceAndWeeklySpend(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 0)

	txn, err := f.svc.ChargeLeadFee(context.Background(), id, "job-1")
	if err != nil {
		t.Fatalf("ChargeLeadFee: %v", err)
	}
	if txn.Amount != -10 || txn.BalanceAfter != 90 || txn.CapturedValue != 10 {
		t.Errorf("txn = %+v", txn)
	}
	if txn.Kind != models.KindLeadFee || txn.PaymentMethod != models.PaymentCredits {
		t.Errorf("kind/method = %s/%s", txn.Kind, txn.PaymentMethod)
	}
	acc := f.account(t, id)
	if acc.Balance != 90 || acc.WeeklySpent != 10 {
		t.Errorf("balance=%d weekly_spent=%d, want 90/10", acc.Balance, acc.WeeklySpent)
	}
	if f.rec.Count(events.TransactionCreated) != 1 {
		t.Errorf("events = %v", f.rec.Keys())
	}
}

func TestChargeLeadFee_WeeklyBudgetCapsEvenWithBalance(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 45)

	_, err := f.svc.ChargeLeadFee(context.Background(), id, "job-1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	acc := f.account(t, id)
	if acc.Balance != 100 || acc.WeeklySpent != 45 {
		t.Errorf("account mutated: %+v", acc)
	}
	txns, _ := f.store.ListTransactions(context.Background(), id)
	if len(txns) != 0 {
		t.Errorf("transactions = %d, want 0", len(txns))
	}
}

func TestChargeLeadFee_InsufficientBalance(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 5, 50, 0)

	if _, err := f.svc.ChargeLeadFee(context.Background(), id, "job-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestChargeLeadFee_DuplicateReturnsOriginal(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 0)
	ctx := context.Background()

	first, err := f.svc.ChargeLeadFee(ctx, id, "job-1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := f.svc.ChargeLeadFee(ctx, id, "job-1")
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("err = %v, want ErrDuplicateReference", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("duplicate returned %+v, want %s", again, first.ID)
	}
	if acc := f.account(t, id); acc.Balance != 90 {
		t.Errorf("balance = %d, want 90", acc.Balance)
	}
}

func TestChargeLeadFee_DuplicateWinsOverInsufficientFunds(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 10, 50, 0)
	ctx := context.Background()

	if _, err := f.svc.ChargeLeadFee(ctx, id, "job-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Balance is now 0; a retry of the same quote still reports the original charge.
	if _, err := f.svc.ChargeLeadFee(ctx, id, "job-1"); !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("err = %v, want ErrDuplicateReference", err)
	}
}

func TestChargeLeadFee_ConcurrentNeverGoesNegative(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 95, 1000, 0)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ok  int
		nsf int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ChargeLeadFee(ctx, id, uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				nsf++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 9 || nsf != 41 {
		t.Errorf("ok=%d nsf=%d, want 9/41", ok, nsf)
	}
	if acc := f.account(t, id); acc.Balance != 5 {
		t.Errorf("balance = %d, want 5", acc.Balance)
	}
}

func TestChargeLeadFee_ConcurrentSameReferenceChargesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 100, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, err := f.svc.ChargeLeadFee(ctx, id, "job-42")
			if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids[i] = txn.ID
		}(i)
	}
	wg.Wait()

	for _, got := range ids[1:] {
		if got != ids[0] {
			t.Fatalf("callers saw different transactions: %s vs %s", got, ids[0])
		}
	}
	if acc := f.account(t, id); acc.Balance != 90 {
		t.Errorf("balance = %d, want 90", acc.Balance)
	}
}

func TestChargeLeadFee_RollsOverBeforeChecking(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 45)
	f.clock.Advance(7 * 24 * time.Hour)

	if _, err := f.svc.ChargeLeadFee(context.Background(), id, "job-1"); err != nil {
		t.Fatalf("ChargeLeadFee after rollover: %v", err)
	}
	acc := f.account(t, id)
	if acc.WeeklySpent != 10 || acc.Balance != 90 {
		t.Errorf("weekly_spent=%d balance=%d, want 10/90", acc.WeeklySpent, acc.Balance)
	}
	if !acc.PeriodStart.Equal(t0.Add(7 * 24 * time.Hour)) {
		t.Errorf("period_start = %s", acc.PeriodStart)
	}
}

func TestChargeLeadFee_PriceChangeDoesNotRewriteHistory(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 100, 0)
	ctx := context.Background()

	first, err := f.svc.ChargeLeadFee(ctx, id, "job-1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	next := testSettings()
	next.LeadFee = 25
	if _, err := f.reg.Update(ctx, next); err != nil {
		t.Fatalf("Update settings: %v", err)
	}
	second, err := f.svc.ChargeLeadFee(ctx, id, "job-2")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	stored, err := f.store.GetTransaction(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if stored.CapturedValue != 10 || stored.Amount != -10 {
		t.Errorf("first txn changed: %+v", stored)
	}
	if second.CapturedValue != 25 {
		t.Errorf("second captured = %d, want 25", second.CapturedValue)
	}
}

func TestChargeLeadFee_UnknownAccount(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.svc.ChargeLeadFee(context.Background(), uuid.New(), "job-1"); !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
}

type fakeCard struct {
	calls int
	sess  *models.CheckoutSession
}

func (c *fakeCard) CreateBackgroundCheckSession(_ context.Context, accountID uuid.UUID, reference string, fee int64) (*models.CheckoutSession, string, error) {
	c.calls++
	c.sess = &models.CheckoutSession{
		ID:        uuid.New(),
		AccountID: accountID,
		Purpose:   models.PurposeBackgroundCheck,
		Reference: reference,
		Amount:    fee,
		Status:    models.SessionCreated,
	}
	return c.sess, "tok", nil
}

func (c *fakeCard) OpenBackgroundCheckSession(_ context.Context, _ uuid.UUID, reference string) (*models.CheckoutSession, error) {
	if c.sess == nil || c.sess.Reference != reference || c.sess.Status.Terminal() {
		return nil, nil
	}
	return c.sess, nil
}

func TestChargeBackgroundCheck_Credits(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 100, 0)

	res, err := f.svc.ChargeBackgroundCheck(context.Background(), id, "bgc-1", models.PaymentCredits)
	if err != nil {
		t.Fatalf("ChargeBackgroundCheck: %v", err)
	}
	if res.Transaction == nil || res.Transaction.Amount != -30 || res.Session != nil {
		t.Fatalf("result = %+v", res)
	}
	if acc := f.account(t, id); acc.Balance != 70 || acc.WeeklySpent != 30 {
		t.Errorf("account = %+v", acc)
	}
}

func TestChargeBackgroundCheck_CardBypassesBalance(t *testing.T) {
	f := newFixture(t, Options{})
	card := &fakeCard{}
	f.svc.SetCardCheckout(card)
	id := f.seed(t, 0, 0, 0)

	res, err := f.svc.ChargeBackgroundCheck(context.Background(), id, "bgc-1", models.PaymentCard)
	if err != nil {
		t.Fatalf("ChargeBackgroundCheck: %v", err)
	}
	if res.Session == nil || res.Session.Amount != 30 || res.Transaction != nil {
		t.Fatalf("result = %+v", res)
	}
	if card.calls != 1 {
		t.Errorf("card calls = %d", card.calls)
	}
	txns, _ := f.store.ListTransactions(context.Background(), id)
	if len(txns) != 0 {
		t.Errorf("card path wrote %d transactions before payment", len(txns))
	}
}

func TestChargeBackgroundCheck_CardAlreadyPaid(t *testing.T) {
	f := newFixture(t, Options{})
	card := &fakeCard{}
	f.svc.SetCardCheckout(card)
	id := f.seed(t, 0, 0, 0)
	ctx := context.Background()

	paid, err := f.svc.RecordCardBackgroundCheck(ctx, id, "bgc-1", 30)
	if err != nil {
		t.Fatalf("RecordCardBackgroundCheck: %v", err)
	}
	res, err := f.svc.ChargeBackgroundCheck(ctx, id, "bgc-1", models.PaymentCard)
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("err = %v, want ErrDuplicateReference", err)
	}
	if res.Transaction.ID != paid.ID || card.calls != 0 {
		t.Errorf("res = %+v calls = %d", res, card.calls)
	}
}

func TestChargeBackgroundCheck_CreditsWhileCardOpen(t *testing.T) {
	f := newFixture(t, Options{})
	card := &fakeCard{}
	f.svc.SetCardCheckout(card)
	id := f.seed(t, 100, 100, 0)
	ctx := context.Background()

	if _, err := f.svc.ChargeBackgroundCheck(ctx, id, "bgc-1", models.PaymentCard); err != nil {
		t.Fatalf("card: %v", err)
	}
	if _, err := f.svc.ChargeBackgroundCheck(ctx, id, "bgc-1", models.PaymentCredits); !errors.Is(err, ErrCardPaymentPending) {
		t.Fatalf("err = %v, want ErrCardPaymentPending", err)
	}
	if acc := f.account(t, id); acc.Balance != 100 {
		t.Errorf("balance = %d, want 100", acc.Balance)
	}

	// Another reference is unaffected.
	if _, err := f.svc.ChargeBackgroundCheck(ctx, id, "bgc-2", models.PaymentCredits); err != nil {
		t.Fatalf("credits for other reference: %v", err)
	}

	card.sess.Status = models.SessionExpired
	if _, err := f.svc.ChargeBackgroundCheck(ctx, id, "bgc-1", models.PaymentCredits); err != nil {
		t.Fatalf("credits after card session closed: %v", err)
	}
}

func TestRecordCardBackgroundCheck_SettlesCreditsDebit(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 100, 0)
	ctx := context.Background()

	res, err := f.svc.ChargeBackgroundCheck(ctx, id, "bgc-1", models.PaymentCredits)
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	card, err := f.svc.RecordCardBackgroundCheck(ctx, id, "bgc-1", 30)
	if err != nil {
		t.Fatalf("RecordCardBackgroundCheck: %v", err)
	}
	if card.PaymentMethod != models.PaymentCard || card.CapturedValue != 30 || card.Reference != models.CardSettlementReference("bgc-1") {
		t.Errorf("card entry = %+v", card)
	}
	if acc := f.account(t, id); acc.Balance != 100 {
		t.Errorf("balance = %d, want 100 after the credits debit is returned", acc.Balance)
	}

	// Redelivery changes nothing.
	again, err := f.svc.RecordCardBackgroundCheck(ctx, id, "bgc-1", 30)
	if !errors.Is(err, ledger.ErrDuplicateReference) || again.ID != card.ID {
		t.Fatalf("again = %+v, %v", again, err)
	}

	txns, _ := f.store.ListTransactions(ctx, id)
	var kinds []models.TransactionKind
	for _, txn := range txns {
		kinds = append(kinds, txn.Kind)
	}
	// credits debit, refund, card entry
	if len(txns) != 3 || kinds[1] != models.KindRefund || txns[1].Reference != models.RefundReference(res.Transaction.ID) || txns[2].BalanceAfter != 100 {
		t.Fatalf("kinds = %v", kinds)
	}
	if _, err := f.svc.Refund(ctx, id, res.Transaction.ID, "manual"); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("manual refund after settlement: %v", err)
	}
}

func TestChargeBackgroundCheck_DisabledMethod(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 100, 0)
	s := testSettings()
	s.CardEnabled = false
	if _, err := f.reg.Update(context.Background(), s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, err := f.svc.ChargeBackgroundCheck(context.Background(), id, "bgc-1", models.PaymentCard)
	if !errors.Is(err, pricing.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestCredit_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 0, 50, 0)
	ctx := context.Background()
	pkg := uuid.New()
	in := CreditInput{AccountID: id, Credits: 25, Reference: "sess-1", PackageID: &pkg, PaidAmount: 20}

	txn, err := f.svc.Credit(ctx, in)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if txn.Amount != 25 || txn.CapturedValue != 20 || *txn.PackageID != pkg {
		t.Errorf("txn = %+v", txn)
	}
	if _, err := f.svc.Credit(ctx, in); !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("second credit err = %v", err)
	}
	acc := f.account(t, id)
	if acc.Balance != 25 || acc.WeeklySpent != 0 {
		t.Errorf("account = %+v", acc)
	}
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 0, 50, 0)
	if _, err := f.svc.Credit(context.Background(), CreditInput{AccountID: id, Credits: 0, Reference: "r"}); !errors.Is(err, pricing.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefund_BalanceOnlyByDefault(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 0)
	ctx := context.Background()

	charge, err := f.svc.ChargeLeadFee(ctx, id, "job-1")
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	refund, err := f.svc.Refund(ctx, id, charge.ID, "customer cancelled")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.Amount != 10 || refund.Reference != models.RefundReference(charge.ID) || refund.Reason != "customer cancelled" {
		t.Errorf("refund = %+v", refund)
	}
	acc := f.account(t, id)
	if acc.Balance != 100 || acc.WeeklySpent != 10 {
		t.Errorf("balance=%d weekly_spent=%d, want 100/10", acc.Balance, acc.WeeklySpent)
	}

	again, err := f.svc.Refund(ctx, id, charge.ID, "customer cancelled")
	if !errors.Is(err, ErrAlreadyRefunded) || !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("second refund err = %v", err)
	}
	if again.ID != refund.ID {
		t.Errorf("second refund returned %s, want %s", again.ID, refund.ID)
	}
}

func TestRefund_RestoresWeeklySpendWhenConfigured(t *testing.T) {
	f := newFixture(t, Options{RefundRestoresWeeklySpend: true})
	id := f.seed(t, 100, 50, 0)
	ctx := context.Background()

	charge, _ := f.svc.ChargeLeadFee(ctx, id, "job-1")
	if _, err := f.svc.Refund(ctx, id, charge.ID, "dispute"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if acc := f.account(t, id); acc.WeeklySpent != 0 {
		t.Errorf("weekly_spent = %d, want 0", acc.WeeklySpent)
	}
}

func TestRefund_PreviousPeriodChargeLeavesSpend(t *testing.T) {
	f := newFixture(t, Options{RefundRestoresWeeklySpend: true})
	id := f.seed(t, 100, 50, 0)
	ctx := context.Background()

	charge, _ := f.svc.ChargeLeadFee(ctx, id, "job-1")
	f.clock.Advance(8 * 24 * time.Hour)
	if _, err := f.svc.ChargeLeadFee(ctx, id, "job-2"); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := f.svc.Refund(ctx, id, charge.ID, "dispute"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if acc := f.account(t, id); acc.WeeklySpent != 10 || acc.Balance != 90 {
		t.Errorf("account = %+v", acc)
	}
}

func TestRefund_RejectsNonRefundable(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 0, 50, 0)
	ctx := context.Background()

	topUp, _ := f.svc.Credit(ctx, CreditInput{AccountID: id, Credits: 25, Reference: "sess-1", PaidAmount: 20})
	if _, err := f.svc.Refund(ctx, id, topUp.ID, "oops"); !errors.Is(err, pricing.ErrValidation) {
		t.Errorf("top-up refund err = %v", err)
	}
	card, _ := f.svc.RecordCardBackgroundCheck(ctx, id, "bgc-1", 30)
	if _, err := f.svc.Refund(ctx, id, card.ID, "oops"); !errors.Is(err, pricing.ErrValidation) {
		t.Errorf("card refund err = %v", err)
	}
	if _, err := f.svc.Refund(ctx, id, uuid.New(), "oops"); !errors.Is(err, ledger.ErrUnknownTransaction) {
		t.Errorf("unknown refund err = %v", err)
	}
	if _, err := f.svc.Refund(ctx, id, topUp.ID, ""); !errors.Is(err, pricing.ErrValidation) {
		t.Errorf("missing reason err = %v", err)
	}
}

func TestRefund_ConcurrentRefundsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 0)
	ctx := context.Background()
	charge, _ := f.svc.ChargeLeadFee(ctx, id, "job-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refund(ctx, id, charge.ID, "dup"); err != nil && !errors.Is(err, ErrAlreadyRefunded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if acc := f.account(t, id); acc.Balance != 100 {
		t.Errorf("balance = %d, want 100", acc.Balance)
	}
}

func TestAdminAdjustment(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 20, 50, 0)
	ctx := context.Background()

	if _, err := f.svc.AdminAdjustment(ctx, AdjustmentInput{AccountID: id, Amount: 5}); !errors.Is(err, pricing.ErrValidation) {
		t.Fatalf("missing reason err = %v", err)
	}
	if _, err := f.svc.AdminAdjustment(ctx, AdjustmentInput{AccountID: id, Amount: -30, Reason: "chargeback"}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("negative without flag err = %v", err)
	}

	txn, err := f.svc.AdminAdjustment(ctx, AdjustmentInput{AccountID: id, Amount: -30, Reason: "chargeback", AllowNegative: true, Actor: "admin-1"})
	if err != nil {
		t.Fatalf("AdminAdjustment: %v", err)
	}
	if !txn.Flagged || txn.BalanceAfter != -10 || txn.Reason != "chargeback" || txn.Reference == "" {
		t.Errorf("txn = %+v", txn)
	}
	if acc := f.account(t, id); acc.Balance != -10 {
		t.Errorf("balance = %d", acc.Balance)
	}
	if f.rec.Count(events.AdminAdjustment) != 1 {
		t.Errorf("audit events = %v", f.rec.Keys())
	}

	credit, err := f.svc.AdminAdjustment(ctx, AdjustmentInput{AccountID: id, Amount: 15, Reason: "goodwill", Reference: "ticket-9"})
	if err != nil {
		t.Fatalf("credit adjustment: %v", err)
	}
	if credit.Flagged || credit.BalanceAfter != 5 {
		t.Errorf("credit = %+v", credit)
	}
	if _, err := f.svc.AdminAdjustment(ctx, AdjustmentInput{AccountID: id, Amount: 15, Reason: "goodwill", Reference: "ticket-9"}); !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Errorf("repeat adjustment err = %v", err)
	}
}

func TestOpenAccount_EnforcesMinimumBudget(t *testing.T) {
	f := newFixture(t, Options{})
	s := testSettings()
	s.WeeklyBudgetMin = 100
	if _, err := f.reg.Update(context.Background(), s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.svc.OpenAccount(context.Background(), uuid.Nil, 50); !errors.Is(err, pricing.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	id := uuid.New()
	acc, err := f.svc.OpenAccount(context.Background(), id, 100)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if acc.ID != id || acc.Balance != 0 || !acc.PeriodStart.Equal(t0) {
		t.Errorf("acc = %+v", acc)
	}
	if _, err := f.svc.OpenAccount(context.Background(), id, 100); !errors.Is(err, ledger.ErrAccountExists) {
		t.Errorf("reopen err = %v", err)
	}
}

func TestSetWeeklyBudget(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 45)

	acc, err := f.svc.SetWeeklyBudget(context.Background(), id, 60)
	if err != nil {
		t.Fatalf("SetWeeklyBudget: %v", err)
	}
	if acc.WeeklyBudget != 60 || acc.WeeklySpent != 45 {
		t.Errorf("acc = %+v", acc)
	}
	if _, err := f.svc.ChargeLeadFee(context.Background(), id, "job-1"); err != nil {
		t.Errorf("charge after raise: %v", err)
	}
}

func TestGetAccount_ReflectsRolloverWithoutWriting(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.seed(t, 100, 50, 45)
	f.clock.Advance(10 * 24 * time.Hour)

	view, err := f.svc.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if view.WeeklySpent != 0 || view.RemainingBudget() != 50 {
		t.Errorf("view = %+v", view)
	}
	if stored := f.account(t, id); stored.WeeklySpent != 45 {
		t.Errorf("stored weekly_spent = %d, want 45", stored.WeeklySpent)
	}
}
