// Package reporting derives analytics and reconciliation results by replaying the ledger.
// It never reads cached balances for its figures.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeslead/backend/internal/events"
	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/models"
)

// Filter narrows a summary. Zero times are unbounded.
type Filter struct {
	From      time.Time  `json:"from,omitempty"`
	To        time.Time  `json:"to,omitempty"`
	AccountID *uuid.UUID `json:"account_id,omitempty"`
}

type PeriodRevenue struct {
	Period  string `json:"period"`
	Revenue int64  `json:"revenue"`
}

type PackageTotal struct {
	PackageID uuid.UUID `json:"package_id"`
	Count     int       `json:"count"`
	Amount    int64     `json:"amount"`
	Credits   int64     `json:"credits"`
}

// Summary is the analytics view. Revenue counts lead fees and background checks at their
// captured value, less refunds. Top-ups are reported as volume, not revenue.
type Summary struct {
	Filter             Filter                           `json:"filter"`
	TransactionCount   int                              `json:"transaction_count"`
	TotalRevenue       int64                            `json:"total_revenue"`
	RevenueByKind      map[models.TransactionKind]int64 `json:"revenue_by_kind"`
	RevenueByPeriod    []PeriodRevenue                  `json:"revenue_by_period"`
	TopUpVolume        int64                            `json:"top_up_volume"`
	TopUpsByPackage    []PackageTotal                   `json:"top_ups_by_package"`
	AverageTransaction decimal.Decimal                  `json:"average_transaction"`
	AdjustmentTotal    int64                            `json:"adjustment_total"`
	FlaggedAdjustments int                              `json:"flagged_adjustments"`
}

// ChainBreak is a transaction whose balance_after disagrees with the replayed running balance.
type ChainBreak struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Expected      int64     `json:"expected"`
	Recorded      int64     `json:"recorded"`
}

type Reconciliation struct {
	AccountID        uuid.UUID    `json:"account_id"`
	CachedBalance    int64        `json:"cached_balance"`
	ReplayedBalance  int64        `json:"replayed_balance"`
	TransactionCount int          `json:"transaction_count"`
	Consistent       bool         `json:"consistent"`
	Breaks           []ChainBreak `json:"breaks,omitempty"`
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Publisher events.Publisher
	Log       *slog.Logger
	Now       func() time.Time
}

type Service struct {
	store ledger.Store
	pub   events.Publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store ledger.Store, opts Options) *Service {
	s := &Service{store: store, pub: opts.Publisher, log: opts.Log, now: opts.Now}
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

// ISOWeek formats t as an ISO-8601 week such as "2026-W09".
func ISOWeek(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func (s *Service) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	sum := &Summary{
		Filter:        f,
		RevenueByKind: make(map[models.TransactionKind]int64),
	}
	byPeriod := make(map[string]int64)
	byPackage := make(map[uuid.UUID]*PackageTotal)
	var (
		revenueCount int
		revenueGross int64
	)

	err := s.store.ScanTransactions(ctx, ledger.Filter{AccountID: f.AccountID, From: f.From, To: f.To}, func(t *models.Transaction) error {
		sum.TransactionCount++
		var delta int64
		switch t.Kind {
		case models.KindLeadFee, models.KindBackgroundCheck:
			delta = t.CapturedValue
			revenueCount++
			revenueGross += t.CapturedValue
		case models.KindRefund:
			delta = -t.CapturedValue
		case models.KindTopUp:
			sum.TopUpVolume += t.CapturedValue
			if t.PackageID != nil {
				pt, ok := byPackage[*t.PackageID]
				if !ok {
					pt = &PackageTotal{PackageID: *t.PackageID}
					byPackage[*t.PackageID] = pt
				}
				pt.Count++
				pt.Amount += t.CapturedValue
				pt.Credits += t.Amount
			}
			return nil
		case models.KindAdminAdjustment:
			sum.AdjustmentTotal += t.Amount
			if t.Flagged {
				sum.FlaggedAdjustments++
			}
			return nil
		default:
			return nil
		}
		sum.RevenueByKind[t.Kind] += delta
		sum.TotalRevenue += delta
		byPeriod[ISOWeek(t.CreatedAt)] += delta
		return nil
	})
	if err != nil {
		return nil, err
	}

	for p, rev := range byPeriod {
		sum.RevenueByPeriod = append(sum.RevenueByPeriod, PeriodRevenue{Period: p, Revenue: rev})
	}
	sort.Slice(sum.RevenueByPeriod, func(i, j int) bool { return sum.RevenueByPeriod[i].Period < sum.RevenueByPeriod[j].Period })

	for _, pt := range byPackage {
		sum.TopUpsByPackage = append(sum.TopUpsByPackage, *pt)
	}
	sort.Slice(sum.TopUpsByPackage, func(i, j int) bool {
		a, b := sum.TopUpsByPackage[i], sum.TopUpsByPackage[j]
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		return a.PackageID.String() < b.PackageID.String()
	})

	sum.AverageTransaction = decimal.Zero
	if revenueCount > 0 {
		sum.AverageTransaction = decimal.NewFromInt(revenueGross).Div(decimal.NewFromInt(int64(revenueCount))).Round(2)
	}
	return sum, nil
}

func replay(txns []*models.Transaction) (int64, []ChainBreak) {
	var (
		running int64
		breaks  []ChainBreak
	)
	for _, t := range txns {
		running += t.Amount
		if t.BalanceAfter != running {
			breaks = append(breaks, ChainBreak{TransactionID: t.ID, Expected: running, Recorded: t.BalanceAfter})
		}
	}
	return running, breaks
}

// Reconcile compares an account's cached balance with the replay of its log.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	replayed, breaks := replay(txns)
	return &Reconciliation{
		AccountID:        accountID,
		CachedBalance:    acc.Balance,
		ReplayedBalance:  replayed,
		TransactionCount: len(txns),
		Consistent:       replayed == acc.Balance && len(breaks) == 0,
		Breaks:           breaks,
	}, nil
}

// RepairBalance overwrites the cached balance with the replayed one. The log is never edited.
func (s *Service) RepairBalance(ctx context.Context, accountID uuid.UUID, actor, reason string) (*Reconciliation, error) {
	var rec Reconciliation
	err := s.store.Update(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		txns, err := s.store.ListTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		acc := tx.Account()
		replayed, breaks := replay(txns)
		rec = Reconciliation{
			AccountID:        accountID,
			CachedBalance:    acc.Balance,
			ReplayedBalance:  replayed,
			TransactionCount: len(txns),
			Breaks:           breaks,
		}
		acc.Balance = replayed
		acc.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	changed := rec.CachedBalance != rec.ReplayedBalance
	rec.Consistent = len(rec.Breaks) == 0

	s.log.Warn("cached balance repaired",
		slog.Group("audit",
			"actor", actor,
			"account_id", accountID,
			"previous_balance", rec.CachedBalance,
			"replayed_balance", rec.ReplayedBalance,
			"changed", changed,
			"reason", reason,
		),
	)
	if err := s.pub.Publish(ctx, events.BalanceRepaired, rec); err != nil {
		s.log.Error("publish event", "routing_key", events.BalanceRepaired, "error", err)
	}
	return &rec, nil
}
