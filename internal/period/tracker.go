// Package period rolls weekly spend counters over at seven-day boundaries.
package period

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/models"
)

// Length is the span of one budget period.
const Length = 7 * 24 * time.Hour

// Rollover resets acc's weekly spend when now has reached the end of its period and moves
// PeriodStart to the latest boundary not after now. Balance is never touched.
func Rollover(acc *models.Account, now time.Time) bool {
	end := acc.PeriodStart.Add(Length)
	if now.Before(end) {
		return false
	}
	elapsed := now.Sub(acc.PeriodStart) / Length
	acc.PeriodStart = acc.PeriodStart.Add(elapsed * Length)
	acc.WeeklySpent = 0
	acc.UpdatedAt = now
	return true
}

// Tracker applies Rollover through the ledger store, under the account lock.
type Tracker struct {
	store ledger.Store
	now   func() time.Time
}

func NewTracker(store ledger.Store, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}
}

// RolloverIfDue reports whether the account crossed a boundary and was reset.
func (t *Tracker) RolloverIfDue(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var rolled bool
	err := t.store.Update(ctx, accountID, func(_ context.Context, tx ledger.Tx) error {
		rolled = Rollover(tx.Account(), t.now().UTC())
		return nil
	})
	return rolled, err
}
