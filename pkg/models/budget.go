package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBudget tracks one user's spend inside the current calendar-month
// window. The gateway mutates it transactionally together with each usage
// row append; the cleanup service rolls the window at month boundaries.
type UserBudget struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	UserID      int64           `db:"user_id" json:"user_id"`
	WindowStart time.Time       `db:"window_start" json:"window_start"`
	PeriodCap   decimal.Decimal `db:"period_cap" json:"period_cap"`
	PerCallCap  decimal.Decimal `db:"per_call_cap" json:"per_call_cap"`
	WindowSpend decimal.Decimal `db:"window_spend" json:"window_spend"`
	LastResetAt time.Time       `db:"last_reset_at" json:"last_reset_at"`
}

// MonthWindowStart returns the UTC calendar-month boundary containing now.
func MonthWindowStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NeedsRollover reports whether now has crossed out of the budget's window.
func (b *UserBudget) NeedsRollover(now time.Time) bool {
	return MonthWindowStart(now).After(b.WindowStart)
}

// Remaining returns the spend still available in the window. Never negative.
func (b *UserBudget) Remaining() decimal.Decimal {
	r := b.PeriodCap.Sub(b.WindowSpend)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
