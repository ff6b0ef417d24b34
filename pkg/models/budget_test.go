package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMonthWindowStart(t *testing.T) {
	got := MonthWindowStart(time.Date(2026, 3, 17, 22, 4, 5, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)

	// Non-UTC input normalizes to the UTC month.
	loc := time.FixedZone("plus5", 5*3600)
	got = MonthWindowStart(time.Date(2026, 4, 1, 2, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestBudgetNeedsRollover(t *testing.T) {
	b := &UserBudget{WindowStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}

	assert.False(t, b.NeedsRollover(time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)))
	assert.True(t, b.NeedsRollover(time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)))
}

func TestBudgetRemaining(t *testing.T) {
	b := &UserBudget{
		PeriodCap:   decimal.RequireFromString("10"),
		WindowSpend: decimal.RequireFromString("7.25"),
	}
	assert.True(t, b.Remaining().Equal(decimal.RequireFromString("2.75")))

	// Overspend (possible when a call lands exactly at the cap) clamps to zero.
	b.WindowSpend = decimal.RequireFromString("11")
	assert.True(t, b.Remaining().Equal(decimal.Zero))
}
