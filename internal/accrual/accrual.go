// Package accrual implements the yield arithmetic for fixed-income positions:
// daily accrual, maturity yield and redemption amounts.
//
// All monetary values use shopspring/decimal, never float64.
// Every function here is pure: no I/O, no clock reads.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

var (
	// AmountScale is the number of decimal places accrual results are rounded to.
	AmountScale int32 = 8

	bpsDivisor  = decimal.NewFromInt(10000)
	daysPerYear = decimal.NewFromInt(365)
)

// DailyYield returns principal × (aprBps / 10000) / 365.
//
// A zero or negative result means no task should be created for the
// position; callers log and skip rather than treat it as an error.
func DailyYield(principal decimal.Decimal, aprBps int64) decimal.Decimal {
	return principal.
		Mul(decimal.NewFromInt(aprBps)).
		Div(bpsDivisor).
		Div(daysPerYear).
		Round(AmountScale)
}

// MaturityYield returns the total yield a position earns when held for the
// full lock period: principal × (aprBps / 10000) × lockDays / 365.
func MaturityYield(principal decimal.Decimal, aprBps int64, lockDays int) decimal.Decimal {
	if lockDays <= 0 {
		return decimal.Zero
	}
	return principal.
		Mul(decimal.NewFromInt(aprBps)).
		Div(bpsDivisor).
		Mul(decimal.NewFromInt(int64(lockDays))).
		Div(daysPerYear).
		Round(AmountScale)
}

// MaturityAmount is principal plus full-term yield. It is deterministic from
// principal, product APR and lock duration.
func MaturityAmount(principal decimal.Decimal, product model.Product) decimal.Decimal {
	return principal.Add(MaturityYield(principal, product.APRBps, product.LockDays))
}

// RedemptionAmount returns what a redemption at `at` pays out on top of the
// daily payouts already distributed.
//
// Matured (at >= EndDate): principal plus whatever part of the full-term
// yield has not been paid yet. Early: principal only; accrual not yet paid
// is forfeited and paid payouts are kept.
func RedemptionAmount(pos model.Position, product model.Product, at time.Time) decimal.Decimal {
	if at.Before(pos.EndDate) {
		return pos.Principal
	}
	outstanding := MaturityYield(pos.Principal, product.APRBps, product.LockDays).Sub(pos.TotalPaid)
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	return pos.Principal.Add(outstanding)
}

// IsExpired reports whether an ACTIVE position is already past its end date
// and must move to REDEEMING instead of accruing.
func IsExpired(pos model.Position, now time.Time) bool {
	return pos.Status == model.PositionActive && pos.EndDate.Before(now)
}

// PeriodWindow returns the calendar-day window [start, end) containing t in
// loc. Payout idempotency is keyed on this window.
func PeriodWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
