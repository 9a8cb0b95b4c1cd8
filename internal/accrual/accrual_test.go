package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Daily yield ---

func TestDailyYield_TwelvePercentOnThousand(t *testing.T) {
	got := DailyYield(d(1000), 1200)
	// 1000 × 0.12 / 365 = 0.328767123...
	if got.Sub(d(0.3288)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected ≈0.3288, got %s", got)
	}
	if !got.Equal(d(0.32876712)) {
		t.Errorf("expected 0.32876712 at 8dp, got %s", got)
	}
}

func TestDailyYield_MatchesFormula(t *testing.T) {
	cases := []struct {
		principal float64
		bps       int64
	}{
		{500, 800},
		{250000, 475},
		{1, 1},
		{99999.99, 10000},
	}
	for _, c := range cases {
		got := DailyYield(d(c.principal), c.bps)
		want := d(c.principal).Mul(decimal.NewFromInt(c.bps)).Div(decimal.NewFromInt(10000)).Div(decimal.NewFromInt(365))
		if got.Sub(want).Abs().GreaterThan(d(0.00000001)) {
			t.Errorf("principal=%v bps=%d: expected %s, got %s", c.principal, c.bps, want, got)
		}
	}
}

func TestDailyYield_ZeroAndNegative(t *testing.T) {
	if y := DailyYield(d(1000), 0); y.IsPositive() {
		t.Errorf("zero APR should not accrue, got %s", y)
	}
	if y := DailyYield(decimal.Zero, 1200); y.IsPositive() {
		t.Errorf("zero principal should not accrue, got %s", y)
	}
	if y := DailyYield(d(1000), -100); !y.IsNegative() {
		t.Errorf("negative APR should produce negative yield, got %s", y)
	}
}

func TestDailyYield_NoDriftOverYear(t *testing.T) {
	// 365 daily payouts must add up to the annual yield within rounding.
	daily := DailyYield(d(10000), 500)
	total := decimal.Zero
	for i := 0; i < 365; i++ {
		total = total.Add(daily)
	}
	if total.Sub(d(500)).Abs().GreaterThan(d(0.00001)) {
		t.Errorf("expected ≈500 after a year, got %s", total)
	}
}

// --- Maturity and redemption ---

func TestMaturityAmount(t *testing.T) {
	product := model.Product{ID: "p", APRBps: 1200, LockDays: 365}
	got := MaturityAmount(d(1000), product)
	if !got.Equal(d(1120)) {
		t.Errorf("expected 1120, got %s", got)
	}

	if y := MaturityYield(d(1000), 1200, 0); !y.IsZero() {
		t.Errorf("zero lock days should yield 0, got %s", y)
	}
}

func TestRedemptionAmount_EarlyPaysPrincipalOnly(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	pos := model.Position{Principal: d(1000), EndDate: end, TotalPaid: d(10)}
	product := model.Product{APRBps: 1200, LockDays: 90}

	got := RedemptionAmount(pos, product, end.AddDate(0, 0, -30))
	if !got.Equal(d(1000)) {
		t.Errorf("expected principal only, got %s", got)
	}
}

func TestRedemptionAmount_MaturedPaysOutstandingYield(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	product := model.Product{APRBps: 1200, LockDays: 365}
	pos := model.Position{Principal: d(1000), EndDate: end, TotalPaid: d(100)}

	got := RedemptionAmount(pos, product, end)
	if !got.Equal(d(1020)) {
		t.Errorf("expected 1000 + (120 - 100), got %s", got)
	}

	// Overpaid yield never reduces principal.
	pos.TotalPaid = d(150)
	got = RedemptionAmount(pos, product, end.Add(time.Hour))
	if !got.Equal(d(1000)) {
		t.Errorf("expected 1000 when yield already fully paid, got %s", got)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pos := model.Position{Status: model.PositionActive, EndDate: now.Add(-time.Hour)}
	if !IsExpired(pos, now) {
		t.Error("active position past end date should be expired")
	}
	pos.EndDate = now.Add(time.Hour)
	if IsExpired(pos, now) {
		t.Error("position before end date should not be expired")
	}
	pos.EndDate = now.Add(-time.Hour)
	pos.Status = model.PositionRedeeming
	if IsExpired(pos, now) {
		t.Error("only ACTIVE positions are considered for expiry")
	}
}

// --- Period window ---

func TestPeriodWindow_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	// 2026-03-10 20:00 UTC is already 2026-03-11 04:00 at UTC+8.
	at := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	start, end := PeriodWindow(at, loc)
	wantStart := time.Date(2026, 3, 11, 0, 0, 0, 0, loc)
	if !start.Equal(wantStart) {
		t.Errorf("expected start %v, got %v", wantStart, start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("expected a one-day window, got %v", end.Sub(start))
	}
	if at.Before(start) || !at.Before(end) {
		t.Errorf("window [%v, %v) must contain %v", start, end, at)
	}
}

func TestPeriodWindow_NilLocationIsUTC(t *testing.T) {
	at := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	start, _ := PeriodWindow(at, nil)
	if !start.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", start)
	}
}
