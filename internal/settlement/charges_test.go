package settlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"concilia.dev/internal/instrument"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeLateChargesOnTime(t *testing.T) {
	// Paying on the due date carries no charges at all.
	c := ComputeLateCharges(100_000, date(2024, 1, 10), date(2024, 1, 10), pct("0.1"), pct("2"))
	if c.DaysLate != 0 || c.Interest != 0 || c.Penalty != 0 {
		t.Fatalf("expected zero charges, got %+v", c)
	}
	if c.Total != 100_000 {
		t.Fatalf("unexpected total: %d", c.Total)
	}

	// Early payment is also charge free.
	c = ComputeLateCharges(100_000, date(2024, 1, 10), date(2024, 1, 5), pct("0.1"), pct("2"))
	if c.DaysLate != 0 || c.Total != 100_000 {
		t.Fatalf("early payment charged: %+v", c)
	}
}

func TestComputeLateChargesOneDayBoundary(t *testing.T) {
	c := ComputeLateCharges(100_000, date(2024, 1, 10), date(2024, 1, 11), pct("0.1"), pct("2"))
	if c.DaysLate != 1 {
		t.Fatalf("expected 1 day late, got %d", c.DaysLate)
	}
	if c.Interest != 100 { // 1000.00 * 0.1% * 1 = 1.00
		t.Fatalf("unexpected interest: %d", c.Interest)
	}
	if c.Penalty != 2_000 { // flat 2%
		t.Fatalf("unexpected penalty: %d", c.Penalty)
	}
}

func TestComputeLateChargesFiveDays(t *testing.T) {
	// 1000.00 due 2024-01-10, paid 2024-01-15, 0.1%/day + 2% flat.
	c := ComputeLateCharges(100_000, date(2024, 1, 10), date(2024, 1, 15), pct("0.1"), pct("2"))
	if c.DaysLate != 5 {
		t.Fatalf("expected 5 days late, got %d", c.DaysLate)
	}
	if c.Interest != 500 {
		t.Fatalf("expected interest 5.00, got %d", c.Interest)
	}
	if c.Penalty != 2_000 {
		t.Fatalf("expected penalty 20.00, got %d", c.Penalty)
	}
	if c.Total != 102_500 {
		t.Fatalf("expected total 1025.00, got %d", c.Total)
	}
}

func TestComputeLateChargesIgnoresTimeOfDay(t *testing.T) {
	due := date(2024, 1, 10)
	paid := time.Date(2024, 1, 11, 0, 30, 0, 0, time.UTC) // 30 minutes past midnight
	c := ComputeLateCharges(100_000, due, paid, pct("0.1"), pct("2"))
	if c.DaysLate != 1 {
		t.Fatalf("expected whole-day difference of 1, got %d", c.DaysLate)
	}
}

func TestComputeLateChargesRounding(t *testing.T) {
	// 333.33 * 0.033% * 7 days = 0.76999... rounds to 0.77.
	c := ComputeLateCharges(33_333, date(2024, 1, 10), date(2024, 1, 17), pct("0.033"), pct("2"))
	if c.Interest != 77 {
		t.Fatalf("unexpected rounded interest: %d", c.Interest)
	}
	if c.Penalty != 667 { // 333.33 * 2% = 6.6666 -> 6.67
		t.Fatalf("unexpected rounded penalty: %d", c.Penalty)
	}
}

func TestRatesForOverrides(t *testing.T) {
	cfg := DefaultConfig()
	inst := instrument.Instrument{}
	daily, penalty := cfg.RatesFor(inst)
	if !daily.Equal(cfg.DailyInterestPct) || !penalty.Equal(cfg.PenaltyPct) {
		t.Fatalf("defaults not applied: %s %s", daily, penalty)
	}

	override := pct("0.5")
	inst.DailyInterestPct = &override
	daily, penalty = cfg.RatesFor(inst)
	if !daily.Equal(override) {
		t.Fatalf("instrument override ignored: %s", daily)
	}
	if !penalty.Equal(cfg.PenaltyPct) {
		t.Fatalf("penalty changed unexpectedly: %s", penalty)
	}
}
