package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"concilia.dev/internal/instrument"
)

var hundred = decimal.NewFromInt(100)

// Config holds the system default charge rates. Both are percentages:
// DailyInterestPct accrues per day late, PenaltyPct is a flat one-time
// charge on the principal.
type Config struct {
	DailyInterestPct decimal.Decimal
	PenaltyPct       decimal.Decimal
}

// DefaultConfig mirrors the usual Brazilian collection terms: 0.033% a day
// (~1% a month) plus a 2% flat penalty.
func DefaultConfig() Config {
	return Config{
		DailyInterestPct: decimal.RequireFromString("0.033"),
		PenaltyPct:       decimal.RequireFromString("2"),
	}
}

// RatesFor resolves the effective rates for an instrument, preferring its
// per-instrument overrides over the system defaults.
func (c Config) RatesFor(inst instrument.Instrument) (daily, penalty decimal.Decimal) {
	daily, penalty = c.DailyInterestPct, c.PenaltyPct
	if inst.DailyInterestPct != nil {
		daily = *inst.DailyInterestPct
	}
	if inst.PenaltyPct != nil {
		penalty = *inst.PenaltyPct
	}
	return daily, penalty
}

// LateCharges is the amount due for an instrument at a payment date.
// All amounts are centavos.
type LateCharges struct {
	DaysLate  int   `json:"days_late"`
	Principal int64 `json:"principal"`
	Interest  int64 `json:"interest"`
	Penalty   int64 `json:"penalty"`
	Total     int64 `json:"total"`
}

// ComputeLateCharges computes interest and penalty for a payment made on
// paymentDate against a principal due on dueDate. Days late are whole
// calendar days; time of day never matters. Interest accrues linearly per
// day late, the penalty is flat. Each component rounds half away from zero
// to whole centavos.
func ComputeLateCharges(principal int64, dueDate, paymentDate time.Time, dailyInterestPct, penaltyPct decimal.Decimal) LateCharges {
	charges := LateCharges{Principal: principal, Total: principal}

	days := daysBetween(dueDate, paymentDate)
	if days <= 0 {
		return charges
	}
	charges.DaysLate = days

	p := decimal.NewFromInt(principal)
	charges.Interest = p.Mul(dailyInterestPct).Div(hundred).Mul(decimal.NewFromInt(int64(days))).Round(0).IntPart()
	charges.Penalty = p.Mul(penaltyPct).Div(hundred).Round(0).IntPart()
	charges.Total = principal + charges.Interest + charges.Penalty
	return charges
}

// ChargesFor computes the amount due for an instrument at a payment date
// using its effective rates.
func (c Config) ChargesFor(inst instrument.Instrument, paymentDate time.Time) LateCharges {
	daily, penalty := c.RatesFor(inst)
	return ComputeLateCharges(inst.Amount, inst.DueDate, paymentDate, daily, penalty)
}

// daysBetween counts whole calendar days from a to b, ignoring time of day.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	start := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	end := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start) / (24 * time.Hour))
}
