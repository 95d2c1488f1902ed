package reconcile

import (
	"sort"
	"strings"
	"time"

	"concilia.dev/internal/instrument"
	"concilia.dev/internal/settlement"
)

// ScoreConfig tunes candidate scoring. The three weights sum to 100 so a
// score reads as a confidence percentage.
type ScoreConfig struct {
	AmountWeight int // exact amount match
	DateWeight   int // movement date vs due date proximity
	RefWeight    int // bank reference carries the instrument's our-number

	// DateWindowDays excludes instruments whose due date is further than
	// this many days from the movement date.
	DateWindowDays int

	// AutoMatchThreshold is the minimum score to settle without review.
	// AmbiguityMargin downgrades an auto-match to a suggestion when the
	// runner-up scores within this margin of the best candidate.
	AutoMatchThreshold  int
	AmbiguityMargin     int
	SuggestionThreshold int

	// StaleAfter flags unresolved movements for escalation.
	StaleAfter time.Duration
}

func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		AmountWeight:        70,
		DateWeight:          20,
		RefWeight:           10,
		DateWindowDays:      10,
		AutoMatchThreshold:  90,
		AmbiguityMargin:     5,
		SuggestionThreshold: 60,
		StaleAfter:          7 * 24 * time.Hour,
	}
}

// Score rates one open instrument against one bank movement. A zero score
// means the instrument is not a candidate at all.
//
// The amount is compared against the charge-adjusted total the instrument
// would carry if paid on the movement date, so a late payment that covers
// principal plus accrued charges still counts as exact. An exact late
// payment also zeroes the date component's day difference: the payer paid
// precisely what was owed on that day, which identifies the instrument as
// strongly as paying on time would.
func (c ScoreConfig) Score(mov NormalizedMovement, inst instrument.Instrument, charges settlement.Config) MatchCandidate {
	cand := MatchCandidate{InstrumentID: inst.ID, DueDate: inst.DueDate}

	amount := mov.Amount
	if amount < 0 {
		amount = -amount
	}

	expected := inst.Amount
	exactLate := false
	if mov.Date.After(inst.DueDate) {
		due := charges.ChargesFor(inst, mov.Date)
		expected = due.Total
		exactLate = amount == due.Total
	}

	diff := amount - expected
	if diff < 0 {
		diff = -diff
	}
	cand.AmountDiff = diff

	switch {
	case diff == 0:
		cand.Score += c.AmountWeight
	case diff <= 1:
		cand.Score += c.AmountWeight - 5
	case diff*100 <= expected:
		// Within 1% of the expected total.
		cand.Score += c.AmountWeight * 3 / 7
	default:
		return MatchCandidate{InstrumentID: inst.ID, DueDate: inst.DueDate, AmountDiff: diff}
	}

	days := daysApart(mov.Date, inst.DueDate)
	cand.DaysDiff = days
	if exactLate {
		days = 0
	}
	if days > c.DateWindowDays {
		return MatchCandidate{InstrumentID: inst.ID, DueDate: inst.DueDate, AmountDiff: diff, DaysDiff: cand.DaysDiff}
	}
	if s := c.DateWeight - 2*days; s > 0 {
		cand.Score += s
	}

	if inst.OurNumber != "" &&
		(strings.Contains(mov.BankRef, inst.OurNumber) || strings.Contains(mov.Description, inst.OurNumber)) {
		cand.RefMatch = true
		cand.Score += c.RefWeight
	}

	return cand
}

// Rank scores every open instrument against a movement and returns the
// viable candidates best first. Ordering is deterministic: score
// descending, then due date ascending, then instrument id.
func (c ScoreConfig) Rank(mov NormalizedMovement, open []instrument.Instrument, charges settlement.Config) []MatchCandidate {
	wantKind := instrument.Receivable
	if mov.Amount < 0 {
		wantKind = instrument.Payable
	}

	var out []MatchCandidate
	for _, inst := range open {
		if inst.Kind != wantKind {
			continue
		}
		cand := c.Score(mov, inst, charges)
		if cand.Score == 0 {
			continue
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].InstrumentID < out[j].InstrumentID
	})
	return out
}

// Classify decides a movement's status from its ranked candidates.
func (c ScoreConfig) Classify(candidates []MatchCandidate) MovementStatus {
	if len(candidates) == 0 || candidates[0].Score < c.SuggestionThreshold {
		return StatusDivergence
	}
	best := candidates[0]
	if best.Score >= c.AutoMatchThreshold {
		if len(candidates) == 1 || best.Score-candidates[1].Score >= c.AmbiguityMargin {
			return StatusMatched
		}
	}
	return StatusSuggestion
}

func daysApart(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	d := int(time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Sub(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)) / (24 * time.Hour))
	if d < 0 {
		return -d
	}
	return d
}
