package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"concilia.dev/internal/audit"
	"concilia.dev/internal/instrument"
	"concilia.dev/internal/ledger"
	"concilia.dev/internal/obs"
	"concilia.dev/internal/settlement"
)

// Engine matches bank-reported movements against open instruments and
// settles the confident ones. Everything below the auto-match threshold is
// left for an operator: the engine never guesses with money.
type Engine struct {
	runs        RunStore
	instruments instrument.Store
	settler     *settlement.Engine
	locker      AccountLocker
	scoring     ScoreConfig
	charges     settlement.Config
}

func NewEngine(runs RunStore, instruments instrument.Store, settler *settlement.Engine, locker AccountLocker, scoring ScoreConfig, charges settlement.Config) *Engine {
	return &Engine{
		runs:        runs,
		instruments: instruments,
		settler:     settler,
		locker:      locker,
		scoring:     scoring,
		charges:     charges,
	}
}

// Ingest processes one batch of bank movements against an account. The
// account lock is held for the whole run so two batches cannot settle the
// same instrument twice.
//
// Auto-matched movements settle immediately, posting a single
// reconciliation-credit (or debit, for payables) per bank movement. Each
// matched instrument leaves the candidate pool for the rest of the run.
func (e *Engine) Ingest(ctx context.Context, integrationID, accountID string, movements []NormalizedMovement, now time.Time) (Run, error) {
	release, err := e.locker.Acquire(ctx, accountID)
	if err != nil {
		return Run{}, err
	}
	defer release()

	run := Run{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		AccountID:     accountID,
		ProcessedAt:   now.UTC(),
		Status:        RunProcessing,
		Movements:     make([]BankMovement, 0, len(movements)),
	}

	open, err := e.instruments.ListOpen(ctx, accountID)
	if err != nil {
		run.Status = RunError
		run.Error = err.Error()
		_ = e.runs.CreateRun(ctx, run)
		return run, err
	}

	for _, nm := range movements {
		bm := BankMovement{NormalizedMovement: nm, Status: StatusPending}
		bm.Candidates = e.scoring.Rank(nm, open, e.charges)
		bm.Status = e.scoring.Classify(bm.Candidates)

		if bm.Status == StatusMatched {
			best := bm.Candidates[0]
			settled, err := e.settleAgainst(ctx, run.AccountID, best.InstrumentID, nm)
			if err != nil {
				// A failed auto-settlement is not fatal to the run; the
				// movement drops to a suggestion for manual handling.
				bm.Status = StatusSuggestion
				bm.Note = fmt.Sprintf("auto-match failed: %v", err)
			} else {
				bm.InstrumentID = best.InstrumentID
				bm.MovementID = settled.Movements[0].ID
				ts := now.UTC()
				bm.ResolvedAt = &ts
				open = removeInstrument(open, best.InstrumentID)
			}
		}

		obs.ObserveReconciliation(string(bm.Status))
		run.Movements = append(run.Movements, bm)
	}

	e.recompute(&run)
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	audit.LogEvent(ctx, "reconciliation_run", map[string]any{
		"run_id":     run.ID,
		"account_id": run.AccountID,
		"total":      run.Counters.Total,
		"matched":    run.Counters.Matched,
		"pending":    run.Counters.Pending,
		"divergent":  run.Counters.Divergences,
	})
	return run, nil
}

// ResolveManually confirms a movement against an operator-chosen
// instrument. Works on pending, suggestion and divergence movements; a
// movement that is already matched or ignored returns ErrNotResolvable.
func (e *Engine) ResolveManually(ctx context.Context, runID string, index int, instrumentID, note string) (Run, error) {
	run, bm, err := e.movementAt(ctx, runID, index)
	if err != nil {
		return Run{}, err
	}

	settled, err := e.settleAgainst(ctx, run.AccountID, instrumentID, bm.NormalizedMovement)
	if err != nil {
		return Run{}, err
	}

	ts := time.Now().UTC()
	bm.Status = StatusMatched
	bm.InstrumentID = instrumentID
	bm.MovementID = settled.Movements[0].ID
	bm.Note = note
	bm.ResolvedAt = &ts
	run.Movements[index] = *bm

	e.recompute(&run)
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return Run{}, err
	}
	obs.ObserveReconciliation(string(StatusMatched))
	audit.LogEvent(ctx, "reconciliation_resolve", map[string]any{
		"run_id": runID, "index": index, "instrument_id": instrumentID,
	})
	return run, nil
}

// Ignore marks a movement as not-ours (bank fees, duplicates). No ledger
// effect; the movement just stops counting as pending.
func (e *Engine) Ignore(ctx context.Context, runID string, index int, note string) (Run, error) {
	run, bm, err := e.movementAt(ctx, runID, index)
	if err != nil {
		return Run{}, err
	}

	ts := time.Now().UTC()
	bm.Status = StatusIgnored
	bm.Note = note
	bm.ResolvedAt = &ts
	run.Movements[index] = *bm

	e.recompute(&run)
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return Run{}, err
	}
	obs.ObserveReconciliation(string(StatusIgnored))
	audit.LogEvent(ctx, "reconciliation_ignore", map[string]any{
		"run_id": runID, "index": index,
	})
	return run, nil
}

// EscalateStale flags unresolved movements older than the staleness cutoff,
// measured from the run's processing time. The flag is orthogonal to
// status: an escalated suggestion is still a suggestion.
func (e *Engine) EscalateStale(ctx context.Context, runID string, now time.Time) (Run, int, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return Run{}, 0, err
	}

	escalated := e.applyEscalation(&run, now)
	if escalated == 0 {
		return run, 0, nil
	}

	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return Run{}, 0, err
	}
	audit.LogEvent(ctx, "reconciliation_escalate", map[string]any{
		"run_id": runID, "count": escalated,
	})
	return run, escalated, nil
}

// SweepStale escalates stale movements across recent runs; the batch
// controller calls it after every automatic run. Returns how many
// movements were newly flagged.
func (e *Engine) SweepStale(ctx context.Context, now time.Time) (int, error) {
	runs, err := e.runs.ListRuns(ctx, "", 1000)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, run := range runs {
		n := e.applyEscalation(&run, now)
		if n == 0 {
			continue
		}
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		audit.LogEvent(ctx, "reconciliation_escalate", map[string]any{
			"count": total,
		})
	}
	return total, nil
}

// applyEscalation flags the run's unresolved movements when the run is
// older than the staleness threshold. Already-escalated movements are
// left alone, which makes every sweep idempotent.
func (e *Engine) applyEscalation(run *Run, now time.Time) int {
	cutoff := now.UTC().Add(-e.scoring.StaleAfter)
	if run.ProcessedAt.After(cutoff) {
		return 0
	}

	escalated := 0
	for i := range run.Movements {
		bm := &run.Movements[i]
		if !bm.Unresolved() && bm.Status != StatusDivergence {
			continue
		}
		if bm.Escalated {
			continue
		}
		ts := now.UTC()
		bm.Escalated = true
		bm.EscalationReason = fmt.Sprintf("unresolved for more than %s", e.scoring.StaleAfter)
		bm.EscalatedAt = &ts
		escalated++
		obs.ObserveEscalation()
	}
	return escalated
}

// GetRun returns one run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (Run, error) {
	return e.runs.GetRun(ctx, runID)
}

// ListRuns returns recent runs, optionally scoped to an account.
func (e *Engine) ListRuns(ctx context.Context, accountID string, limit int) ([]Run, error) {
	return e.runs.ListRuns(ctx, accountID, limit)
}

// settleAgainst posts a single reconciliation movement settling the
// instrument with the bank-reported amount and date.
func (e *Engine) settleAgainst(ctx context.Context, accountID, instrumentID string, nm NormalizedMovement) (settlement.Result, error) {
	amount := nm.Amount
	if amount < 0 {
		amount = -amount
	}
	return e.settler.Settle(ctx, settlement.SettleRequest{
		InstrumentID: instrumentID,
		PaymentDate:  nm.Date,
		Legs: []settlement.PaymentLeg{{
			Method:    "reconciliation",
			AccountID: accountID,
			Amount:    amount,
		}},
		// The bank already moved the money; checking funds here could only
		// block recording a fact.
		AllowNegative: true,
		Category:      ledger.CategoryReconciliationCredit,
	})
}

func (e *Engine) movementAt(ctx context.Context, runID string, index int) (Run, *BankMovement, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return Run{}, nil, err
	}
	if index < 0 || index >= len(run.Movements) {
		return Run{}, nil, ErrMovementIndex
	}
	bm := &run.Movements[index]
	if bm.Status == StatusMatched || bm.Status == StatusIgnored {
		return Run{}, nil, ErrNotResolvable
	}
	return run, bm, nil
}

// recompute refreshes counters, the balance difference and the aggregate
// status. Matched and ignored movements are accounted for; everything else
// contributes to the bank-vs-ledger difference.
func (e *Engine) recompute(run *Run) {
	c := Counters{Total: len(run.Movements)}
	var diff int64
	for _, bm := range run.Movements {
		switch bm.Status {
		case StatusMatched:
			c.Matched++
		case StatusIgnored:
			c.Ignored++
		case StatusSuggestion:
			c.Suggestions++
			c.Pending++
			diff += bm.Amount
		case StatusDivergence:
			c.Divergences++
			diff += bm.Amount
		default:
			c.Pending++
			diff += bm.Amount
		}
	}
	run.Counters = c
	run.BalanceDiff = diff

	switch {
	case run.Status == RunError:
	case c.Pending == 0 && c.Divergences == 0:
		run.Status = RunCompleted
	default:
		run.Status = RunAwaitingReview
	}
}

func removeInstrument(open []instrument.Instrument, id string) []instrument.Instrument {
	out := open[:0]
	for _, inst := range open {
		if inst.ID != id {
			out = append(out, inst)
		}
	}
	return out
}
