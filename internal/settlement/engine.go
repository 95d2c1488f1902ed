package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"concilia.dev/internal/instrument"
	"concilia.dev/internal/ledger"
	"concilia.dev/internal/obs"
)

// splitTolerance is the allowed absolute difference, in centavos, between
// the sum of payment legs and the computed total.
const splitTolerance = 1

var (
	ErrAlreadySettled  = errors.New("settlement: instrument is not pending or overdue")
	ErrNotSettled      = errors.New("settlement: instrument has no linked movements")
	ErrNoPaymentLegs   = errors.New("settlement: at least one payment leg is required")
	ErrUnbalancedSplit = errors.New("settlement: payment legs do not sum to the amount due")
)

// PaymentLeg is one payment instrument used to settle an obligation, e.g.
// part PIX and part cash.
type PaymentLeg struct {
	Method    string `json:"method"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// Breakdown is the settled amount split into its charge components.
type Breakdown struct {
	Principal int64 `json:"principal"`
	Interest  int64 `json:"interest"`
	Penalty   int64 `json:"penalty"`
}

func (b Breakdown) Total() int64 { return b.Principal + b.Interest + b.Penalty }

// SettleRequest asks the engine to mark an instrument paid and post the
// corresponding ledger effect.
type SettleRequest struct {
	InstrumentID string
	PaymentDate  time.Time

	// Breakdown overrides the computed charges. Nil means compute from the
	// instrument's due date and effective rates at PaymentDate.
	Breakdown *Breakdown

	// Legs are the payment instruments. A single leg posts one movement per
	// non-zero breakdown component (principal, interest, penalty, in that
	// order); multiple legs post one movement per leg.
	Legs []PaymentLeg

	// AllowNegative skips the funds check on payable settlements.
	// Receivables never check funds.
	AllowNegative bool

	// Category overrides the movement category and collapses the posting to
	// one movement per leg. Reconciliation uses it to post a single
	// reconciliation-credit per confirmed bank movement.
	Category ledger.Category

	// Per-request rate overrides, rarely used outside charge simulations.
	DailyInterestPct *decimal.Decimal
	PenaltyPct       *decimal.Decimal
}

// Result reports a completed settlement.
type Result struct {
	Instrument instrument.Instrument `json:"instrument"`
	Movements  []ledger.Movement     `json:"movements"`
	Charges    LateCharges           `json:"charges"`
}

// Engine turns "pay this obligation" into ledger movements plus an
// instrument status change, all-or-nothing.
type Engine struct {
	ledger      ledger.Store
	instruments instrument.Store
	cfg         Config
}

func NewEngine(l ledger.Store, i instrument.Store, cfg Config) *Engine {
	return &Engine{ledger: l, instruments: i, cfg: cfg}
}

// Charges computes the amount due for an instrument at a payment date
// without settling anything.
func (e *Engine) Charges(ctx context.Context, instrumentID string, paymentDate time.Time) (LateCharges, error) {
	inst, err := e.instruments.Get(ctx, instrumentID)
	if err != nil {
		return LateCharges{}, err
	}
	return e.cfg.ChargesFor(inst, paymentDate), nil
}

// Settle validates the request fully before posting anything: a failing
// settlement leaves the ledger and the instrument untouched.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (Result, error) {
	res, err := e.settle(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ledger.ErrConsistency) {
			obs.ObserveConsistencyViolation()
		}
	}
	obs.ObserveSettlement(string(res.Instrument.Kind), outcome)
	return res, err
}

func (e *Engine) settle(ctx context.Context, req SettleRequest) (Result, error) {
	inst, err := e.instruments.Get(ctx, req.InstrumentID)
	if err != nil {
		return Result{}, err
	}
	if !inst.Open() {
		return Result{Instrument: inst}, ErrAlreadySettled
	}

	paymentDate := req.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = time.Now().UTC()
	}

	daily, penalty := e.cfg.RatesFor(inst)
	if req.DailyInterestPct != nil {
		daily = *req.DailyInterestPct
	}
	if req.PenaltyPct != nil {
		penalty = *req.PenaltyPct
	}
	charges := ComputeLateCharges(inst.Amount, inst.DueDate, paymentDate, daily, penalty)

	breakdown := Breakdown{Principal: charges.Principal, Interest: charges.Interest, Penalty: charges.Penalty}
	if req.Breakdown != nil {
		breakdown = *req.Breakdown
	}

	if len(req.Legs) == 0 {
		return Result{Instrument: inst}, ErrNoPaymentLegs
	}
	var legSum int64
	for _, leg := range req.Legs {
		if leg.Amount <= 0 {
			return Result{Instrument: inst}, ledger.ErrInvalidAmount
		}
		legSum += leg.Amount
	}
	if diff := legSum - breakdown.Total(); diff > splitTolerance || diff < -splitTolerance {
		return Result{Instrument: inst}, ErrUnbalancedSplit
	}

	direction := ledger.Credit
	enforceFunds := false
	if inst.Kind == instrument.Payable {
		direction = ledger.Debit
		enforceFunds = !req.AllowNegative
	}

	group := e.buildMovements(inst, req, breakdown, direction, enforceFunds, paymentDate)
	movements, err := e.ledger.RecordMovements(ctx, group)
	if err != nil {
		return Result{Instrument: inst}, err
	}
	for _, mov := range movements {
		obs.ObserveMovement(string(mov.Direction), string(mov.Category))
	}

	paidOn := dateOnly(paymentDate)
	inst.Status = instrument.StatusPaid
	inst.PaidOn = &paidOn
	inst.Interest = breakdown.Interest
	inst.Penalty = breakdown.Penalty
	inst.MovementIDs = movementIDs(movements)
	if err := e.instruments.Update(ctx, inst); err != nil {
		// Compensate: the posted movements must not survive a failed
		// instrument update.
		ids := movementIDs(movements)
		if _, rerr := e.ledger.ReverseMovements(ctx, ids, "settlement rollback: instrument update failed"); rerr != nil {
			return Result{Instrument: inst}, fmt.Errorf("update instrument: %w (rollback also failed: %v)", err, rerr)
		}
		return Result{Instrument: inst}, fmt.Errorf("update instrument: %w", err)
	}

	return Result{Instrument: inst, Movements: movements, Charges: charges}, nil
}

func (e *Engine) buildMovements(inst instrument.Instrument, req SettleRequest, breakdown Breakdown, direction ledger.Direction, enforceFunds bool, paymentDate time.Time) []ledger.MovementParams {
	settleCategory := ledger.CategoryReceivableSettlement
	if inst.Kind == instrument.Payable {
		settleCategory = ledger.CategoryPayableSettlement
	}

	var group []ledger.MovementParams

	switch {
	case req.Category != "":
		// Collapsed posting: one movement per leg with the caller's category.
		for _, leg := range req.Legs {
			group = append(group, ledger.MovementParams{
				AccountID:    leg.AccountID,
				Direction:    direction,
				Category:     req.Category,
				Amount:       leg.Amount,
				OccurredOn:   paymentDate,
				Description:  legDescription(inst, leg),
				InstrumentID: inst.ID,
				EnforceFunds: enforceFunds,
			})
		}
	case len(req.Legs) == 1:
		// Component posting: principal, interest, penalty, in that order.
		leg := req.Legs[0]
		components := []struct {
			amount   int64
			category ledger.Category
			desc     string
		}{
			{breakdown.Principal, settleCategory, fmt.Sprintf("settlement of %s", inst.ID)},
			{breakdown.Interest, ledger.CategoryInterest, fmt.Sprintf("interest on %s", inst.ID)},
			{breakdown.Penalty, ledger.CategoryPenalty, fmt.Sprintf("penalty on %s", inst.ID)},
		}
		for _, c := range components {
			if c.amount == 0 {
				continue
			}
			group = append(group, ledger.MovementParams{
				AccountID:    leg.AccountID,
				Direction:    direction,
				Category:     c.category,
				Amount:       c.amount,
				OccurredOn:   paymentDate,
				Description:  c.desc,
				InstrumentID: inst.ID,
				EnforceFunds: enforceFunds,
			})
		}
	default:
		// Multi-method split: one movement per payment leg.
		for _, leg := range req.Legs {
			group = append(group, ledger.MovementParams{
				AccountID:    leg.AccountID,
				Direction:    direction,
				Category:     settleCategory,
				Amount:       leg.Amount,
				OccurredOn:   paymentDate,
				Description:  legDescription(inst, leg),
				InstrumentID: inst.ID,
				EnforceFunds: enforceFunds,
			})
		}
	}
	return group
}

// ReverseSettlement undoes a settlement: every linked movement is reversed
// atomically and the instrument returns to pending with its charge fields
// cleared. The admin-only check lives at the API layer.
func (e *Engine) ReverseSettlement(ctx context.Context, instrumentID, reason string) (Result, error) {
	inst, err := e.instruments.Get(ctx, instrumentID)
	if err != nil {
		return Result{}, err
	}
	if inst.Status != instrument.StatusPaid || len(inst.MovementIDs) == 0 {
		return Result{Instrument: inst}, ErrNotSettled
	}

	reversals, err := e.ledger.ReverseMovements(ctx, inst.MovementIDs, reason)
	if err != nil {
		return Result{Instrument: inst}, err
	}

	inst.Status = instrument.StatusPending
	inst.PaidOn = nil
	inst.Interest = 0
	inst.Penalty = 0
	inst.MovementIDs = nil
	inst.Notes = append(inst.Notes, "settlement reversed: "+reason)
	if err := e.instruments.Update(ctx, inst); err != nil {
		return Result{Instrument: inst}, fmt.Errorf("update instrument: %w", err)
	}

	obs.ObserveReversal()
	return Result{Instrument: inst, Movements: reversals}, nil
}

func legDescription(inst instrument.Instrument, leg PaymentLeg) string {
	if leg.Method == "" {
		return fmt.Sprintf("settlement of %s", inst.ID)
	}
	return fmt.Sprintf("settlement of %s via %s", inst.ID, leg.Method)
}

func movementIDs(movements []ledger.Movement) []string {
	out := make([]string, 0, len(movements))
	for _, mov := range movements {
		out = append(out, mov.ID)
	}
	return out
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
