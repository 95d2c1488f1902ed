package reconcile

import (
	"errors"
	"time"
)

// MovementStatus is the primary state of one bank movement inside a run.
//
// pending -> {suggestion, matched, divergence}
// suggestion, divergence -> {matched, ignored} (manual decision)
//
// Escalation is an orthogonal flag set on stale unresolved movements; it
// never changes the primary status.
type MovementStatus string

const (
	StatusPending    MovementStatus = "pending"
	StatusSuggestion MovementStatus = "suggestion"
	StatusMatched    MovementStatus = "matched"
	StatusIgnored    MovementStatus = "ignored"
	StatusDivergence MovementStatus = "divergence"
)

// RunStatus is the aggregate state of a reconciliation run.
type RunStatus string

const (
	RunProcessing     RunStatus = "processing"
	RunAwaitingReview RunStatus = "awaiting_review"
	RunCompleted      RunStatus = "completed"
	RunError          RunStatus = "error"
)

// NormalizedMovement is one bank-reported movement as delivered by the
// integration collaborator (already parsed from CNAB or a bank API).
// Amount is centavos.
type NormalizedMovement struct {
	Date        time.Time `json:"date"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	BankRef     string    `json:"bank_ref"`
}

// MatchCandidate is one scored open instrument for a bank movement.
type MatchCandidate struct {
	InstrumentID string    `json:"instrument_id"`
	Score        int       `json:"score"`
	AmountDiff   int64     `json:"amount_diff"`
	DaysDiff     int       `json:"days_diff"`
	RefMatch     bool      `json:"ref_match"`
	DueDate      time.Time `json:"due_date"`
}

// BankMovement is one movement within a run, carrying its resolution state.
type BankMovement struct {
	NormalizedMovement

	Status     MovementStatus   `json:"status"`
	Candidates []MatchCandidate `json:"candidates,omitempty"`

	// Set once matched.
	InstrumentID string `json:"instrument_id,omitempty"`
	MovementID   string `json:"movement_id,omitempty"`

	// Manual-review bookkeeping.
	Note       string     `json:"note,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Escalation is orthogonal to Status.
	Escalated        bool       `json:"escalated,omitempty"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
}

// Unresolved reports whether the movement still needs a decision.
func (m BankMovement) Unresolved() bool {
	return m.Status == StatusPending || m.Status == StatusSuggestion
}

// Counters summarize a run for operators. Pending counts both pending and
// suggestion movements, since both await a decision.
type Counters struct {
	Total       int `json:"total"`
	Matched     int `json:"matched"`
	Pending     int `json:"pending"`
	Suggestions int `json:"suggestions"`
	Divergences int `json:"divergences"`
	Ignored     int `json:"ignored"`
}

// Run is one reconciliation batch over a single account and integration.
type Run struct {
	ID            string         `json:"id"`
	IntegrationID string         `json:"integration_id"`
	AccountID     string         `json:"account_id"`
	ProcessedAt   time.Time      `json:"processed_at"`
	Movements     []BankMovement `json:"movements"`
	Counters      Counters       `json:"counters"`
	Status        RunStatus      `json:"status"`

	// BalanceDiff is the bank-reported total minus the matched ledger
	// effect, surfaced for operator review and never auto-corrected.
	// Computed as the sum of unresolved movement amounts: a match always
	// settles at exactly the bank-reported amount, so the two forms are
	// equal, with ignored movements dismissed from the difference.
	BalanceDiff int64  `json:"balance_diff"`
	Error       string `json:"error,omitempty"`
}

var (
	ErrRunNotFound   = errors.New("reconcile: run not found")
	ErrMovementIndex = errors.New("reconcile: movement index out of range")
	ErrNotResolvable = errors.New("reconcile: movement already matched or ignored")
	ErrAccountBusy   = errors.New("reconcile: another run holds the account lock")
	ErrIntegration   = errors.New("reconcile: integration failure")
)
