package instrument

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes money owed to us from money we owe.
type Kind string

const (
	Receivable Kind = "receivable"
	Payable    Kind = "payable"
)

// Status lifecycle: pending -> overdue -> paid, or pending/overdue ->
// cancelled. Reversal is the only backwards transition (paid -> pending).
type Status string

const (
	StatusPending   Status = "pending"
	StatusOverdue   Status = "overdue"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// Instrument is a receivable or payable obligation, e.g. a tenant
// installment or a supplier boleto. Amounts are centavos.
type Instrument struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	CounterpartyID string     `json:"counterparty_id"`
	AccountID      string     `json:"account_id"`
	Amount         int64      `json:"amount"`
	DueDate        time.Time  `json:"due_date"`
	Status         Status     `json:"status"`
	PaidOn         *time.Time `json:"paid_on,omitempty"`
	Interest       int64      `json:"interest"`
	Penalty        int64      `json:"penalty"`
	MovementIDs    []string   `json:"movement_ids,omitempty"`

	// OurNumber is the bank-assigned collection reference (nosso número)
	// printed on the boleto; reconciliation uses it as a matching signal.
	OurNumber string `json:"our_number,omitempty"`

	// Per-instrument charge overrides. Nil means use system defaults.
	DailyInterestPct *decimal.Decimal `json:"daily_interest_pct,omitempty"`
	PenaltyPct       *decimal.Decimal `json:"penalty_pct,omitempty"`

	Notes     []string  `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether the instrument can still be settled.
func (i Instrument) Open() bool {
	return i.Status == StatusPending || i.Status == StatusOverdue
}

var (
	ErrNotFound       = errors.New("instrument: not found")
	ErrInvalidInput   = errors.New("instrument: invalid input")
	ErrNotCancellable = errors.New("instrument: only pending or overdue instruments can be cancelled")
)

// Store persists instruments. ListOpen scopes by the cash account the
// collection is expected on; an empty scope returns every open instrument.
type Store interface {
	Create(ctx context.Context, inst Instrument) (Instrument, error)
	Get(ctx context.Context, id string) (Instrument, error)
	Update(ctx context.Context, inst Instrument) error
	ListOpen(ctx context.Context, accountID string) ([]Instrument, error)
	Cancel(ctx context.Context, id, reason string) error

	// MarkOverdue flips pending instruments whose due date has passed to
	// overdue and returns how many changed.
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
}
