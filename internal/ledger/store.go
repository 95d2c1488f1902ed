package ledger

import (
	"context"
	"time"
)

// CreateAccountParams describes a new cash account. A positive initial
// balance seeds the first movement so replay from zero reproduces it.
type CreateAccountParams struct {
	Name           string
	Kind           AccountKind
	InitialBalance int64
	SetDefault     bool
}

// MovementParams describes a movement to append.
type MovementParams struct {
	AccountID    string
	Direction    Direction
	Category     Category
	Amount       int64
	OccurredOn   time.Time
	Description  string
	InstrumentID string

	// EnforceFunds rejects the movement with ErrInsufficientFunds when a
	// debit would take the balance below zero. Payable settlements set it
	// unless explicitly overridden; receivable settlements never do.
	EnforceFunds bool
}

// Store holds cash accounts and their append-only movement history.
//
// Implementations must serialize the read-balance/append-movement sequence
// per account: concurrent movements against the same account must not
// interleave, or the balance chain breaks. Movements against different
// accounts are independent. RecordMovements and ReverseMovements are atomic:
// either every movement in the group is visible or none is.
type Store interface {
	CreateAccount(ctx context.Context, p CreateAccountParams) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	GetBalance(ctx context.Context, id string) (int64, error)
	SetDefault(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Unfreeze(ctx context.Context, id string) error

	RecordMovement(ctx context.Context, p MovementParams) (Movement, error)
	RecordMovements(ctx context.Context, group []MovementParams) ([]Movement, error)
	ReverseMovement(ctx context.Context, movementID, reason string) (Movement, error)
	ReverseMovements(ctx context.Context, movementIDs []string, reason string) ([]Movement, error)
	ListMovements(ctx context.Context, accountID string, from, to time.Time, limit int) ([]Movement, error)

	// VerifyReplay recomputes the balance from the full movement history and
	// compares it against the stored balance. A mismatch freezes the account
	// and returns ErrConsistency.
	VerifyReplay(ctx context.Context, accountID string) error
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// dateOnly truncates a timestamp to its UTC calendar date.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// inRange reports whether day falls inside the inclusive [from, to] window.
// Zero bounds are open.
func inRange(day, from, to time.Time) bool {
	if !from.IsZero() && day.Before(dateOnly(from)) {
		return false
	}
	if !to.IsZero() && day.After(dateOnly(to)) {
		return false
	}
	return true
}
