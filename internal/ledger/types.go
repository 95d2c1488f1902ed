package ledger

import (
	"errors"
	"time"
)

// Amounts are int64 centavos (minor units), single currency. No floats.

// Direction of a movement relative to the account balance.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Valid reports whether the direction is one of the two known values.
func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Opposite returns the inverse direction, used when reversing a movement.
func (d Direction) Opposite() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

// Apply computes the balance after a movement of the given amount.
func (d Direction) Apply(balance, amount int64) int64 {
	if d == Credit {
		return balance + amount
	}
	return balance - amount
}

// Category classifies why a movement was posted.
type Category string

const (
	CategoryAccountOpening       Category = "account-opening"
	CategoryReceivableSettlement Category = "receivable-settlement"
	CategoryPayableSettlement    Category = "payable-settlement"
	CategoryInterest             Category = "interest"
	CategoryPenalty              Category = "penalty"
	CategoryReconciliationCredit Category = "reconciliation-credit"
	CategoryReversal             Category = "reversal"
)

// AccountKind distinguishes where the money actually sits.
type AccountKind string

const (
	KindCash           AccountKind = "cash"
	KindBankAccount    AccountKind = "bank-account"
	KindBroker         AccountKind = "broker"
	KindPaymentGateway AccountKind = "payment-gateway"
)

// Account is a cash account. Balance is only ever written by the store in
// response to a movement; deactivation keeps the movement history intact.
type Account struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Kind      AccountKind `json:"kind"`
	Balance   int64       `json:"balance"`
	Active    bool        `json:"active"`
	Default   bool        `json:"default"`
	Frozen    bool        `json:"frozen,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Movement is one append-only ledger record. Balances chain:
// BalanceAfter = Direction.Apply(BalanceBefore, Amount), and replaying all
// movements of an account in sequence order reproduces the stored balance.
type Movement struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Direction     Direction `json:"direction"`
	Category      Category  `json:"category"`
	Amount        int64     `json:"amount"`
	OccurredOn    time.Time `json:"occurred_on"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Description   string    `json:"description"`
	InstrumentID  string    `json:"instrument_id,omitempty"`
	ReversalOf    string    `json:"reversal_of,omitempty"`
	ReversedBy    string    `json:"reversed_by,omitempty"`
	Sequence      uint64    `json:"sequence"`
	CreatedAt     time.Time `json:"created_at"`
}

var (
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrMovementNotFound  = errors.New("ledger: movement not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount (must be > 0)")
	ErrInvalidDirection  = errors.New("ledger: invalid direction")
	ErrAlreadyReversed   = errors.New("ledger: movement already reversed")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAccountInactive   = errors.New("ledger: account is inactive")
	ErrAccountFrozen     = errors.New("ledger: account frozen pending manual reconciliation")
	ErrConsistency       = errors.New("ledger: balance chain violation")
	ErrEmptyBatch        = errors.New("ledger: empty movement batch")
)
