package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"concilia.dev/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used in
// tests and single-node deployments; the Postgres store is the durable twin.
//
// Locking: s.mu guards all maps and account fields. The per-account mutexes
// in s.locks serialize whole read-modify-write groups per account, so two
// settlements against the same account can never interleave their balance
// read and write, while groups touching disjoint accounts queue only on the
// short map-level critical sections.
type InMemory struct {
	mu     sync.RWMutex
	accts  map[string]*Account
	locks  map[string]*sync.Mutex
	movs   map[string]*Movement
	byAcct map[string][]*Movement
	seq    uint64
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accts:  make(map[string]*Account),
		locks:  make(map[string]*sync.Mutex),
		movs:   make(map[string]*Movement),
		byAcct: make(map[string][]*Movement),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, p CreateAccountParams) (Account, error) {
	if p.InitialBalance < 0 {
		return Account{}, ErrInvalidAmount
	}
	if p.Kind == "" {
		p.Kind = KindCash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := &Account{
		ID:        ids.New(),
		Name:      p.Name,
		Kind:      p.Kind,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if p.SetDefault {
		for _, other := range s.accts {
			other.Default = false
		}
		acc.Default = true
	}
	s.accts[acc.ID] = acc
	s.locks[acc.ID] = &sync.Mutex{}

	if p.InitialBalance > 0 {
		s.appendHeld(acc, MovementParams{
			AccountID:   acc.ID,
			Direction:   Credit,
			Category:    CategoryAccountOpening,
			Amount:      p.InitialBalance,
			OccurredOn:  time.Now().UTC(),
			Description: "opening balance",
		})
	}
	return *acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (s *InMemory) ListAccounts(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accts))
	for _, acc := range s.accts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) GetBalance(ctx context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return acc.Balance, nil
}

// SetDefault marks the account as the tenant default, clearing any previous
// default inside the same critical section.
func (s *InMemory) SetDefault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if !acc.Active {
		return ErrAccountInactive
	}
	for _, other := range s.accts {
		other.Default = false
	}
	acc.Default = true
	return nil
}

func (s *InMemory) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Active = false
	acc.Default = false
	return nil
}

func (s *InMemory) Unfreeze(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Frozen = false
	return nil
}

func (s *InMemory) RecordMovement(ctx context.Context, p MovementParams) (Movement, error) {
	movs, err := s.RecordMovements(ctx, []MovementParams{p})
	if err != nil {
		return Movement{}, err
	}
	return movs[0], nil
}

// RecordMovements appends a group of movements atomically. Every movement is
// validated against simulated running balances before any of them is applied,
// so a failing group leaves no trace.
func (s *InMemory) RecordMovements(ctx context.Context, group []MovementParams) ([]Movement, error) {
	if len(group) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, p := range group {
		if p.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if !p.Direction.Valid() {
			return nil, ErrInvalidDirection
		}
	}

	accountIDs := make([]string, 0, len(group))
	for _, p := range group {
		accountIDs = append(accountIDs, p.AccountID)
	}
	unlock, err := s.lockAccounts(accountIDs)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[string]int64)
	for _, id := range accountIDs {
		if _, done := running[id]; done {
			continue
		}
		acc := s.accts[id]
		if !acc.Active {
			return nil, ErrAccountInactive
		}
		if acc.Frozen {
			return nil, ErrAccountFrozen
		}
		if err := s.chainHeadHeld(acc); err != nil {
			return nil, err
		}
		running[id] = acc.Balance
	}
	for _, p := range group {
		after := p.Direction.Apply(running[p.AccountID], p.Amount)
		if p.EnforceFunds && p.Direction == Debit && after < 0 {
			return nil, ErrInsufficientFunds
		}
		running[p.AccountID] = after
	}

	out := make([]Movement, 0, len(group))
	for _, p := range group {
		out = append(out, *s.appendHeld(s.accts[p.AccountID], p))
	}
	return out, nil
}

func (s *InMemory) ReverseMovement(ctx context.Context, movementID, reason string) (Movement, error) {
	movs, err := s.ReverseMovements(ctx, []string{movementID}, reason)
	if err != nil {
		return Movement{}, err
	}
	return movs[0], nil
}

// ReverseMovements appends inverse movements for the given originals as one
// atomic group. The originals stay in the history; each may be reversed at
// most once, and a reversal itself cannot be reversed.
func (s *InMemory) ReverseMovements(ctx context.Context, movementIDs []string, reason string) ([]Movement, error) {
	if len(movementIDs) == 0 {
		return nil, ErrEmptyBatch
	}

	s.mu.RLock()
	accountIDs := make([]string, 0, len(movementIDs))
	for _, id := range movementIDs {
		mov, ok := s.movs[id]
		if !ok {
			s.mu.RUnlock()
			return nil, ErrMovementNotFound
		}
		accountIDs = append(accountIDs, mov.AccountID)
	}
	s.mu.RUnlock()

	unlock, err := s.lockAccounts(accountIDs)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(movementIDs))
	originals := make([]*Movement, 0, len(movementIDs))
	for _, id := range movementIDs {
		mov, ok := s.movs[id]
		if !ok {
			return nil, ErrMovementNotFound
		}
		if _, dup := seen[id]; dup {
			return nil, ErrAlreadyReversed
		}
		seen[id] = struct{}{}
		if mov.ReversedBy != "" || mov.Category == CategoryReversal {
			return nil, ErrAlreadyReversed
		}
		acc := s.accts[mov.AccountID]
		if !acc.Active {
			return nil, ErrAccountInactive
		}
		if acc.Frozen {
			return nil, ErrAccountFrozen
		}
		if err := s.chainHeadHeld(acc); err != nil {
			return nil, err
		}
		originals = append(originals, mov)
	}

	out := make([]Movement, 0, len(originals))
	for _, mov := range originals {
		inverse := s.appendHeld(s.accts[mov.AccountID], MovementParams{
			AccountID:    mov.AccountID,
			Direction:    mov.Direction.Opposite(),
			Category:     CategoryReversal,
			Amount:       mov.Amount,
			OccurredOn:   time.Now().UTC(),
			Description:  fmt.Sprintf("reversal of %s: %s", mov.ID, reason),
			InstrumentID: mov.InstrumentID,
		})
		inverse.ReversalOf = mov.ID
		mov.ReversedBy = inverse.ID
		out = append(out, *inverse)
	}
	return out, nil
}

func (s *InMemory) ListMovements(ctx context.Context, accountID string, from, to time.Time, limit int) ([]Movement, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	var out []Movement
	for _, mov := range s.byAcct[accountID] {
		if !inRange(mov.OccurredOn, from, to) {
			continue
		}
		out = append(out, *mov)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// VerifyReplay replays the full history of the account from zero and checks
// it against the stored balance. A broken chain freezes the account so no
// further writes can compound the damage.
func (s *InMemory) VerifyReplay(ctx context.Context, accountID string) error {
	unlock, err := s.lockAccounts([]string{accountID})
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.accts[accountID]
	var running int64
	for _, mov := range s.byAcct[accountID] {
		if mov.BalanceBefore != running || mov.BalanceAfter != mov.Direction.Apply(running, mov.Amount) {
			acc.Frozen = true
			return ErrConsistency
		}
		running = mov.BalanceAfter
	}
	if running != acc.Balance {
		acc.Frozen = true
		return ErrConsistency
	}
	return nil
}

// --- internals ---

// lockAccounts acquires the per-account mutexes in sorted id order and
// returns a release function. Sorted acquisition keeps concurrent
// multi-account groups deadlock free.
func (s *InMemory) lockAccounts(accountIDs []string) (func(), error) {
	set := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		set[id] = struct{}{}
	}
	sorted := make([]string, 0, len(set))
	for id := range set {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	s.mu.RLock()
	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		lock, ok := s.locks[id]
		if !ok {
			s.mu.RUnlock()
			return nil, ErrAccountNotFound
		}
		locks = append(locks, lock)
	}
	s.mu.RUnlock()

	for _, lock := range locks {
		lock.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}, nil
}

// chainHeadHeld verifies the stored balance equals the last movement's
// balance_after. A mismatch means some write bypassed the store; the account
// is frozen until manually reconciled. Caller must hold s.mu for writing.
func (s *InMemory) chainHeadHeld(acc *Account) error {
	history := s.byAcct[acc.ID]
	var expected int64
	if len(history) > 0 {
		expected = history[len(history)-1].BalanceAfter
	}
	if acc.Balance != expected {
		acc.Frozen = true
		return ErrConsistency
	}
	return nil
}

// appendHeld appends one movement. Caller must hold s.mu for writing and
// have validated the params.
func (s *InMemory) appendHeld(acc *Account, p MovementParams) *Movement {
	s.seq++
	mov := &Movement{
		ID:            ids.New(),
		AccountID:     acc.ID,
		Direction:     p.Direction,
		Category:      p.Category,
		Amount:        p.Amount,
		OccurredOn:    dateOnly(p.OccurredOn),
		BalanceBefore: acc.Balance,
		BalanceAfter:  p.Direction.Apply(acc.Balance, p.Amount),
		Description:   p.Description,
		InstrumentID:  p.InstrumentID,
		Sequence:      s.seq,
		CreatedAt:     time.Now().UTC(),
	}
	acc.Balance = mov.BalanceAfter
	s.movs[mov.ID] = mov
	s.byAcct[acc.ID] = append(s.byAcct[acc.ID], mov)
	return mov
}
