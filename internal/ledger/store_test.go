package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRecordMovementChainsBalances(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, err := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", Kind: KindCash, InitialBalance: 50_000})
	if err != nil {
		t.Fatal(err)
	}

	m1, err := s.RecordMovement(ctx, MovementParams{
		AccountID: acc.ID, Direction: Credit, Category: CategoryReceivableSettlement,
		Amount: 10_000, OccurredOn: date(2024, 1, 15),
	})
	if err != nil {
		t.Fatal(err)
	}
	if m1.BalanceBefore != 50_000 || m1.BalanceAfter != 60_000 {
		t.Fatalf("unexpected chain: before=%d after=%d", m1.BalanceBefore, m1.BalanceAfter)
	}

	m2, err := s.RecordMovement(ctx, MovementParams{
		AccountID: acc.ID, Direction: Debit, Category: CategoryPayableSettlement,
		Amount: 25_000, OccurredOn: date(2024, 1, 16),
	})
	if err != nil {
		t.Fatal(err)
	}
	if m2.BalanceBefore != m1.BalanceAfter {
		t.Fatalf("chain broken: %d != %d", m2.BalanceBefore, m1.BalanceAfter)
	}

	bal, _ := s.GetBalance(ctx, acc.ID)
	if bal != 35_000 {
		t.Fatalf("unexpected balance: %d", bal)
	}
	if err := s.VerifyReplay(ctx, acc.ID); err != nil {
		t.Fatalf("replay mismatch: %v", err)
	}
}

func TestRecordMovementValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", InitialBalance: 0})

	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 0}); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: "sideways", Amount: 10}); err != ErrInvalidDirection {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: "missing", Direction: Credit, Amount: 10}); err != ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestEnforceFunds(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Banco", Kind: KindBankAccount, InitialBalance: 1_000})

	if _, err := s.RecordMovement(ctx, MovementParams{
		AccountID: acc.ID, Direction: Debit, Amount: 2_000, EnforceFunds: true,
	}); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Override allows going negative.
	if _, err := s.RecordMovement(ctx, MovementParams{
		AccountID: acc.ID, Direction: Debit, Amount: 2_000,
	}); err != nil {
		t.Fatalf("unexpected error without enforcement: %v", err)
	}
	bal, _ := s.GetBalance(ctx, acc.ID)
	if bal != -1_000 {
		t.Fatalf("unexpected balance: %d", bal)
	}
}

func TestRecordMovementsAllOrNothing(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Banco", InitialBalance: 1_000})

	_, err := s.RecordMovements(ctx, []MovementParams{
		{AccountID: acc.ID, Direction: Debit, Amount: 800, EnforceFunds: true},
		{AccountID: acc.ID, Direction: Debit, Amount: 800, EnforceFunds: true},
	})
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, acc.ID)
	if bal != 1_000 {
		t.Fatalf("partial group applied: balance=%d", bal)
	}
	movs, _ := s.ListMovements(ctx, acc.ID, time.Time{}, time.Time{}, 0)
	if len(movs) != 1 { // only the opening movement
		t.Fatalf("expected only opening movement, got %d", len(movs))
	}
}

func TestReverseMovementRestoresBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", InitialBalance: 10_000})

	mov, err := s.RecordMovement(ctx, MovementParams{
		AccountID: acc.ID, Direction: Credit, Category: CategoryReceivableSettlement, Amount: 5_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	inverse, err := s.ReverseMovement(ctx, mov.ID, "posted in error")
	if err != nil {
		t.Fatal(err)
	}
	if inverse.Direction != Debit || inverse.Amount != 5_000 {
		t.Fatalf("unexpected inverse: %+v", inverse)
	}
	if inverse.ReversalOf != mov.ID {
		t.Fatalf("reversal link missing: %+v", inverse)
	}

	bal, _ := s.GetBalance(ctx, acc.ID)
	if bal != 10_000 {
		t.Fatalf("balance not restored: %d", bal)
	}

	if _, err := s.ReverseMovement(ctx, mov.ID, "again"); err != ErrAlreadyReversed {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
	if _, err := s.ReverseMovement(ctx, inverse.ID, "reverse the reversal"); err != ErrAlreadyReversed {
		t.Fatalf("expected ErrAlreadyReversed for reversal, got %v", err)
	}
	if err := s.VerifyReplay(ctx, acc.ID); err != nil {
		t.Fatalf("replay mismatch after reversal: %v", err)
	}
}

func TestReversalNetsOutWithInterveningMovements(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", InitialBalance: 10_000})

	mov, _ := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 5_000})
	_, _ = s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Debit, Amount: 2_000})

	if _, err := s.ReverseMovement(ctx, mov.ID, "late correction"); err != nil {
		t.Fatal(err)
	}
	bal, _ := s.GetBalance(ctx, acc.ID)
	if bal != 8_000 { // 10000 + 5000 - 2000 - 5000
		t.Fatalf("reversal did not net out: %d", bal)
	}
	if err := s.VerifyReplay(ctx, acc.ID); err != nil {
		t.Fatalf("replay mismatch: %v", err)
	}
}

func TestDefaultAccountInvariant(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "A", SetDefault: true})
	b, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "B"})

	if err := s.SetDefault(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	accounts, _ := s.ListAccounts(ctx)
	defaults := 0
	for _, acc := range accounts {
		if acc.Default {
			defaults++
			if acc.ID != b.ID {
				t.Fatalf("wrong default account: %s", acc.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	// Deactivation drops the default flag.
	if err := s.Deactivate(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetAccount(ctx, b.ID)
	if got.Active || got.Default {
		t.Fatalf("deactivate left flags set: %+v", got)
	}
	_ = a
}

func TestInactiveAccountRejectsWrites(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", InitialBalance: 1_000})

	mov, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 500})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx, acc.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 100}); err != ErrAccountInactive {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	if _, err := s.ReverseMovement(ctx, mov.ID, "late correction"); err != ErrAccountInactive {
		t.Fatalf("expected ErrAccountInactive on reversal, got %v", err)
	}

	// History stays readable.
	movs, err := s.ListMovements(ctx, acc.ID, time.Time{}, time.Time{}, 0)
	if err != nil || len(movs) != 2 {
		t.Fatalf("history gone after deactivation: %d movements, %v", len(movs), err)
	}
}

func TestFrozenAccountRejectsWrites(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", InitialBalance: 1_000})

	// Corrupt the stored balance behind the store's back.
	s.mu.Lock()
	s.accts[acc.ID].Balance = 999
	s.mu.Unlock()

	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 100}); err != ErrConsistency {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	// Subsequent writes are blocked until unfreeze.
	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 100}); err != ErrAccountFrozen {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}

	// Operator fixes the balance and unfreezes.
	s.mu.Lock()
	s.accts[acc.ID].Balance = 1_000
	s.mu.Unlock()
	if err := s.Unfreeze(ctx, acc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 100}); err != nil {
		t.Fatalf("write after unfreeze failed: %v", err)
	}
}

func TestConcurrentMovementsKeepChain(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa", InitialBalance: 0})

	var wg sync.WaitGroup
	N := 100
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RecordMovement(ctx, MovementParams{AccountID: acc.ID, Direction: Credit, Amount: 10})
		}()
	}
	wg.Wait()

	bal, _ := s.GetBalance(ctx, acc.ID)
	if bal != int64(N)*10 {
		t.Fatalf("lost updates: balance=%d", bal)
	}
	if err := s.VerifyReplay(ctx, acc.ID); err != nil {
		t.Fatalf("replay mismatch under concurrency: %v", err)
	}
}

func TestListMovementsDateRange(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Name: "Caixa"})

	for d := 10; d <= 14; d++ {
		_, _ = s.RecordMovement(ctx, MovementParams{
			AccountID: acc.ID, Direction: Credit, Amount: 100, OccurredOn: date(2024, 1, d),
		})
	}

	movs, err := s.ListMovements(ctx, acc.ID, date(2024, 1, 11), date(2024, 1, 13), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(movs) != 3 {
		t.Fatalf("expected 3 movements in range, got %d", len(movs))
	}
	for _, m := range movs {
		if m.OccurredOn.Before(date(2024, 1, 11)) || m.OccurredOn.After(date(2024, 1, 13)) {
			t.Fatalf("movement outside range: %v", m.OccurredOn)
		}
	}
}
