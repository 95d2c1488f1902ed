package settlement

import (
	"context"
	"testing"
	"time"

	"concilia.dev/internal/instrument"
	"concilia.dev/internal/ledger"
)

type fixture struct {
	ledger      *ledger.InMemory
	instruments *instrument.InMemory
	engine      *Engine
	account     ledger.Account
}

func newFixture(t *testing.T, initialBalance int64) *fixture {
	t.Helper()
	l := ledger.NewInMemory()
	i := instrument.NewInMemory()
	acc, err := l.CreateAccount(context.Background(), ledger.CreateAccountParams{
		Name: "Conta Corrente", Kind: ledger.KindBankAccount, InitialBalance: initialBalance,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		ledger:      l,
		instruments: i,
		engine:      NewEngine(l, i, DefaultConfig()),
		account:     acc,
	}
}

func (f *fixture) receivable(t *testing.T, amount int64, due time.Time) instrument.Instrument {
	t.Helper()
	daily := pct("0.1")
	penalty := pct("2")
	inst, err := f.instruments.Create(context.Background(), instrument.Instrument{
		Kind: instrument.Receivable, AccountID: f.account.ID, CounterpartyID: "tenant-1",
		Amount: amount, DueDate: due, OurNumber: "00012345678",
		DailyInterestPct: &daily, PenaltyPct: &penalty,
	})
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func (f *fixture) payable(t *testing.T, amount int64, due time.Time) instrument.Instrument {
	t.Helper()
	inst, err := f.instruments.Create(context.Background(), instrument.Instrument{
		Kind: instrument.Payable, AccountID: f.account.ID, CounterpartyID: "supplier-1",
		Amount: amount, DueDate: due,
	})
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestSettleReceivableWithLateCharges(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	res, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 15),
		Legs:         []PaymentLeg{{Method: "boleto", AccountID: f.account.ID, Amount: 102_500}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Principal, interest and penalty post as three chained credits.
	if len(res.Movements) != 3 {
		t.Fatalf("expected 3 movements, got %d", len(res.Movements))
	}
	wantAmounts := []int64{100_000, 500, 2_000}
	wantCategories := []ledger.Category{ledger.CategoryReceivableSettlement, ledger.CategoryInterest, ledger.CategoryPenalty}
	for i, mov := range res.Movements {
		if mov.Amount != wantAmounts[i] || mov.Category != wantCategories[i] {
			t.Fatalf("movement %d: %+v", i, mov)
		}
		if i > 0 && mov.BalanceBefore != res.Movements[i-1].BalanceAfter {
			t.Fatalf("movements not chained at %d", i)
		}
	}

	bal, _ := f.ledger.GetBalance(ctx, f.account.ID)
	if bal != 102_500 {
		t.Fatalf("unexpected balance: %d", bal)
	}
	if res.Instrument.Status != instrument.StatusPaid {
		t.Fatalf("unexpected status: %s", res.Instrument.Status)
	}
	if res.Instrument.PaidOn == nil || !res.Instrument.PaidOn.Equal(date(2024, 1, 15)) {
		t.Fatalf("paid-on not stamped: %v", res.Instrument.PaidOn)
	}
	if res.Instrument.Interest != 500 || res.Instrument.Penalty != 2_000 {
		t.Fatalf("charges not recorded: %+v", res.Instrument)
	}
}

func TestSettleRejectsAlreadySettled(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	req := SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs:         []PaymentLeg{{AccountID: f.account.ID, Amount: 100_000}},
	}
	if _, err := f.engine.Settle(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Settle(ctx, req); err != ErrAlreadySettled {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestSettleUnbalancedSplitHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	_, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs: []PaymentLeg{
			{Method: "pix", AccountID: f.account.ID, Amount: 60_000},
			{Method: "cash", AccountID: f.account.ID, Amount: 39_000}, // 10.00 short
		},
	})
	if err != ErrUnbalancedSplit {
		t.Fatalf("expected ErrUnbalancedSplit, got %v", err)
	}

	bal, _ := f.ledger.GetBalance(ctx, f.account.ID)
	if bal != 0 {
		t.Fatalf("movements posted despite validation failure: %d", bal)
	}
	got, _ := f.instruments.Get(ctx, inst.ID)
	if got.Status != instrument.StatusPending {
		t.Fatalf("status changed despite failure: %s", got.Status)
	}
}

func TestSettleSplitToleranceBoundary(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// One centavo off passes, two fail.
	inst := f.receivable(t, 100_000, date(2024, 1, 10))
	if _, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs: []PaymentLeg{
			{Method: "pix", AccountID: f.account.ID, Amount: 50_000},
			{Method: "cash", AccountID: f.account.ID, Amount: 50_001},
		},
	}); err != nil {
		t.Fatalf("1 centavo over tolerance rejected: %v", err)
	}

	inst2 := f.receivable(t, 100_000, date(2024, 1, 10))
	if _, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst2.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs: []PaymentLeg{
			{Method: "pix", AccountID: f.account.ID, Amount: 50_000},
			{Method: "cash", AccountID: f.account.ID, Amount: 50_002},
		},
	}); err != ErrUnbalancedSplit {
		t.Fatalf("expected ErrUnbalancedSplit beyond tolerance, got %v", err)
	}
}

func TestSettleMultiMethodPostsOneMovementPerLeg(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	res, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs: []PaymentLeg{
			{Method: "pix", AccountID: f.account.ID, Amount: 70_000},
			{Method: "cash", AccountID: f.account.ID, Amount: 30_000},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(res.Movements))
	}
	if res.Movements[0].Amount != 70_000 || res.Movements[1].Amount != 30_000 {
		t.Fatalf("unexpected leg amounts: %+v", res.Movements)
	}
}

func TestSettlePayableChecksFunds(t *testing.T) {
	f := newFixture(t, 50_000)
	ctx := context.Background()
	inst := f.payable(t, 80_000, date(2024, 1, 10))

	req := SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs:         []PaymentLeg{{Method: "ted", AccountID: f.account.ID, Amount: 80_000}},
	}
	if _, err := f.engine.Settle(ctx, req); err != ledger.ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	req.AllowNegative = true
	res, err := f.engine.Settle(ctx, req)
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if res.Movements[0].Direction != ledger.Debit {
		t.Fatalf("payable must debit, got %s", res.Movements[0].Direction)
	}
	bal, _ := f.ledger.GetBalance(ctx, f.account.ID)
	if bal != -30_000 {
		t.Fatalf("unexpected balance: %d", bal)
	}
}

func TestReverseSettlementRoundTrip(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	if _, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 15),
		Legs:         []PaymentLeg{{AccountID: f.account.ID, Amount: 102_500}},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.ReverseSettlement(ctx, inst.ID, "tenant disputed the charge")
	if err != nil {
		t.Fatal(err)
	}

	bal, _ := f.ledger.GetBalance(ctx, f.account.ID)
	if bal != 10_000 {
		t.Fatalf("balance not restored: %d", bal)
	}
	if res.Instrument.Status != instrument.StatusPending {
		t.Fatalf("unexpected status: %s", res.Instrument.Status)
	}
	if res.Instrument.PaidOn != nil || res.Instrument.Interest != 0 || res.Instrument.Penalty != 0 {
		t.Fatalf("charge fields not cleared: %+v", res.Instrument)
	}
	if len(res.Instrument.Notes) == 0 {
		t.Fatal("audit note missing")
	}
	if err := f.ledger.VerifyReplay(ctx, f.account.ID); err != nil {
		t.Fatalf("replay mismatch after reversal: %v", err)
	}

	// The instrument can be settled again after reversal.
	if _, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 10),
		Legs:         []PaymentLeg{{AccountID: f.account.ID, Amount: 100_000}},
	}); err != nil {
		t.Fatalf("resettle after reversal failed: %v", err)
	}
}

func TestReverseSettlementRequiresSettlement(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	if _, err := f.engine.ReverseSettlement(ctx, inst.ID, "nothing to undo"); err != ErrNotSettled {
		t.Fatalf("expected ErrNotSettled, got %v", err)
	}
}

func TestSettleCategoryOverridePostsSingleMovement(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	inst := f.receivable(t, 100_000, date(2024, 1, 10))

	res, err := f.engine.Settle(ctx, SettleRequest{
		InstrumentID: inst.ID,
		PaymentDate:  date(2024, 1, 15),
		Legs:         []PaymentLeg{{Method: "reconciliation", AccountID: f.account.ID, Amount: 102_500}},
		Category:     ledger.CategoryReconciliationCredit,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Movements) != 1 {
		t.Fatalf("expected a single collapsed movement, got %d", len(res.Movements))
	}
	mov := res.Movements[0]
	if mov.Amount != 102_500 || mov.Category != ledger.CategoryReconciliationCredit {
		t.Fatalf("unexpected movement: %+v", mov)
	}
	if res.Instrument.Interest != 500 || res.Instrument.Penalty != 2_000 {
		t.Fatalf("charges not recorded on instrument: %+v", res.Instrument)
	}
}
