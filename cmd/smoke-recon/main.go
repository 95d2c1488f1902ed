// smoke-recon exercises the full path in-process: account, open
// instruments, a bank statement, automatic matching, manual cleanup.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"concilia.dev/internal/instrument"
	"concilia.dev/internal/ledger"
	"concilia.dev/internal/reconcile"
	"concilia.dev/internal/settlement"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ledgerStore := ledger.NewInMemory()
	instruments := instrument.NewInMemory()
	charges := settlement.DefaultConfig()
	settler := settlement.NewEngine(ledgerStore, instruments, charges)
	engine := reconcile.NewEngine(reconcile.NewInMemoryRuns(), instruments, settler,
		reconcile.NewMemoryLocker(), reconcile.DefaultScoreConfig(), charges)

	acc, err := ledgerStore.CreateAccount(ctx, ledger.CreateAccountParams{
		Name: "Conta Corrente", Kind: "bank-account", SetDefault: true,
	})
	if err != nil {
		log.Fatalf("create account: %v", err)
	}

	due := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	rent, err := instruments.Create(ctx, instrument.Instrument{
		Kind: instrument.Receivable, CounterpartyID: "tenant-1",
		AccountID: acc.ID, Amount: 250_000, DueDate: due, OurNumber: "10001",
	})
	if err != nil {
		log.Fatalf("create receivable: %v", err)
	}
	if _, err := instruments.Create(ctx, instrument.Instrument{
		Kind: instrument.Payable, CounterpartyID: "condo-adm",
		AccountID: acc.ID, Amount: 80_000, DueDate: due,
	}); err != nil {
		log.Fatalf("create payable: %v", err)
	}

	statement := []reconcile.NormalizedMovement{
		{Date: due, Amount: 250_000, Description: "LIQUIDACAO BOLETO 10001", BankRef: "10001"},
		{Date: due, Amount: -80_000, Description: "PAGTO CONDOMINIO"},
		{Date: due, Amount: -1_290, Description: "TARIFA MANUTENCAO CONTA"},
	}

	run, err := engine.Ingest(ctx, "smoke", acc.ID, statement, time.Now())
	if err != nil {
		log.Fatalf("ingest: %v", err)
	}
	if run.Counters.Matched != 2 {
		log.Fatalf("expected 2 auto-matches, got %+v", run.Counters)
	}

	// The bank fee has no instrument: ignore it to close the run.
	run, err = engine.Ignore(ctx, run.ID, 2, "monthly account fee")
	if err != nil {
		log.Fatalf("ignore fee: %v", err)
	}
	if run.Status != reconcile.RunCompleted {
		log.Fatalf("run not completed: %+v", run)
	}

	paid, err := instruments.Get(ctx, rent.ID)
	if err != nil || paid.Status != instrument.StatusPaid {
		log.Fatalf("receivable not settled: %+v (%v)", paid, err)
	}

	bal, err := ledgerStore.GetBalance(ctx, acc.ID)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if bal != 250_000-80_000 {
		log.Fatalf("unexpected balance: %d", bal)
	}

	fmt.Printf("smoke-recon passed: run=%s balance=%d\n", run.ID, bal)
}
