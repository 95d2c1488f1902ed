package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"concilia.dev/internal/ledger"
	"concilia.dev/internal/reconcile"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestGetBalanceNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select balance from accounts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetBalance(context.Background(), "missing"); err != ledger.ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordMovementAppendsAndAdvancesBalance(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select balance, active, frozen from accounts").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "active", "frozen"}).AddRow(1_000, true, false))
	mock.ExpectQuery("select balance_after from movements").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow(1_000))
	mock.ExpectQuery("insert into movements").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(7))
	mock.ExpectExec("update accounts set balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mov, err := s.RecordMovement(context.Background(), ledger.MovementParams{
		AccountID:  "acc-1",
		Direction:  ledger.Credit,
		Category:   ledger.CategoryReceivableSettlement,
		Amount:     500,
		OccurredOn: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if mov.BalanceBefore != 1_000 || mov.BalanceAfter != 1_500 || mov.Sequence != 7 {
		t.Fatalf("unexpected movement: %+v", mov)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordMovementRejectsFrozenAccount(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select balance, active, frozen from accounts").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "active", "frozen"}).AddRow(1_000, true, true))
	mock.ExpectRollback()

	_, err := s.RecordMovement(context.Background(), ledger.MovementParams{
		AccountID: "acc-1", Direction: ledger.Credit,
		Category: ledger.CategoryInterest, Amount: 100,
	})
	if err != ledger.ErrAccountFrozen {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordMovementFreezesOnChainMismatch(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select balance, active, frozen from accounts").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "active", "frozen"}).AddRow(1_000, true, false))
	mock.ExpectQuery("select balance_after from movements").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow(900)) // head disagrees
	mock.ExpectRollback()
	mock.ExpectExec("update accounts set frozen=true").
		WithArgs("acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.RecordMovement(context.Background(), ledger.MovementParams{
		AccountID: "acc-1", Direction: ledger.Credit,
		Category: ledger.CategoryInterest, Amount: 100,
	})
	if err != ledger.ErrConsistency {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordMovementsEnforcesFundsBeforeInsert(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select balance, active, frozen from accounts").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "active", "frozen"}).AddRow(100, true, false))
	mock.ExpectQuery("select balance_after from movements").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow(100))
	mock.ExpectRollback()

	_, err := s.RecordMovements(context.Background(), []ledger.MovementParams{{
		AccountID: "acc-1", Direction: ledger.Debit,
		Category: ledger.CategoryPayableSettlement, Amount: 500, EnforceFunds: true,
	}})
	if err != ledger.ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunsRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	runs := NewRuns(db)

	processed := time.Date(2024, 1, 11, 3, 0, 0, 0, time.UTC)
	run := reconcile.Run{
		ID: "run-1", IntegrationID: "itau-1", AccountID: "acc-1",
		ProcessedAt: processed,
		Movements: []reconcile.BankMovement{{
			NormalizedMovement: reconcile.NormalizedMovement{
				Date: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), Amount: 102_500,
			},
			Status: reconcile.StatusMatched,
		}},
		Counters: reconcile.Counters{Total: 1, Matched: 1},
		Status:   reconcile.RunCompleted,
	}

	mock.ExpectExec("insert into reconciliation_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := runs.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	movements := `[{"date":"2024-01-10T00:00:00Z","amount":102500,"description":"","bank_ref":"","status":"matched"}]`
	mock.ExpectQuery("select id, integration_id, account_id").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "integration_id", "account_id", "processed_at", "movements", "counters", "status", "balance_diff", "error",
		}).AddRow("run-1", "itau-1", "acc-1", processed, []byte(movements), []byte(`{"total":1,"matched":1,"pending":0,"suggestions":0,"divergences":0,"ignored":0}`), "completed", 0, ""))

	got, err := runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != reconcile.RunCompleted || got.Counters.Matched != 1 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Movements) != 1 || got.Movements[0].Amount != 102_500 {
		t.Fatalf("movements not restored: %+v", got.Movements)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
