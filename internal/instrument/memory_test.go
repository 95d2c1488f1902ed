package instrument

import (
	"context"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCreateValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if _, err := s.Create(ctx, Instrument{Kind: Receivable, Amount: 0, DueDate: date(2024, 1, 10)}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
	if _, err := s.Create(ctx, Instrument{Kind: "loan", Amount: 100, DueDate: date(2024, 1, 10)}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for bad kind, got %v", err)
	}

	inst, err := s.Create(ctx, Instrument{Kind: Receivable, Amount: 100_000, DueDate: date(2024, 1, 10)})
	if err != nil {
		t.Fatal(err)
	}
	if inst.ID == "" || inst.Status != StatusPending {
		t.Fatalf("unexpected instrument: %+v", inst)
	}
}

func TestListOpenScopedAndOrdered(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	a, _ := s.Create(ctx, Instrument{Kind: Receivable, AccountID: "acc-1", Amount: 100, DueDate: date(2024, 1, 20)})
	b, _ := s.Create(ctx, Instrument{Kind: Receivable, AccountID: "acc-1", Amount: 100, DueDate: date(2024, 1, 10)})
	_, _ = s.Create(ctx, Instrument{Kind: Receivable, AccountID: "acc-2", Amount: 100, DueDate: date(2024, 1, 5)})
	paid, _ := s.Create(ctx, Instrument{Kind: Receivable, AccountID: "acc-1", Amount: 100, DueDate: date(2024, 1, 1)})

	got, _ := s.Get(ctx, paid.ID)
	got.Status = StatusPaid
	if err := s.Update(ctx, got); err != nil {
		t.Fatal(err)
	}

	open, err := s.ListOpen(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open instruments, got %d", len(open))
	}
	if open[0].ID != b.ID || open[1].ID != a.ID {
		t.Fatalf("not ordered by due date: %s, %s", open[0].ID, open[1].ID)
	}
}

func TestCancelLifecycle(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	inst, _ := s.Create(ctx, Instrument{Kind: Payable, Amount: 100, DueDate: date(2024, 1, 10)})
	if err := s.Cancel(ctx, inst.ID, "duplicate entry"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, inst.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if err := s.Cancel(ctx, inst.ID, "again"); err != ErrNotCancellable {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestMarkOverdue(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	late, _ := s.Create(ctx, Instrument{Kind: Receivable, Amount: 100, DueDate: date(2024, 1, 10)})
	current, _ := s.Create(ctx, Instrument{Kind: Receivable, Amount: 100, DueDate: date(2024, 1, 20)})

	n, err := s.MarkOverdue(ctx, date(2024, 1, 15))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 overdue, got %d", n)
	}
	gotLate, _ := s.Get(ctx, late.ID)
	gotCurrent, _ := s.Get(ctx, current.ID)
	if gotLate.Status != StatusOverdue || gotCurrent.Status != StatusPending {
		t.Fatalf("unexpected statuses: %s, %s", gotLate.Status, gotCurrent.Status)
	}

	// Due today is not overdue yet.
	n, _ = s.MarkOverdue(ctx, date(2024, 1, 20))
	if n != 0 {
		t.Fatalf("due-today flipped early: %d", n)
	}
}
