package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"concilia.dev/internal/ids"
	"concilia.dev/internal/instrument"
)

// Instruments implements instrument.Store on PostgreSQL. Movement links and
// notes live in jsonb columns; rates use numeric to keep exact decimals.
type Instruments struct {
	db *sql.DB
}

var _ instrument.Store = (*Instruments)(nil)

func NewInstruments(db *sql.DB) *Instruments { return &Instruments{db: db} }

const instrumentColumns = `id, kind, counterparty_id, account_id, amount, due_date, status, paid_on,
	interest, penalty, movement_ids, our_number, daily_interest_pct, penalty_pct, notes, created_at, updated_at`

func (s *Instruments) Create(ctx context.Context, inst instrument.Instrument) (instrument.Instrument, error) {
	if inst.Amount <= 0 || inst.DueDate.IsZero() {
		return instrument.Instrument{}, instrument.ErrInvalidInput
	}
	if inst.Kind != instrument.Receivable && inst.Kind != instrument.Payable {
		return instrument.Instrument{}, instrument.ErrInvalidInput
	}
	if inst.Status == "" {
		inst.Status = instrument.StatusPending
	}
	inst.ID = ids.New()
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	movementIDs, notes, err := marshalLists(inst)
	if err != nil {
		return instrument.Instrument{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into instruments(`+instrumentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,nullif($12,''),$13,$14,$15,$16,$17)
	`, inst.ID, string(inst.Kind), inst.CounterpartyID, inst.AccountID, inst.Amount, inst.DueDate,
		string(inst.Status), inst.PaidOn, inst.Interest, inst.Penalty, movementIDs, inst.OurNumber,
		rateArg(inst.DailyInterestPct), rateArg(inst.PenaltyPct), notes, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return instrument.Instrument{}, err
	}
	return inst, nil
}

func (s *Instruments) Get(ctx context.Context, id string) (instrument.Instrument, error) {
	row := s.db.QueryRowContext(ctx, `select `+instrumentColumns+` from instruments where id=$1`, id)
	return scanInstrument(row)
}

func (s *Instruments) Update(ctx context.Context, inst instrument.Instrument) error {
	inst.UpdatedAt = time.Now().UTC()
	movementIDs, notes, err := marshalLists(inst)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update instruments
		set status=$2, paid_on=$3, interest=$4, penalty=$5, movement_ids=$6, notes=$7, updated_at=$8
		where id=$1
	`, inst.ID, string(inst.Status), inst.PaidOn, inst.Interest, inst.Penalty, movementIDs, notes, inst.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return instrument.ErrNotFound
	}
	return nil
}

func (s *Instruments) ListOpen(ctx context.Context, accountID string) ([]instrument.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+instrumentColumns+` from instruments
		where status in ('pending','overdue')
		  and ($1 = '' or account_id = $1)
		order by due_date, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instrument.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Instruments) Cancel(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `select status from instruments where id=$1 for update`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return instrument.ErrNotFound
	}
	if err != nil {
		return err
	}
	if instrument.Status(status) != instrument.StatusPending && instrument.Status(status) != instrument.StatusOverdue {
		return instrument.ErrNotCancellable
	}

	if _, err := tx.ExecContext(ctx, `
		update instruments
		set status='cancelled',
		    notes = notes || to_jsonb(array['cancelled: ' || $2::text]),
		    updated_at = now()
		where id=$1
	`, id, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Instruments) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update instruments set status='overdue', updated_at=now()
		where status='pending' and due_date < $1::date
	`, dateOnly(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanInstrument(row interface{ Scan(...any) error }) (instrument.Instrument, error) {
	var inst instrument.Instrument
	var kind, status string
	var paidOn sql.NullTime
	var ourNumber, daily, penalty sql.NullString
	var movementIDs, notes []byte
	err := row.Scan(&inst.ID, &kind, &inst.CounterpartyID, &inst.AccountID, &inst.Amount, &inst.DueDate,
		&status, &paidOn, &inst.Interest, &inst.Penalty, &movementIDs, &ourNumber, &daily, &penalty,
		&notes, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return instrument.Instrument{}, instrument.ErrNotFound
	}
	if err != nil {
		return instrument.Instrument{}, err
	}

	inst.Kind = instrument.Kind(kind)
	inst.Status = instrument.Status(status)
	if paidOn.Valid {
		t := paidOn.Time
		inst.PaidOn = &t
	}
	inst.OurNumber = ourNumber.String
	if len(movementIDs) > 0 {
		if err := json.Unmarshal(movementIDs, &inst.MovementIDs); err != nil {
			return instrument.Instrument{}, err
		}
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &inst.Notes); err != nil {
			return instrument.Instrument{}, err
		}
	}
	if daily.Valid {
		d, err := decimal.NewFromString(daily.String)
		if err != nil {
			return instrument.Instrument{}, err
		}
		inst.DailyInterestPct = &d
	}
	if penalty.Valid {
		p, err := decimal.NewFromString(penalty.String)
		if err != nil {
			return instrument.Instrument{}, err
		}
		inst.PenaltyPct = &p
	}
	return inst, nil
}

func marshalLists(inst instrument.Instrument) (movementIDs, notes []byte, err error) {
	ids := inst.MovementIDs
	if ids == nil {
		ids = []string{}
	}
	movementIDs, err = json.Marshal(ids)
	if err != nil {
		return nil, nil, err
	}
	ns := inst.Notes
	if ns == nil {
		ns = []string{}
	}
	notes, err = json.Marshal(ns)
	return movementIDs, notes, err
}

func rateArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
