package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"concilia.dev/internal/reconcile"
)

// Runs implements reconcile.RunStore. Movements and counters are stored as
// jsonb documents: a run is written and read whole, never queried by
// individual movement.
type Runs struct {
	db *sql.DB
}

var _ reconcile.RunStore = (*Runs)(nil)

func NewRuns(db *sql.DB) *Runs { return &Runs{db: db} }

func (s *Runs) CreateRun(ctx context.Context, run reconcile.Run) error {
	movements, counters, err := marshalRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into reconciliation_runs(id, integration_id, account_id, processed_at,
		                                movements, counters, status, balance_diff, error)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''))
	`, run.ID, run.IntegrationID, run.AccountID, run.ProcessedAt,
		movements, counters, string(run.Status), run.BalanceDiff, run.Error)
	return err
}

func (s *Runs) GetRun(ctx context.Context, id string) (reconcile.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, integration_id, account_id, processed_at, movements, counters, status, balance_diff, coalesce(error,'')
		from reconciliation_runs where id=$1
	`, id)
	return scanRun(row)
}

func (s *Runs) UpdateRun(ctx context.Context, run reconcile.Run) error {
	movements, counters, err := marshalRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update reconciliation_runs
		set movements=$2, counters=$3, status=$4, balance_diff=$5, error=nullif($6,'')
		where id=$1
	`, run.ID, movements, counters, string(run.Status), run.BalanceDiff, run.Error)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return reconcile.ErrRunNotFound
	}
	return nil
}

func (s *Runs) ListRuns(ctx context.Context, accountID string, limit int) ([]reconcile.Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, integration_id, account_id, processed_at, movements, counters, status, balance_diff, coalesce(error,'')
		from reconciliation_runs
		where ($1 = '' or account_id = $1)
		order by processed_at desc, id desc
		limit $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row interface{ Scan(...any) error }) (reconcile.Run, error) {
	var run reconcile.Run
	var status string
	var movements, counters []byte
	err := row.Scan(&run.ID, &run.IntegrationID, &run.AccountID, &run.ProcessedAt,
		&movements, &counters, &status, &run.BalanceDiff, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.Run{}, reconcile.ErrRunNotFound
	}
	if err != nil {
		return reconcile.Run{}, err
	}
	run.Status = reconcile.RunStatus(status)
	if len(movements) > 0 {
		if err := json.Unmarshal(movements, &run.Movements); err != nil {
			return reconcile.Run{}, err
		}
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return reconcile.Run{}, err
		}
	}
	return run, nil
}

func marshalRun(run reconcile.Run) (movements, counters []byte, err error) {
	movs := run.Movements
	if movs == nil {
		movs = []reconcile.BankMovement{}
	}
	movements, err = json.Marshal(movs)
	if err != nil {
		return nil, nil, err
	}
	counters, err = json.Marshal(run.Counters)
	return movements, counters, err
}
