// Package pg implements the persistent stores on PostgreSQL via the pgx
// stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"concilia.dev/internal/ids"
	"concilia.dev/internal/ledger"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const accountColumns = `id, name, kind, balance, active, is_default, frozen, created_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var acc ledger.Account
	err := row.Scan(&acc.ID, &acc.Name, &acc.Kind, &acc.Balance, &acc.Active, &acc.Default, &acc.Frozen, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, err
}

func (s *Store) CreateAccount(ctx context.Context, p ledger.CreateAccountParams) (ledger.Account, error) {
	if p.InitialBalance < 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}
	if p.Kind == "" {
		p.Kind = ledger.KindCash
	}
	id := ids.New()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into accounts(id, name, kind, balance, active, is_default, frozen, created_at)
		values ($1, $2, $3, 0, true, false, false, now())
	`, id, p.Name, string(p.Kind)); err != nil {
		return ledger.Account{}, err
	}

	if p.SetDefault {
		if _, err := tx.ExecContext(ctx, `update accounts set is_default=false where is_default`); err != nil {
			return ledger.Account{}, err
		}
		if _, err := tx.ExecContext(ctx, `update accounts set is_default=true where id=$1`, id); err != nil {
			return ledger.Account{}, err
		}
	}

	if p.InitialBalance > 0 {
		if _, err := s.appendTx(ctx, tx, ledger.MovementParams{
			AccountID:   id,
			Direction:   ledger.Credit,
			Category:    ledger.CategoryAccountOpening,
			Amount:      p.InitialBalance,
			OccurredOn:  time.Now().UTC(),
			Description: "opening balance",
		}, 0); err != nil {
			return ledger.Account{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from accounts order by created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *Store) GetBalance(ctx context.Context, id string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `select balance from accounts where id=$1`, id).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	return bal, err
}

func (s *Store) SetDefault(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `select active from accounts where id=$1 for update`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return ledger.ErrAccountInactive
	}
	if _, err := tx.ExecContext(ctx, `update accounts set is_default=false where is_default`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update accounts set is_default=true where id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update accounts set active=false, is_default=false where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Unfreeze(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update accounts set frozen=false where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) RecordMovement(ctx context.Context, p ledger.MovementParams) (ledger.Movement, error) {
	movs, err := s.RecordMovements(ctx, []ledger.MovementParams{p})
	if err != nil {
		return ledger.Movement{}, err
	}
	return movs[0], nil
}

// RecordMovements appends a group atomically. Account rows are locked in
// sorted id order to avoid deadlocks, the balance chain head is verified
// per account, and running balances are simulated before any insert.
func (s *Store) RecordMovements(ctx context.Context, group []ledger.MovementParams) ([]ledger.Movement, error) {
	if len(group) == 0 {
		return nil, ledger.ErrEmptyBatch
	}
	for _, p := range group {
		if p.Amount <= 0 {
			return nil, ledger.ErrInvalidAmount
		}
		if !p.Direction.Valid() {
			return nil, ledger.ErrInvalidDirection
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	balances, corrupt, err := s.lockAccounts(ctx, tx, accountIDs(group))
	if err != nil {
		if corrupt != "" {
			s.freezeAfterRollback(ctx, tx, corrupt)
		}
		return nil, err
	}

	// Simulate before inserting: the whole group must fit.
	running := make(map[string]int64, len(balances))
	for id, bal := range balances {
		running[id] = bal
	}
	for _, p := range group {
		next := p.Direction.Apply(running[p.AccountID], p.Amount)
		if p.EnforceFunds && p.Direction == ledger.Debit && next < 0 {
			return nil, ledger.ErrInsufficientFunds
		}
		running[p.AccountID] = next
	}

	movements := make([]ledger.Movement, 0, len(group))
	for _, p := range group {
		mov, err := s.appendTx(ctx, tx, p, balances[p.AccountID])
		if err != nil {
			return nil, err
		}
		balances[p.AccountID] = mov.BalanceAfter
		movements = append(movements, mov)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ReverseMovement(ctx context.Context, movementID, reason string) (ledger.Movement, error) {
	movs, err := s.ReverseMovements(ctx, []string{movementID}, reason)
	if err != nil {
		return ledger.Movement{}, err
	}
	return movs[0], nil
}

// ReverseMovements appends the inverse of each movement atomically and
// links both sides.
func (s *Store) ReverseMovements(ctx context.Context, movementIDs []string, reason string) ([]ledger.Movement, error) {
	if len(movementIDs) == 0 {
		return nil, ledger.ErrEmptyBatch
	}
	seen := make(map[string]bool, len(movementIDs))
	for _, id := range movementIDs {
		if seen[id] {
			return nil, ledger.ErrAlreadyReversed
		}
		seen[id] = true
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	originals := make([]ledger.Movement, 0, len(movementIDs))
	accountSet := make(map[string]bool)
	for _, id := range movementIDs {
		var mov ledger.Movement
		var instrumentID, reversalOf, reversedBy sql.NullString
		err := tx.QueryRowContext(ctx, `
			select id, account_id, direction, category, amount, occurred_on, balance_before, balance_after,
			       description, instrument_id, reversal_of, reversed_by, sequence, created_at
			from movements where id=$1
		`, id).Scan(&mov.ID, &mov.AccountID, &mov.Direction, &mov.Category, &mov.Amount, &mov.OccurredOn,
			&mov.BalanceBefore, &mov.BalanceAfter, &mov.Description, &instrumentID, &reversalOf, &reversedBy,
			&mov.Sequence, &mov.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrMovementNotFound
		}
		if err != nil {
			return nil, err
		}
		if reversedBy.Valid && reversedBy.String != "" {
			return nil, ledger.ErrAlreadyReversed
		}
		if mov.Category == ledger.CategoryReversal {
			return nil, ledger.ErrAlreadyReversed
		}
		mov.InstrumentID = instrumentID.String
		originals = append(originals, mov)
		accountSet[mov.AccountID] = true
	}

	accounts := make([]string, 0, len(accountSet))
	for id := range accountSet {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	balances, corrupt, err := s.lockAccounts(ctx, tx, accounts)
	if err != nil {
		if corrupt != "" {
			s.freezeAfterRollback(ctx, tx, corrupt)
		}
		return nil, err
	}

	reversals := make([]ledger.Movement, 0, len(originals))
	for _, orig := range originals {
		rev, err := s.appendTx(ctx, tx, ledger.MovementParams{
			AccountID:    orig.AccountID,
			Direction:    orig.Direction.Opposite(),
			Category:     ledger.CategoryReversal,
			Amount:       orig.Amount,
			OccurredOn:   time.Now().UTC(),
			Description:  "reversal of " + orig.ID + ": " + reason,
			InstrumentID: orig.InstrumentID,
		}, balances[orig.AccountID])
		if err != nil {
			return nil, err
		}
		balances[orig.AccountID] = rev.BalanceAfter

		if _, err := tx.ExecContext(ctx, `update movements set reversal_of=$2 where id=$1`, rev.ID, orig.ID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `update movements set reversed_by=$2 where id=$1`, orig.ID, rev.ID); err != nil {
			return nil, err
		}
		rev.ReversalOf = orig.ID
		reversals = append(reversals, rev)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reversals, nil
}

func (s *Store) ListMovements(ctx context.Context, accountID string, from, to time.Time, limit int) ([]ledger.Movement, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, direction, category, amount, occurred_on, balance_before, balance_after,
		       description, coalesce(instrument_id,''), coalesce(reversal_of,''), coalesce(reversed_by,''), sequence, created_at
		from movements
		where account_id=$1
		  and ($2::date is null or occurred_on >= $2)
		  and ($3::date is null or occurred_on <= $3)
		order by sequence asc
		limit $4
	`, accountID, nullDate(from), nullDate(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Movement
	for rows.Next() {
		var mov ledger.Movement
		if err := rows.Scan(&mov.ID, &mov.AccountID, &mov.Direction, &mov.Category, &mov.Amount, &mov.OccurredOn,
			&mov.BalanceBefore, &mov.BalanceAfter, &mov.Description, &mov.InstrumentID, &mov.ReversalOf,
			&mov.ReversedBy, &mov.Sequence, &mov.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, mov)
	}
	return out, rows.Err()
}

// VerifyReplay recomputes the balance from history. On mismatch the account
// is frozen before the error is returned.
func (s *Store) VerifyReplay(ctx context.Context, accountID string) error {
	var stored int64
	err := s.db.QueryRowContext(ctx, `select balance from accounts where id=$1`, accountID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `
		select direction, amount, balance_before, balance_after
		from movements where account_id=$1 order by sequence asc
	`, accountID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var replayed int64
	ok := true
	for rows.Next() {
		var dir ledger.Direction
		var amount, before, after int64
		if err := rows.Scan(&dir, &amount, &before, &after); err != nil {
			return err
		}
		if before != replayed || dir.Apply(before, amount) != after {
			ok = false
			break
		}
		replayed = after
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !ok || replayed != stored {
		_, _ = s.db.ExecContext(ctx, `update accounts set frozen=true where id=$1`, accountID)
		return ledger.ErrConsistency
	}
	return nil
}

// lockAccounts locks the given accounts in sorted order, validates that
// each is active, unfrozen and has an intact chain head, and returns their
// current balances. On a chain mismatch the corrupt account id comes back
// so the caller can freeze it after releasing the row lock.
func (s *Store) lockAccounts(ctx context.Context, tx *sql.Tx, accountIDs []string) (map[string]int64, string, error) {
	balances := make(map[string]int64, len(accountIDs))
	for _, id := range accountIDs {
		var balance int64
		var active, frozen bool
		err := tx.QueryRowContext(ctx, `
			select balance, active, frozen from accounts where id=$1 for update
		`, id).Scan(&balance, &active, &frozen)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ledger.ErrAccountNotFound
		}
		if err != nil {
			return nil, "", err
		}
		if !active {
			return nil, "", ledger.ErrAccountInactive
		}
		if frozen {
			return nil, "", ledger.ErrAccountFrozen
		}

		var head sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			select balance_after from movements where account_id=$1 order by sequence desc limit 1
		`, id).Scan(&head)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
		if head.Valid && head.Int64 != balance || !head.Valid && balance != 0 {
			return nil, id, ledger.ErrConsistency
		}
		balances[id] = balance
	}
	return balances, "", nil
}

// freezeAfterRollback rolls the transaction back first so the frozen flag
// can be written without waiting on our own row lock.
func (s *Store) freezeAfterRollback(ctx context.Context, tx *sql.Tx, accountID string) {
	_ = tx.Rollback()
	_, _ = s.db.ExecContext(ctx, `update accounts set frozen=true where id=$1`, accountID)
}

// appendTx inserts one movement and advances the account balance. The
// caller holds the account row lock and passes the current balance.
func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, p ledger.MovementParams, balance int64) (ledger.Movement, error) {
	mov := ledger.Movement{
		ID:            ids.New(),
		AccountID:     p.AccountID,
		Direction:     p.Direction,
		Category:      p.Category,
		Amount:        p.Amount,
		OccurredOn:    dateOnly(p.OccurredOn),
		BalanceBefore: balance,
		BalanceAfter:  p.Direction.Apply(balance, p.Amount),
		Description:   p.Description,
		InstrumentID:  p.InstrumentID,
		CreatedAt:     time.Now().UTC(),
	}
	err := tx.QueryRowContext(ctx, `
		insert into movements(id, account_id, direction, category, amount, occurred_on,
		                      balance_before, balance_after, description, instrument_id, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),$11)
		returning sequence
	`, mov.ID, mov.AccountID, string(mov.Direction), string(mov.Category), mov.Amount, mov.OccurredOn,
		mov.BalanceBefore, mov.BalanceAfter, mov.Description, mov.InstrumentID, mov.CreatedAt).Scan(&mov.Sequence)
	if err != nil {
		return ledger.Movement{}, err
	}
	if _, err := tx.ExecContext(ctx, `update accounts set balance=$2 where id=$1`, mov.AccountID, mov.BalanceAfter); err != nil {
		return ledger.Movement{}, err
	}
	return mov, nil
}

func accountIDs(group []ledger.MovementParams) []string {
	set := make(map[string]bool, len(group))
	for _, p := range group {
		set[p.AccountID] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return dateOnly(t)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
