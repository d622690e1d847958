package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mega_coin/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
  id                BIGINT PRIMARY KEY,
  username          TEXT NOT NULL DEFAULT '',
  first_name        TEXT NOT NULL DEFAULT '',
  balance           BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
  total_mined       BIGINT NOT NULL DEFAULT 0,
  mining_count      BIGINT NOT NULL DEFAULT 0,
  plan_id           TEXT NOT NULL DEFAULT '',
  energy_used_today BIGINT NOT NULL DEFAULT 0,
  energy_day        TEXT NOT NULL DEFAULT '',
  energy            DOUBLE PRECISION NOT NULL DEFAULT 0,
  energy_updated_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
  last_mine_at      TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
  streak            BIGINT NOT NULL DEFAULT 0,
  highest_streak    BIGINT NOT NULL DEFAULT 0,
  last_streak_day   TEXT NOT NULL DEFAULT '',
  achievements      TEXT[] NOT NULL DEFAULT '{}',
  completed_tasks   BIGINT[] NOT NULL DEFAULT '{}',
  suspended         BOOLEAN NOT NULL DEFAULT FALSE,
  role              TEXT NOT NULL DEFAULT '',
  referrer_id       BIGINT NOT NULL DEFAULT 0,
  referral_rewarded BOOLEAN NOT NULL DEFAULT FALSE,
  referral_count    BIGINT NOT NULL DEFAULT 0,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  version           BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger (
  id         UUID PRIMARY KEY,
  event_id   TEXT NOT NULL,
  account_id BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_event_id_uniq ON ledger(event_id);
`

const accountCols = `id, username, first_name, balance, total_mined, mining_count,
plan_id, energy_used_today, energy_day, energy, energy_updated_at,
last_mine_at, streak, highest_streak, last_streak_day,
achievements, completed_tasks, suspended, role,
referrer_id, referral_rewarded, referral_count, created_at, version`

// DB implements store.Store on Postgres. Apply serializes writers on the
// account row with FOR UPDATE; idempotency keys are rows in a ledger table
// with a unique event_id index, so a replayed event fails the insert and the
// mutation is skipped.
type DB struct {
	pool     *pgxpool.Pool
	onCommit store.CommitFunc
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	d := &DB{pool: pool}
	if err := d.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() { d.pool.Close() }

func (d *DB) SetOnCommit(fn store.CommitFunc) { d.onCommit = fn }

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg migrate: %w", err)
	}
	return nil
}

func (d *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanAccount(row pgx.Row) (store.Account, error) {
	var a store.Account
	var achievements []string
	var completed []int64
	var role string
	err := row.Scan(
		&a.ID, &a.Username, &a.FirstName, &a.Balance, &a.TotalMined, &a.MiningCount,
		&a.PlanID, &a.EnergyUsedToday, &a.EnergyDay, &a.Energy, &a.EnergyUpdatedAt,
		&a.LastMineAt, &a.Streak, &a.HighestStreak, &a.LastStreakDay,
		&achievements, &completed, &a.Suspended, &role,
		&a.ReferrerID, &a.ReferralRewarded, &a.ReferralCount, &a.CreatedAt, &a.Version,
	)
	if err != nil {
		return store.Account{}, err
	}
	a.Role = store.Role(role)
	a.Achievements = make(map[string]bool, len(achievements))
	for _, id := range achievements {
		a.Achievements[id] = true
	}
	a.CompletedTasks = make(map[int64]bool, len(completed))
	for _, id := range completed {
		a.CompletedTasks[id] = true
	}
	return a, nil
}

func achievementList(a store.Account) []string {
	out := make([]string, 0, len(a.Achievements))
	for id, ok := range a.Achievements {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func completedList(a store.Account) []int64 {
	out := make([]int64, 0, len(a.CompletedTasks))
	for id, ok := range a.CompletedTasks {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (d *DB) Get(ctx context.Context, id int64) (store.Account, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=$1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Account{}, fmt.Errorf("account %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("pg get %d: %w", id, err)
	}
	return a, nil
}

func (d *DB) Create(ctx context.Context, acct store.Account) (store.Account, bool, error) {
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	tag, err := d.pool.Exec(ctx, `
INSERT INTO accounts (id, username, first_name, balance, plan_id, role,
  referrer_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING`,
		acct.ID, acct.Username, acct.FirstName, acct.Balance, acct.PlanID,
		string(acct.Role), acct.ReferrerID, acct.CreatedAt)
	if err != nil {
		return store.Account{}, false, fmt.Errorf("pg create %d: %w", acct.ID, err)
	}
	created := tag.RowsAffected() == 1
	out, err := d.Get(ctx, acct.ID)
	if err != nil {
		return store.Account{}, false, err
	}
	if created && d.onCommit != nil {
		d.onCommit(out)
	}
	return out, created, nil
}

func (d *DB) Apply(ctx context.Context, id int64, eventID string, fn func(*store.Account) error) (store.Account, error) {
	var out store.Account
	var applied bool
	err := d.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=$1 FOR UPDATE`, id)
		a, err := scanAccount(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %d: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("pg lock %d: %w", id, err)
		}

		if eventID != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO ledger (id, event_id, account_id) VALUES ($1,$2,$3)
				 ON CONFLICT (event_id) DO NOTHING`,
				uuid.New().String(), eventID, id)
			if err != nil {
				return fmt.Errorf("pg ledger %s: %w", eventID, err)
			}
			if tag.RowsAffected() == 0 {
				out = a
				return store.ErrEventApplied
			}
		}

		if err := fn(&a); err != nil {
			out = a
			return err
		}
		if a.Balance < 0 {
			return fmt.Errorf("account %d: negative balance", id)
		}
		a.Version++

		_, err = tx.Exec(ctx, `
UPDATE accounts SET
  username=$2, first_name=$3, balance=$4, total_mined=$5, mining_count=$6,
  plan_id=$7, energy_used_today=$8, energy_day=$9, energy=$10, energy_updated_at=$11,
  last_mine_at=$12, streak=$13, highest_streak=$14, last_streak_day=$15,
  achievements=$16, completed_tasks=$17, suspended=$18, role=$19,
  referral_rewarded=$20, referral_count=$21, version=$22
WHERE id=$1`,
			a.ID, a.Username, a.FirstName, a.Balance, a.TotalMined, a.MiningCount,
			a.PlanID, a.EnergyUsedToday, a.EnergyDay, a.Energy, a.EnergyUpdatedAt,
			a.LastMineAt, a.Streak, a.HighestStreak, a.LastStreakDay,
			achievementList(a), completedList(a), a.Suspended, string(a.Role),
			a.ReferralRewarded, a.ReferralCount, a.Version)
		if err != nil {
			return fmt.Errorf("pg update %d: %w", id, err)
		}
		out = a
		applied = true
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return out, fmt.Errorf("account %d: %w", id, store.ErrConflict)
		}
		return out, err
	}
	if applied && d.onCommit != nil {
		d.onCommit(out)
	}
	return out, nil
}

func (d *DB) ForEach(ctx context.Context, fn func(store.Account) error) error {
	rows, err := d.pool.Query(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return fmt.Errorf("pg foreach: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return fmt.Errorf("pg foreach scan: %w", err)
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pg count: %w", err)
	}
	return n, nil
}
