package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// SQLCatalog keeps task definitions in Postgres so admin edits survive
// restarts and are shared by all processes.
type SQLCatalog struct {
	db *sqlx.DB
}

func OpenSQLCatalog(dsn string) (*SQLCatalog, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tasks db connect: %w", err)
	}
	c := &SQLCatalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLCatalog) Close() error { return c.db.Close() }

func (c *SQLCatalog) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          BIGSERIAL PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			link        TEXT NOT NULL DEFAULT '',
			reward      BIGINT NOT NULL,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("tasks migrate: %w", err)
	}
	return nil
}

func (c *SQLCatalog) Add(ctx context.Context, t Task) (Task, error) {
	row := c.db.QueryRowxContext(ctx, `
		INSERT INTO tasks (title, description, link, reward, active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, title, description, link, reward, active, created_at`,
		t.Title, t.Description, t.Link, t.Reward)
	var out Task
	if err := row.StructScan(&out); err != nil {
		return Task{}, fmt.Errorf("tasks add: %w", err)
	}
	return out, nil
}

func (c *SQLCatalog) Remove(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET active = FALSE WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("tasks remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (c *SQLCatalog) Get(ctx context.Context, id int64) (Task, error) {
	var t Task
	err := c.db.GetContext(ctx, &t, `
		SELECT id, title, description, link, reward, active, created_at
		FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("tasks get: %w", err)
	}
	return t, nil
}

func (c *SQLCatalog) List(ctx context.Context, activeOnly bool) ([]Task, error) {
	q := `SELECT id, title, description, link, reward, active, created_at FROM tasks`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY id`
	var out []Task
	if err := c.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("tasks list: %w", err)
	}
	return out, nil
}
