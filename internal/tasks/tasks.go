package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mega_coin/internal/store"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrAlreadyCompleted = errors.New("task already completed")
)

// Task is one promotional action a user can complete for a reward.
type Task struct {
	ID          int64     `db:"id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Link        string    `db:"link"`
	Reward      int64     `db:"reward"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
}

// Catalog stores the task definitions. Completion state lives on accounts.
type Catalog interface {
	Add(ctx context.Context, t Task) (Task, error)
	Remove(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (Task, error)
	List(ctx context.Context, activeOnly bool) ([]Task, error)
}

// MemCatalog is the in-process Catalog used without a database.
type MemCatalog struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]Task
}

func NewMemCatalog() *MemCatalog {
	return &MemCatalog{nextID: 1, tasks: make(map[int64]Task)}
}

func (c *MemCatalog) Add(ctx context.Context, t Task) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.ID = c.nextID
	c.nextID++
	t.Active = true
	c.tasks[t.ID] = t
	return t, nil
}

func (c *MemCatalog) Remove(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok || !t.Active {
		return ErrTaskNotFound
	}
	// deactivate instead of delete so past completions keep their reference
	t.Active = false
	c.tasks[id] = t
	return nil
}

func (c *MemCatalog) Get(ctx context.Context, id int64) (Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (c *MemCatalog) List(ctx context.Context, activeOnly bool) ([]Task, error) {
	c.mu.RLock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Engine pays task rewards with per-task-per-account idempotency.
type Engine struct {
	store   store.Store
	catalog Catalog
}

func NewEngine(st store.Store, cat Catalog) *Engine {
	return &Engine{store: st, catalog: cat}
}

func (e *Engine) Catalog() Catalog { return e.catalog }

// Complete marks the task done for the account and credits the reward once.
// Inactive tasks behave like missing ones.
func (e *Engine) Complete(ctx context.Context, accountID, taskID int64) (Task, error) {
	t, err := e.catalog.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !t.Active {
		return Task{}, ErrTaskNotFound
	}

	eventID := fmt.Sprintf("task:%d:%d", taskID, accountID)
	_, err = e.store.Apply(ctx, accountID, eventID, func(a *store.Account) error {
		if a.HasCompletedTask(taskID) {
			return ErrAlreadyCompleted
		}
		if a.CompletedTasks == nil {
			a.CompletedTasks = make(map[int64]bool)
		}
		a.CompletedTasks[taskID] = true
		a.Balance += t.Reward
		return nil
	})
	if errors.Is(err, store.ErrEventApplied) {
		return Task{}, ErrAlreadyCompleted
	}
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// TaskStats counts completions per task across all accounts.
type TaskStats struct {
	Task        Task
	Completions int64
}

func (e *Engine) Stats(ctx context.Context) ([]TaskStats, error) {
	all, err := e.catalog.List(ctx, false)
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int64, len(all))
	err = e.store.ForEach(ctx, func(a store.Account) error {
		for id, done := range a.CompletedTasks {
			if done {
				counts[id]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]TaskStats, 0, len(all))
	for _, t := range all {
		out = append(out, TaskStats{Task: t, Completions: counts[t.ID]})
	}
	return out, nil
}
