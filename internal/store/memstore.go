package store

import (
	"context"
	"sync"
)

// Memory is the in-process Store used when no DATABASE_URL is configured and
// by the test suite. Commits are optimistic: the mutator runs against a
// snapshot and the result is installed only if the record version is
// unchanged, mirroring the compare-and-swap contract of the SQL store.
type Memory struct {
	mu       sync.RWMutex
	accounts map[int64]Account
	applied  map[string]struct{}

	maxAttempts int
	onCommit    CommitFunc
}

func NewMemory(maxAttempts int) *Memory {
	if maxAttempts < 1 {
		maxAttempts = 25
	}
	return &Memory{
		accounts:    make(map[int64]Account),
		applied:     make(map[string]struct{}),
		maxAttempts: maxAttempts,
	}
}

// SetOnCommit installs a hook observing every committed account state.
// Call before the store is shared between goroutines.
func (m *Memory) SetOnCommit(fn CommitFunc) { m.onCommit = fn }

func (m *Memory) Get(ctx context.Context, id int64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) Create(ctx context.Context, acct Account) (Account, bool, error) {
	m.mu.Lock()
	if cur, ok := m.accounts[acct.ID]; ok {
		m.mu.Unlock()
		return cur.Clone(), false, nil
	}
	if acct.Achievements == nil {
		acct.Achievements = map[string]bool{}
	}
	if acct.CompletedTasks == nil {
		acct.CompletedTasks = map[int64]bool{}
	}
	acct.Version = 1
	m.accounts[acct.ID] = acct.Clone()
	m.mu.Unlock()

	if m.onCommit != nil {
		m.onCommit(acct.Clone())
	}
	return acct, true, nil
}

func (m *Memory) Apply(ctx context.Context, id int64, eventID string, fn func(*Account) error) (Account, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Account{}, err
		}

		m.mu.RLock()
		cur, ok := m.accounts[id]
		if !ok {
			m.mu.RUnlock()
			return Account{}, ErrNotFound
		}
		if eventID != "" {
			if _, done := m.applied[eventID]; done {
				out := cur.Clone()
				m.mu.RUnlock()
				return out, ErrEventApplied
			}
		}
		next := cur.Clone()
		version := cur.Version
		m.mu.RUnlock()

		if err := fn(&next); err != nil {
			return cur.Clone(), err
		}

		m.mu.Lock()
		latest, ok := m.accounts[id]
		if !ok {
			m.mu.Unlock()
			return Account{}, ErrNotFound
		}
		if latest.Version != version {
			m.mu.Unlock()
			continue // lost the race, re-read and retry
		}
		next.Version = version + 1
		m.accounts[id] = next.Clone()
		if eventID != "" {
			m.applied[eventID] = struct{}{}
		}
		m.mu.Unlock()

		if m.onCommit != nil {
			m.onCommit(next.Clone())
		}
		return next, nil
	}
	return Account{}, ErrConflict
}

func (m *Memory) ForEach(ctx context.Context, fn func(Account) error) error {
	m.mu.RLock()
	snapshot := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		snapshot = append(snapshot, a.Clone())
	}
	m.mu.RUnlock()

	for _, a := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.accounts)), nil
}
