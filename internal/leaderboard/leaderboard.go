package leaderboard

import (
	"sync"
	"time"

	"github.com/google/btree"

	"mega_coin/internal/store"
)

// Entry is one ranked account.
type Entry struct {
	ID        int64
	Username  string
	Balance   int64
	createdAt time.Time
	version   int64
}

// rank order: balance desc, then account age, then id for a total order
func less(a, b Entry) bool {
	if a.Balance != b.Balance {
		return a.Balance > b.Balance
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.ID < b.ID
}

// Board maintains a live ranking over account balances. It is fed from store
// commit hooks, so it lags a commit by at most one callback and never holds
// the store lock.
type Board struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[Entry]
	current map[int64]Entry
}

func New() *Board {
	return &Board{
		tree:    btree.NewG[Entry](16, less),
		current: make(map[int64]Entry),
	}
}

// Update repositions one account. Commit hooks run outside the store lock
// and may arrive out of order; the account version makes the ranking
// monotonic by dropping updates older than what is already shown.
func (b *Board) Update(a store.Account) {
	e := Entry{ID: a.ID, Username: a.Username, Balance: a.Balance, createdAt: a.CreatedAt, version: a.Version}
	b.mu.Lock()
	if old, ok := b.current[a.ID]; ok {
		if old.version > e.version {
			b.mu.Unlock()
			return
		}
		b.tree.Delete(old)
	}
	b.current[a.ID] = e
	b.tree.ReplaceOrInsert(e)
	b.mu.Unlock()
}

func (b *Board) Remove(id int64) {
	b.mu.Lock()
	if old, ok := b.current[id]; ok {
		b.tree.Delete(old)
		delete(b.current, id)
	}
	b.mu.Unlock()
}

// Top returns the best k entries in rank order.
func (b *Board) Top(k int) []Entry {
	if k <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, k)
	b.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return len(out) < k
	})
	return out
}

// Rank reports the 1-based position of an account, 0 if absent.
func (b *Board) Rank(id int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	target, ok := b.current[id]
	if !ok {
		return 0
	}
	rank := 0
	found := false
	b.tree.Ascend(func(e Entry) bool {
		rank++
		if e.ID == target.ID {
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0
	}
	return rank
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}
