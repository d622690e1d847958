package abuse

import (
	"context"
	"sort"
	"sync"
	"time"

	"mega_coin/internal/settings"
)

// History stores per-account action timestamps for rate analysis.
type History interface {
	// Record stores one action at ts and returns how many actions fall
	// inside [ts-window, ts] including the new one.
	Record(ctx context.Context, id int64, ts time.Time, window time.Duration) (int, error)
	// CountWindow reports actions inside [now-window, now] without recording.
	CountWindow(ctx context.Context, id int64, now time.Time, window time.Duration) (int, error)
}

// Monitor grades account activity against the suspicious-rate policy.
// It is advisory only: it never blocks a mine by itself.
type Monitor struct {
	hist     History
	settings *settings.Provider

	mu      sync.Mutex
	flagged map[int64]time.Time // account -> when last flagged
}

func NewMonitor(hist History, sp *settings.Provider) *Monitor {
	return &Monitor{hist: hist, settings: sp, flagged: make(map[int64]time.Time)}
}

// Record notes a mine and reports whether the account now exceeds the
// suspicious threshold.
func (m *Monitor) Record(ctx context.Context, id int64, ts time.Time) (bool, error) {
	s := m.settings.Snapshot()
	n, err := m.hist.Record(ctx, id, ts, s.SuspiciousWindow)
	if err != nil {
		return false, err
	}
	if n >= s.SuspiciousThreshold {
		m.mu.Lock()
		m.flagged[id] = ts
		m.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// IsSuspicious checks the live window count for one account.
func (m *Monitor) IsSuspicious(ctx context.Context, id int64, now time.Time) (bool, error) {
	s := m.settings.Snapshot()
	n, err := m.hist.CountWindow(ctx, id, now, s.SuspiciousWindow)
	if err != nil {
		return false, err
	}
	return n >= s.SuspiciousThreshold, nil
}

// Flagged lists accounts that tripped the threshold, most recent first.
func (m *Monitor) Flagged() []FlaggedAccount {
	m.mu.Lock()
	out := make([]FlaggedAccount, 0, len(m.flagged))
	for id, at := range m.flagged {
		out = append(out, FlaggedAccount{ID: id, At: at})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.After(out[j].At)
	})
	return out
}

// Clear drops an account from the flagged set, typically after moderator
// review or unsuspension.
func (m *Monitor) Clear(id int64) {
	m.mu.Lock()
	delete(m.flagged, id)
	m.mu.Unlock()
}

type FlaggedAccount struct {
	ID int64
	At time.Time
}
