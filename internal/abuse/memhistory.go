package abuse

import (
	"context"
	"sync"
	"time"
)

// MemHistory keeps recent action timestamps in memory. Entries older than
// the requested window are trimmed on every touch, so the per-account slice
// stays bounded by the action rate.
type MemHistory struct {
	mu      sync.Mutex
	actions map[int64][]time.Time
}

func NewMemHistory() *MemHistory {
	return &MemHistory{actions: make(map[int64][]time.Time)}
}

func (h *MemHistory) Record(ctx context.Context, id int64, ts time.Time, window time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := trim(h.actions[id], ts.Add(-window))
	kept = append(kept, ts)
	h.actions[id] = kept
	return len(kept), nil
}

func (h *MemHistory) CountWindow(ctx context.Context, id int64, now time.Time, window time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range h.actions[id] {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return append(ts[:0:0], ts[i:]...)
}
