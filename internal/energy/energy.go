package energy

import (
	"errors"
	"time"

	"mega_coin/internal/store"
)

var ErrExhausted = errors.New("energy exhausted")

type RegenKind string

const (
	RegenDaily      RegenKind = "daily"      // full reset at the day boundary
	RegenContinuous RegenKind = "continuous" // refill at RegenPerSec up to Capacity
)

// Plan caps how much an account can mine. Capacity is in energy units; one
// mine costs the configured per-mine amount (default 1).
type Plan struct {
	ID          string
	Name        string
	Capacity    int64
	Regen       RegenKind
	RegenPerSec float64
}

func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// Available reports how much energy the account has at now, computed lazily
// from stored counters. No background sweeps: the first access after a day
// boundary simply sees a stale EnergyDay and treats the counter as zero.
func Available(p Plan, a store.Account, now time.Time, loc *time.Location) int64 {
	switch p.Regen {
	case RegenContinuous:
		level := continuousLevel(p, a, now)
		return int64(level)
	default:
		if a.EnergyDay != dayOf(now, loc) {
			return p.Capacity
		}
		left := p.Capacity - a.EnergyUsedToday
		if left < 0 {
			return 0
		}
		return left
	}
}

// Debit consumes cost units or fails with ErrExhausted, mutating the account
// in place. Callers run it inside Store.Apply so the availability read and
// the debit commit as one unit.
func Debit(p Plan, a *store.Account, cost int64, now time.Time, loc *time.Location) error {
	if cost <= 0 {
		return nil
	}
	switch p.Regen {
	case RegenContinuous:
		level := continuousLevel(p, *a, now)
		if level < float64(cost) {
			return ErrExhausted
		}
		a.Energy = level - float64(cost)
		a.EnergyUpdatedAt = now
		return nil
	default:
		day := dayOf(now, loc)
		if a.EnergyDay != day {
			a.EnergyDay = day
			a.EnergyUsedToday = 0
		}
		if p.Capacity-a.EnergyUsedToday < cost {
			return ErrExhausted
		}
		a.EnergyUsedToday += cost
		return nil
	}
}

// ResetAt reports when the next unit becomes available after exhaustion.
// For daily plans that is the next day boundary in the reference timezone.
func ResetAt(p Plan, a store.Account, now time.Time, loc *time.Location) time.Time {
	switch p.Regen {
	case RegenContinuous:
		if p.RegenPerSec <= 0 {
			return now
		}
		level := continuousLevel(p, a, now)
		if level >= 1 {
			return now
		}
		deficit := 1 - level
		return now.Add(time.Duration(deficit / p.RegenPerSec * float64(time.Second)))
	default:
		local := now.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		return next
	}
}

func continuousLevel(p Plan, a store.Account, now time.Time) float64 {
	// an account that has never been debited starts at full capacity
	if a.EnergyUpdatedAt.IsZero() {
		return float64(p.Capacity)
	}
	level := a.Energy
	if now.After(a.EnergyUpdatedAt) {
		level += now.Sub(a.EnergyUpdatedAt).Seconds() * p.RegenPerSec
	}
	if level > float64(p.Capacity) {
		level = float64(p.Capacity)
	}
	if level < 0 {
		level = 0
	}
	return level
}
