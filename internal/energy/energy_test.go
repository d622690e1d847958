package energy

import (
	"errors"
	"testing"
	"time"

	"mega_coin/internal/store"
)

var msk = time.FixedZone("MSK", 3*60*60)

func TestDailyDebit(t *testing.T) {
	p := Plan{ID: "standard", Capacity: 3, Regen: RegenDaily}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, msk)
	a := store.Account{ID: 1}

	t.Run("drain to zero", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := Debit(p, &a, 1, now, msk); err != nil {
				t.Fatalf("debit %d: %v", i, err)
			}
		}
		if got := Available(p, a, now, msk); got != 0 {
			t.Fatalf("available = %d, want 0", got)
		}
		if err := Debit(p, &a, 1, now, msk); !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v, want ErrExhausted", err)
		}
	})

	t.Run("day boundary resets", func(t *testing.T) {
		next := time.Date(2025, 3, 11, 0, 0, 1, 0, msk)
		if got := Available(p, a, next, msk); got != 3 {
			t.Fatalf("available after reset = %d, want 3", got)
		}
		if err := Debit(p, &a, 1, next, msk); err != nil {
			t.Fatalf("debit after reset: %v", err)
		}
		if a.EnergyUsedToday != 1 {
			t.Fatalf("used today = %d, want 1", a.EnergyUsedToday)
		}
	})

	t.Run("reset at next midnight", func(t *testing.T) {
		at := ResetAt(p, a, now, msk)
		want := time.Date(2025, 3, 11, 0, 0, 0, 0, msk)
		if !at.Equal(want) {
			t.Fatalf("reset at %v, want %v", at, want)
		}
	})
}

func TestContinuousRegen(t *testing.T) {
	p := Plan{ID: "turbo", Capacity: 300, Regen: RegenContinuous, RegenPerSec: 1}
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	a := store.Account{ID: 2, Energy: 300, EnergyUpdatedAt: start}

	if err := Debit(p, &a, 300, start, time.UTC); err != nil {
		t.Fatalf("full drain: %v", err)
	}
	if err := Debit(p, &a, 1, start, time.UTC); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	later := start.Add(10 * time.Second)
	if got := Available(p, a, later, time.UTC); got != 10 {
		t.Fatalf("available after 10s = %d, want 10", got)
	}
	if err := Debit(p, &a, 5, later, time.UTC); err != nil {
		t.Fatalf("partial debit: %v", err)
	}
	if got := Available(p, a, later, time.UTC); got != 5 {
		t.Fatalf("available after debit = %d, want 5", got)
	}

	// regen never exceeds capacity
	far := start.Add(24 * time.Hour)
	if got := Available(p, a, far, time.UTC); got != 300 {
		t.Fatalf("available capped = %d, want 300", got)
	}
}

func TestContinuousFreshAccountStartsFull(t *testing.T) {
	p := Plan{ID: "turbo", Capacity: 300, Regen: RegenContinuous, RegenPerSec: 1}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	a := store.Account{ID: 3} // never debited, zero-valued energy fields

	if got := Available(p, a, now, time.UTC); got != 300 {
		t.Fatalf("available = %d, want 300", got)
	}
	if err := Debit(p, &a, 1, now, time.UTC); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if a.Energy != 299 || !a.EnergyUpdatedAt.Equal(now) {
		t.Fatalf("after debit energy = %v updated at %v", a.Energy, a.EnergyUpdatedAt)
	}
	if got := Available(p, a, now.Add(time.Hour), time.UTC); got != 300 {
		t.Fatalf("available after regen = %d, want 300", got)
	}
}
