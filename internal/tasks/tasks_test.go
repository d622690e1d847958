package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mega_coin/internal/store"
)

func TestComplete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	e := NewEngine(st, NewMemCatalog())

	if _, _, err := st.Create(ctx, store.Account{ID: 1}); err != nil {
		t.Fatal(err)
	}
	task, err := e.Catalog().Add(ctx, Task{Title: "Join channel", Reward: 50})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("first completion pays", func(t *testing.T) {
		got, err := e.Complete(ctx, 1, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != task.ID {
			t.Fatalf("task = %+v", got)
		}
		a, _ := st.Get(ctx, 1)
		if a.Balance != 50 {
			t.Fatalf("balance = %d, want 50", a.Balance)
		}
	})

	t.Run("second completion rejected", func(t *testing.T) {
		_, err := e.Complete(ctx, 1, task.ID)
		if !errors.Is(err, ErrAlreadyCompleted) {
			t.Fatalf("err = %v", err)
		}
		a, _ := st.Get(ctx, 1)
		if a.Balance != 50 {
			t.Fatalf("balance = %d after repeat", a.Balance)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := e.Complete(ctx, 1, 404)
		if !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("removed task behaves like missing", func(t *testing.T) {
		if err := e.Catalog().Remove(ctx, task.ID); err != nil {
			t.Fatal(err)
		}
		_, err := e.Complete(ctx, 1, task.ID)
		if !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestCompleteConcurrent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	e := NewEngine(st, NewMemCatalog())

	if _, _, err := st.Create(ctx, store.Account{ID: 1}); err != nil {
		t.Fatal(err)
	}
	task, _ := e.Catalog().Add(ctx, Task{Title: "Follow", Reward: 25})

	var wg sync.WaitGroup
	var paid int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Complete(ctx, 1, task.ID); err == nil {
				mu.Lock()
				paid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if paid != 1 {
		t.Fatalf("paid %d times, want 1", paid)
	}
	a, _ := st.Get(ctx, 1)
	if a.Balance != 25 {
		t.Fatalf("balance = %d, want 25", a.Balance)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	e := NewEngine(st, NewMemCatalog())

	t1, _ := e.Catalog().Add(ctx, Task{Title: "A", Reward: 10})
	t2, _ := e.Catalog().Add(ctx, Task{Title: "B", Reward: 10})
	for id := int64(1); id <= 3; id++ {
		if _, _, err := st.Create(ctx, store.Account{ID: id}); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Complete(ctx, id, t1.ID); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Complete(ctx, 1, t2.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats len = %d", len(stats))
	}
	if stats[0].Completions != 3 || stats[1].Completions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
