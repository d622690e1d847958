package mining

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mega_coin/internal/abuse"
	"mega_coin/internal/achievements"
	"mega_coin/internal/energy"
	"mega_coin/internal/referral"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
)

func newProcessor(t *testing.T, s settings.Settings) (*Processor, store.Store) {
	t.Helper()
	st := store.NewMemory(500)
	sp := settings.NewProvider(s)
	p := NewProcessor(
		st,
		sp,
		abuse.NewMonitor(abuse.NewMemHistory(), sp),
		achievements.NewEngine(st, achievements.DefaultRules(), s.DayZone),
		referral.NewEngine(st, sp),
	)
	p.SetLuckyRoll(func() float64 { return 1 }) // never lucky unless a test opts in
	return p, st
}

func seed(t *testing.T, st store.Store, a store.Account) {
	t.Helper()
	if _, _, err := st.Create(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func TestMineStreakBonus(t *testing.T) {
	s := settings.Default()
	ctx := context.Background()
	p, st := newProcessor(t, s)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{
		ID:            1,
		Streak:        3,
		HighestStreak: 3,
		LastStreakDay: "2025-03-09",
		LastMineAt:    now.Add(-25 * time.Hour),
		MiningCount:   3,
		Achievements:  map[string]bool{"first_mine": true},
	})

	res, err := p.Mine(ctx, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reward.Total != 110 {
		t.Fatalf("reward = %d, want 110 (%+v)", res.Reward.Total, res.Reward)
	}
	if res.Account.Streak != 4 {
		t.Fatalf("streak = %d, want 4", res.Account.Streak)
	}

	a, _ := st.Get(ctx, 1)
	if a.Balance != 110 || a.TotalMined != 110 {
		t.Fatalf("balance=%d totalMined=%d", a.Balance, a.TotalMined)
	}
}

func TestMineStreakResetAfterGap(t *testing.T) {
	s := settings.Default()
	p, st := newProcessor(t, s)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{
		ID:            1,
		Streak:        12,
		HighestStreak: 12,
		LastStreakDay: "2025-03-05",
		LastMineAt:    now.Add(-5 * 24 * time.Hour),
		MiningCount:   12,
		Achievements:  map[string]bool{"first_mine": true, "mining_streak_7": true},
	})

	res, err := p.Mine(ctx, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Account.Streak != 1 {
		t.Fatalf("streak = %d, want 1", res.Account.Streak)
	}
	if res.Account.HighestStreak != 12 {
		t.Fatalf("highest streak = %d, want 12", res.Account.HighestStreak)
	}
	if res.Reward.StreakBonus != 0 {
		t.Fatalf("streak bonus after reset = %d", res.Reward.StreakBonus)
	}
}

func TestMineWeeklyMilestone(t *testing.T) {
	s := settings.Default()
	p, st := newProcessor(t, s)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{
		ID:            1,
		Streak:        6,
		HighestStreak: 6,
		LastStreakDay: "2025-03-09",
		LastMineAt:    now.Add(-25 * time.Hour),
		MiningCount:   6,
		Achievements:  map[string]bool{"first_mine": true},
	})

	res, err := p.Mine(ctx, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Account.Streak != 7 {
		t.Fatalf("streak = %d, want 7", res.Account.Streak)
	}
	if res.Reward.WeeklyBonus != 50 {
		t.Fatalf("weekly bonus = %d, want 50 (%+v)", res.Reward.WeeklyBonus, res.Reward)
	}
}

func TestMineCooldown(t *testing.T) {
	s := settings.Default()
	p, st := newProcessor(t, s)
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{ID: 1})

	if _, err := p.Mine(ctx, 1, start); err != nil {
		t.Fatal(err)
	}

	res, err := p.Mine(ctx, 1, start.Add(time.Hour))
	if !errors.Is(err, ErrCooldown) {
		t.Fatalf("err = %v, want ErrCooldown", err)
	}
	if want := start.Add(24 * time.Hour); !res.RetryAt.Equal(want) {
		t.Fatalf("retry at %v, want %v", res.RetryAt, want)
	}

	if _, err := p.Mine(ctx, 1, start.Add(24*time.Hour)); err != nil {
		t.Fatalf("mine after cooldown: %v", err)
	}
}

func TestMineSuspended(t *testing.T) {
	p, st := newProcessor(t, settings.Default())
	ctx := context.Background()
	seed(t, st, store.Account{ID: 1, Suspended: true})

	_, err := p.Mine(ctx, 1, time.Now())
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("err = %v, want ErrSuspended", err)
	}
	a, _ := st.Get(ctx, 1)
	if a.Balance != 0 || a.MiningCount != 0 {
		t.Fatalf("suspended account mutated: %+v", a)
	}
}

func TestMineEnergyExhaustionAndReset(t *testing.T) {
	s := settings.Default()
	s.Cooldown = 0
	p, st := newProcessor(t, s)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{ID: 1, PlanID: "standard"})

	for i := 0; i < 5; i++ {
		if _, err := p.Mine(ctx, 1, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("mine %d: %v", i, err)
		}
	}

	res, err := p.Mine(ctx, 1, now.Add(time.Hour))
	if !errors.Is(err, energy.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC); !res.EnergyResetAt.Equal(want) {
		t.Fatalf("energy reset at %v, want %v", res.EnergyResetAt, want)
	}

	if _, err := p.Mine(ctx, 1, time.Date(2025, 3, 11, 0, 5, 0, 0, time.UTC)); err != nil {
		t.Fatalf("mine after day boundary: %v", err)
	}
}

func TestMineFreshContinuousPlanAccount(t *testing.T) {
	s := settings.Default()
	s.Cooldown = 0
	p, st := newProcessor(t, s)
	ctx := context.Background()

	// a just-registered account has zero-valued energy fields
	seed(t, st, store.Account{ID: 1, PlanID: "turbo"})

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	res, err := p.Mine(ctx, 1, now)
	if err != nil {
		t.Fatalf("first mine on turbo: %v", err)
	}
	if res.Reward.Total == 0 {
		t.Fatalf("reward = %+v", res.Reward)
	}
	if got := res.Account.Energy; got != 299 {
		t.Fatalf("energy after first mine = %v, want 299", got)
	}
}

func TestMineLuckyBonus(t *testing.T) {
	s := settings.Default()
	p, st := newProcessor(t, s)
	p.SetLuckyRoll(func() float64 { return 0 }) // always lucky
	ctx := context.Background()

	seed(t, st, store.Account{ID: 1, MiningCount: 1, Achievements: map[string]bool{"first_mine": true}})
	res, err := p.Mine(ctx, 1, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reward.LuckyBonus != 10 {
		t.Fatalf("lucky bonus = %d, want 10", res.Reward.LuckyBonus)
	}
}

func TestMineConcurrentNoLostUpdates(t *testing.T) {
	s := settings.Default()
	s.Cooldown = 0
	p, st := newProcessor(t, s)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{ID: 1, PlanID: "unlimited"})

	const n = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	var minedSum int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Mine(ctx, 1, now)
			if err != nil {
				t.Errorf("mine: %v", err)
				return
			}
			mu.Lock()
			minedSum += res.Reward.Total
			mu.Unlock()
		}()
	}
	wg.Wait()

	a, _ := st.Get(ctx, 1)
	if a.MiningCount != n {
		t.Fatalf("mining count = %d, want %d", a.MiningCount, n)
	}
	if a.TotalMined != minedSum {
		t.Fatalf("total mined = %d, sum of results = %d", a.TotalMined, minedSum)
	}
	if a.EnergyUsedToday != n {
		t.Fatalf("energy used = %d, want %d", a.EnergyUsedToday, n)
	}
}

func TestMineFlagsSuspiciousRate(t *testing.T) {
	s := settings.Default()
	s.Cooldown = 0
	p, st := newProcessor(t, s)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seed(t, st, store.Account{ID: 1, PlanID: "max"})

	var last MineResult
	for i := 0; i < 5; i++ {
		res, err := p.Mine(ctx, 1, now.Add(time.Duration(i)*5*time.Second))
		if err != nil {
			t.Fatalf("mine %d: %v", i, err)
		}
		last = res
	}
	if !last.Suspicious {
		t.Fatal("fifth rapid mine not flagged suspicious")
	}
	a, _ := st.Get(ctx, 1)
	if a.Suspended {
		t.Fatal("monitor suspended the account by itself")
	}
}
