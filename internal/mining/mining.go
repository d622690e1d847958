package mining

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"mega_coin/internal/abuse"
	"mega_coin/internal/achievements"
	"mega_coin/internal/energy"
	"mega_coin/internal/referral"
	"mega_coin/internal/reward"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
)

var (
	ErrSuspended = errors.New("account suspended")
	ErrCooldown  = errors.New("mining on cooldown")
)

// MineResult reports the outcome of one mine attempt. On rejection the
// relevant wait field is set so callers can tell the user when to retry.
type MineResult struct {
	Account      store.Account
	Reward       reward.Breakdown
	Unlocked     []achievements.Rule
	Suspicious   bool
	ReferralPaid bool

	RetryAt       time.Time // set with ErrCooldown
	EnergyResetAt time.Time // set with energy.ErrExhausted
}

// Processor runs the mine pipeline. The guarded path (suspension, cooldown,
// energy debit, streak update, credit) executes inside one store mutation;
// side effects (abuse recording, achievements, referral payout) run after
// the commit and are individually idempotent, so a failed side effect is
// retried by the next successful mine instead of a background job.
type Processor struct {
	store        store.Store
	settings     *settings.Provider
	monitor      *abuse.Monitor
	achievements *achievements.Engine
	referrals    *referral.Engine
	luckyRoll    func() float64 // [0,1)
}

func NewProcessor(st store.Store, sp *settings.Provider, mon *abuse.Monitor, ach *achievements.Engine, ref *referral.Engine) *Processor {
	return &Processor{
		store:        st,
		settings:     sp,
		monitor:      mon,
		achievements: ach,
		referrals:    ref,
		luckyRoll:    rand.Float64,
	}
}

// SetLuckyRoll overrides the lucky-bonus randomness, for tests.
func (p *Processor) SetLuckyRoll(fn func() float64) { p.luckyRoll = fn }

func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// Mine performs one mine for the account at now.
func (p *Processor) Mine(ctx context.Context, id int64, now time.Time) (MineResult, error) {
	s := p.settings.Snapshot()
	lucky := s.LuckyChancePct > 0 && p.luckyRoll()*100 < float64(s.LuckyChancePct)

	var res MineResult
	acct, err := p.store.Apply(ctx, id, "", func(a *store.Account) error {
		if a.Suspended {
			return ErrSuspended
		}
		if s.Cooldown > 0 && !a.LastMineAt.IsZero() {
			if wait := s.Cooldown - now.Sub(a.LastMineAt); wait > 0 {
				res.RetryAt = a.LastMineAt.Add(s.Cooldown)
				return ErrCooldown
			}
		}

		plan := s.Plan(a.PlanID)
		if err := energy.Debit(plan, a, s.EnergyCostPerMine, now, s.DayZone); err != nil {
			res.EnergyResetAt = energy.ResetAt(plan, *a, now, s.DayZone)
			return err
		}

		today := dayOf(now, s.DayZone)
		yesterday := dayOf(now.In(s.DayZone).AddDate(0, 0, -1), s.DayZone)
		newStreak := a.Streak
		switch a.LastStreakDay {
		case today:
			// second mine of the day keeps the streak
		case yesterday:
			newStreak++
		default:
			newStreak = 1
		}

		bonusStreak := newStreak - 1
		if bonusStreak < 0 {
			bonusStreak = 0
		}
		res.Reward = reward.Compute(s, reward.Input{
			TotalMined:      a.TotalMined,
			Streak:          bonusStreak,
			AchievementPct:  p.achievements.BonusPct(*a),
			Lucky:           lucky,
			WeeklyMilestone: newStreak != a.Streak && newStreak%7 == 0,
		})

		a.Streak = newStreak
		if newStreak > a.HighestStreak {
			a.HighestStreak = newStreak
		}
		a.LastStreakDay = today
		a.Balance += res.Reward.Total
		a.TotalMined += res.Reward.Total
		a.MiningCount++
		a.LastMineAt = now
		return nil
	})
	res.Account = acct
	if err != nil {
		return res, err
	}

	// post-commit side effects, best effort
	if sus, aerr := p.monitor.Record(ctx, id, now); aerr != nil {
		log.Printf("mine %d: abuse record: %v", id, aerr)
	} else {
		res.Suspicious = sus
	}

	unlocked, aerr := p.achievements.Evaluate(ctx, id, now)
	if aerr != nil {
		log.Printf("mine %d: achievements: %v", id, aerr)
	}
	res.Unlocked = unlocked

	if paid, rerr := p.referrals.QualifyingEvent(ctx, acct); rerr != nil {
		log.Printf("mine %d: referral: %v", id, rerr)
	} else {
		res.ReferralPaid = paid
	}

	if fresh, gerr := p.store.Get(ctx, id); gerr == nil {
		res.Account = fresh
	}
	return res, nil
}
