package achievements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mega_coin/internal/store"
)

// Rule is one unlockable achievement. Met is evaluated against the committed
// account state after each qualifying action, so a rule a user misses once is
// retried on the next action until it unlocks.
type Rule struct {
	ID       string
	Name     string
	Desc     string
	Reward   int64 // one-time token credit
	BonusPct int64 // permanent percent bonus on future mining rewards
	Met      func(a store.Account, now time.Time, loc *time.Location) bool
}

func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "first_mine", Name: "First Steps", Desc: "Complete your first mine", Reward: 10,
			Met: func(a store.Account, _ time.Time, _ *time.Location) bool { return a.MiningCount >= 1 },
		},
		{
			ID: "mining_streak_7", Name: "Week Warrior", Desc: "Keep a 7 day mining streak", Reward: 100,
			Met: func(a store.Account, _ time.Time, _ *time.Location) bool { return a.HighestStreak >= 7 },
		},
		{
			ID: "referral_master", Name: "Referral Master", Desc: "Invite 5 friends", Reward: 200,
			Met: func(a store.Account, _ time.Time, _ *time.Location) bool { return a.ReferralCount >= 5 },
		},
		{
			ID: "mega_miner", Name: "Mega Miner", Desc: "Mine 1000 tokens in total", Reward: 500, BonusPct: 5,
			Met: func(a store.Account, _ time.Time, _ *time.Location) bool { return a.TotalMined >= 1000 },
		},
		{
			ID: "early_bird", Name: "Early Bird", Desc: "Mine within an hour of the daily reset", Reward: 25,
			Met: func(a store.Account, now time.Time, loc *time.Location) bool {
				return a.MiningCount >= 1 && now.In(loc).Hour() == 0
			},
		},
	}
}

type Engine struct {
	store store.Store
	rules []Rule
	zone  *time.Location
}

func NewEngine(st store.Store, rules []Rule, zone *time.Location) *Engine {
	if zone == nil {
		zone = time.UTC
	}
	return &Engine{store: st, rules: rules, zone: zone}
}

func (e *Engine) Rules() []Rule { return e.rules }

// BonusPct sums the permanent reward bonus of the achievements already held.
func (e *Engine) BonusPct(a store.Account) int64 {
	var pct int64
	for _, r := range e.rules {
		if r.BonusPct > 0 && a.HasAchievement(r.ID) {
			pct += r.BonusPct
		}
	}
	return pct
}

// Evaluate checks all rules against the account and unlocks any newly met
// ones. Each unlock credits at most once: the grant is keyed per rule and
// account, so a crashed or repeated evaluation cannot double-pay.
func (e *Engine) Evaluate(ctx context.Context, id int64, now time.Time) ([]Rule, error) {
	acct, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var unlocked []Rule
	for _, r := range e.rules {
		if acct.HasAchievement(r.ID) || !r.Met(acct, now, e.zone) {
			continue
		}
		r := r
		eventID := fmt.Sprintf("achv:%s:%d", r.ID, id)
		_, err := e.store.Apply(ctx, id, eventID, func(a *store.Account) error {
			if a.Achievements == nil {
				a.Achievements = make(map[string]bool)
			}
			a.Achievements[r.ID] = true
			a.Balance += r.Reward
			return nil
		})
		if errors.Is(err, store.ErrEventApplied) {
			continue
		}
		if err != nil {
			return unlocked, fmt.Errorf("unlock %s: %w", r.ID, err)
		}
		unlocked = append(unlocked, r)
	}
	return unlocked, nil
}
