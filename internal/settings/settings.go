package settings

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mega_coin/internal/energy"
)

// Settings is the tunable economy policy. A snapshot is immutable; runtime
// changes swap in a fresh copy so readers never see a half-applied update.
type Settings struct {
	MiningReward        int64
	ReferralReward      int64
	TaskDefaultReward   int64
	Cooldown            time.Duration // 0 disables the per-account mine cooldown
	SuspiciousThreshold int
	SuspiciousWindow    time.Duration

	StreakStepDays    int64 // streak days per bonus step
	StreakStepPct     int64 // percent of base per step
	MaxStreakPct      int64
	WeeklyStreakBonus int64

	LevelThreshold int64 // total mined per level
	LevelBonusPct  int64 // percent of base per level
	LuckyChancePct int64
	LuckyBonusPct  int64

	EnergyCostPerMine int64
	DefaultPlanID     string
	Plans             map[string]energy.Plan

	DayZone *time.Location
}

func Default() Settings {
	return Settings{
		MiningReward:        100,
		ReferralReward:      50,
		TaskDefaultReward:   50,
		Cooldown:            24 * time.Hour,
		SuspiciousThreshold: 5,
		SuspiciousWindow:    60 * time.Second,
		StreakStepDays:      3,
		StreakStepPct:       10,
		MaxStreakPct:        100,
		WeeklyStreakBonus:   50,
		LevelThreshold:      1000,
		LevelBonusPct:       10,
		LuckyChancePct:      10,
		LuckyBonusPct:       10,
		EnergyCostPerMine:   1,
		DefaultPlanID:       "standard",
		Plans:               DefaultPlans(),
		DayZone:             time.UTC,
	}
}

func DefaultPlans() map[string]energy.Plan {
	return map[string]energy.Plan{
		"standard":  {ID: "standard", Name: "Standard", Capacity: 5, Regen: energy.RegenDaily},
		"max":       {ID: "max", Name: "Max", Capacity: 50, Regen: energy.RegenDaily},
		"unlimited": {ID: "unlimited", Name: "Unlimited", Capacity: 150, Regen: energy.RegenDaily},
		"turbo":     {ID: "turbo", Name: "Turbo", Capacity: 300, Regen: energy.RegenContinuous, RegenPerSec: 1},
	}
}

// Plan resolves an account's plan id, falling back to the default plan for
// unknown or empty ids so stored accounts survive plan catalog edits.
func (s *Settings) Plan(id string) energy.Plan {
	if p, ok := s.Plans[id]; ok {
		return p
	}
	return s.Plans[s.DefaultPlanID]
}

// Provider hands out immutable snapshots and applies admin overrides.
type Provider struct {
	cur atomic.Pointer[Settings]
}

func NewProvider(s Settings) *Provider {
	p := &Provider{}
	p.cur.Store(&s)
	return p
}

func (p *Provider) Snapshot() *Settings { return p.cur.Load() }

// Params lists the runtime-tunable parameter names with current values.
func (p *Provider) Params() map[string]string {
	s := p.Snapshot()
	out := map[string]string{
		"mining_reward":             strconv.FormatInt(s.MiningReward, 10),
		"referral_reward":           strconv.FormatInt(s.ReferralReward, 10),
		"task_default_reward":       strconv.FormatInt(s.TaskDefaultReward, 10),
		"cooldown_seconds":          strconv.FormatInt(int64(s.Cooldown/time.Second), 10),
		"suspicious_threshold":      strconv.Itoa(s.SuspiciousThreshold),
		"suspicious_window_seconds": strconv.FormatInt(int64(s.SuspiciousWindow/time.Second), 10),
		"max_streak_pct":            strconv.FormatInt(s.MaxStreakPct, 10),
		"level_threshold":           strconv.FormatInt(s.LevelThreshold, 10),
		"energy_cost_per_mine":      strconv.FormatInt(s.EnergyCostPerMine, 10),
	}
	for id, pl := range s.Plans {
		out["plan_"+id+"_capacity"] = strconv.FormatInt(pl.Capacity, 10)
		if pl.Regen == energy.RegenContinuous {
			out["plan_"+id+"_regen_per_sec"] = strconv.FormatFloat(pl.RegenPerSec, 'f', -1, 64)
		}
	}
	return out
}

// SetParam applies one named override. Unknown names and unparsable values
// are rejected without touching the live snapshot.
func (p *Provider) SetParam(name, value string) error {
	for {
		old := p.cur.Load()
		next := *old

		var err error
		switch name {
		case "mining_reward":
			next.MiningReward, err = parseAmount(value)
		case "referral_reward":
			next.ReferralReward, err = parseAmount(value)
		case "task_default_reward":
			next.TaskDefaultReward, err = parseAmount(value)
		case "cooldown_seconds":
			var sec int64
			sec, err = strconv.ParseInt(value, 10, 64)
			if err == nil && sec < 0 {
				err = fmt.Errorf("negative cooldown")
			}
			next.Cooldown = time.Duration(sec) * time.Second
		case "suspicious_threshold":
			var n int
			n, err = strconv.Atoi(value)
			if err == nil && n < 1 {
				err = fmt.Errorf("threshold must be >= 1")
			}
			next.SuspiciousThreshold = n
		case "suspicious_window_seconds":
			var sec int64
			sec, err = strconv.ParseInt(value, 10, 64)
			if err == nil && sec < 1 {
				err = fmt.Errorf("window must be >= 1s")
			}
			next.SuspiciousWindow = time.Duration(sec) * time.Second
		case "max_streak_pct":
			next.MaxStreakPct, err = parseAmount(value)
		case "level_threshold":
			var n int64
			n, err = strconv.ParseInt(value, 10, 64)
			if err == nil && n < 1 {
				err = fmt.Errorf("threshold must be >= 1")
			}
			next.LevelThreshold = n
		case "energy_cost_per_mine":
			next.EnergyCostPerMine, err = parseAmount(value)
		default:
			ok, perr := applyPlanParam(&next, name, value)
			if !ok {
				return fmt.Errorf("unknown parameter %q", name)
			}
			err = perr
		}
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		if p.cur.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// applyPlanParam handles plan_<id>_capacity and plan_<id>_regen_per_sec.
// It reports whether the name addressed a known plan; the Plans map is
// cloned before mutation so live snapshots stay immutable.
func applyPlanParam(s *Settings, name, value string) (bool, error) {
	rest, found := strings.CutPrefix(name, "plan_")
	if !found {
		return false, nil
	}
	var id, field string
	switch {
	case strings.HasSuffix(rest, "_capacity"):
		id, field = strings.TrimSuffix(rest, "_capacity"), "capacity"
	case strings.HasSuffix(rest, "_regen_per_sec"):
		id, field = strings.TrimSuffix(rest, "_regen_per_sec"), "regen_per_sec"
	default:
		return false, nil
	}
	pl, ok := s.Plans[id]
	if !ok {
		return false, nil
	}

	switch field {
	case "capacity":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return true, err
		}
		if n < 1 {
			return true, fmt.Errorf("capacity must be >= 1")
		}
		pl.Capacity = n
	case "regen_per_sec":
		if pl.Regen != energy.RegenContinuous {
			return true, fmt.Errorf("plan %q resets daily", id)
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return true, err
		}
		if f <= 0 {
			return true, fmt.Errorf("rate must be positive")
		}
		pl.RegenPerSec = f
	}

	plans := make(map[string]energy.Plan, len(s.Plans))
	for k, v := range s.Plans {
		plans[k] = v
	}
	plans[id] = pl
	s.Plans = plans
	return true, nil
}

func parseAmount(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value")
	}
	return n, nil
}
