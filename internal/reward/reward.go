package reward

import "mega_coin/internal/settings"

// Input carries the account facts a payout depends on. Randomness (the lucky
// roll) is resolved by the caller so Compute stays deterministic.
type Input struct {
	TotalMined     int64 // before this mine
	Streak         int64 // before this mine
	AchievementPct int64 // permanent percent bonus from earned achievements
	Lucky          bool
	WeeklyMilestone bool // the streak this mine produces is a multiple of 7
}

// Breakdown itemizes one mining payout.
type Breakdown struct {
	Base            int64
	StreakBonus     int64
	LevelBonus      int64
	AchievementBonus int64
	LuckyBonus      int64
	WeeklyBonus     int64
	Total           int64
}

func Level(s *settings.Settings, totalMined int64) int64 {
	if s.LevelThreshold <= 0 {
		return 0
	}
	return totalMined / s.LevelThreshold
}

func streakPct(s *settings.Settings, streak int64) int64 {
	if s.StreakStepDays <= 0 {
		return 0
	}
	pct := (streak / s.StreakStepDays) * s.StreakStepPct
	if pct > s.MaxStreakPct {
		pct = s.MaxStreakPct
	}
	return pct
}

// Compute prices one mine. All bonuses are percentages of the base reward,
// truncated toward zero, so payouts stay in whole tokens.
func Compute(s *settings.Settings, in Input) Breakdown {
	b := Breakdown{Base: s.MiningReward}
	b.StreakBonus = b.Base * streakPct(s, in.Streak) / 100
	b.LevelBonus = b.Base * Level(s, in.TotalMined) * s.LevelBonusPct / 100
	b.AchievementBonus = b.Base * in.AchievementPct / 100
	if in.Lucky {
		b.LuckyBonus = b.Base * s.LuckyBonusPct / 100
	}
	if in.WeeklyMilestone {
		b.WeeklyBonus = s.WeeklyStreakBonus
	}
	b.Total = b.Base + b.StreakBonus + b.LevelBonus + b.AchievementBonus + b.LuckyBonus + b.WeeklyBonus
	return b
}
