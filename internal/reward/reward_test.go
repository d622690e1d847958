package reward

import (
	"testing"

	"mega_coin/internal/settings"
)

func TestCompute(t *testing.T) {
	s := settings.Default()

	cases := []struct {
		name string
		in   Input
		want int64
	}{
		{"plain", Input{}, 100},
		{"streak below step", Input{Streak: 2}, 100},
		{"streak three days", Input{Streak: 3}, 110},
		{"streak capped", Input{Streak: 60}, 200},
		{"level two", Input{TotalMined: 2500}, 120},
		{"lucky", Input{Lucky: true}, 110},
		{"weekly milestone", Input{Streak: 6, WeeklyMilestone: true}, 170},
		{"achievement pct", Input{AchievementPct: 5}, 105},
		{"stacked", Input{TotalMined: 1000, Streak: 3, Lucky: true}, 130},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(&s, tc.in)
			if got.Total != tc.want {
				t.Fatalf("total = %d, want %d (%+v)", got.Total, tc.want, got)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	s := settings.Default()
	if got := Level(&s, 999); got != 0 {
		t.Fatalf("level(999) = %d", got)
	}
	if got := Level(&s, 1000); got != 1 {
		t.Fatalf("level(1000) = %d", got)
	}
}
