package analytics

import (
	"reflect"
	"testing"
	"time"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := testNow.Add(-d)
	return &t
}

const day = 24 * time.Hour

func TestHintsAverage(t *testing.T) {
	tests := []struct {
		hints, sessions int
		want            float64
	}{
		{20, 4, 5},
		{49, 10, 4.9},
		{10, 3, 3.3},
		{7, 0, 7},
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := HintsAverage(tt.hints, tt.sessions); got != tt.want {
			t.Errorf("HintsAverage(%d, %d) = %v, want %v", tt.hints, tt.sessions, got, tt.want)
		}
	}
}

func TestLastActivityDays(t *testing.T) {
	if got := LastActivityDays(nil, testNow); got != NeverActiveDays {
		t.Errorf("never active = %d, want %d", got, NeverActiveDays)
	}
	if got := LastActivityDays(ago(36*time.Hour), testNow); got != 1 {
		t.Errorf("36h ago = %d, want 1", got)
	}
	if got := LastActivityDays(ago(time.Hour), testNow); got != 0 {
		t.Errorf("1h ago = %d, want 0", got)
	}
}

func TestEvaluateFlags(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		in   Engagement
		want []Flag
	}{
		{"high dependency at threshold", Engagement{HintsUsed: 20, SessionCount: 4, LastActivityAt: ago(time.Hour)}, []Flag{FlagHighDependency}},
		{"just below threshold", Engagement{HintsUsed: 49, SessionCount: 10, Points: 50, LastActivityAt: ago(time.Hour)}, []Flag{}},
		{"hints without sessions never flag dependency", Engagement{HintsUsed: 30, LastActivityAt: ago(time.Hour)}, []Flag{}},
		{"stagnation", Engagement{SessionCount: 3, PrevSessionCount: 3, Points: 9, LastActivityAt: ago(time.Hour)}, []Flag{FlagStagnation}},
		{"growth clears stagnation", Engagement{SessionCount: 3, PrevSessionCount: 3, Points: 10, LastActivityAt: ago(time.Hour)}, []Flag{}},
		{"inactive 20 days", Engagement{Points: 40, LastActivityAt: ago(20 * day)}, []Flag{FlagInactive14d}},
		{"inactive 7 days", Engagement{Points: 40, LastActivityAt: ago(7 * day)}, []Flag{FlagInactive7d}},
		{"never active", Engagement{}, []Flag{FlagInactive14d}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.in, testNow, th).Flags
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("flags = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInactivityFlagsAreExclusive(t *testing.T) {
	th := DefaultThresholds()
	for days := 0; days <= 40; days++ {
		flags := Evaluate(Engagement{LastActivityAt: ago(time.Duration(days) * day)}, testNow, th).Flags
		n := 0
		for _, f := range flags {
			if f == FlagInactive7d || f == FlagInactive14d {
				n++
			}
		}
		if n > 1 {
			t.Fatalf("%d days inactive carries both inactivity flags: %v", days, flags)
		}
	}
}

func TestSegmentPrecedence(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		in   Engagement
		want Segment
	}{
		{"no sessions and never active", Engagement{Points: 500, Streak: 30, HintsUsed: 100}, SegmentNoActivity},
		{"autonomous", Engagement{Points: 12, HintsUsed: 2, SessionCount: 2, LastActivityAt: ago(day)}, SegmentAutonomous},
		{"steady dependent", Engagement{Points: 5, Streak: 4, HintsUsed: 20, SessionCount: 4, LastActivityAt: ago(day)}, SegmentSteadyDependent},
		{"intermittent by sessions", Engagement{HintsUsed: 9, SessionCount: 3}, SegmentIntermittent},
		{"intermittent by activity", Engagement{LastActivityAt: ago(3 * day)}, SegmentIntermittent},
		{"autonomous beats steady dependent", Engagement{Points: 1, Streak: 9, HintsUsed: 0, SessionCount: 1}, SegmentAutonomous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.in, testNow, th).Segment; got != tt.want {
				t.Errorf("segment = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNoActivityRuleShortCircuits(t *testing.T) {
	th := DefaultThresholds()
	for points := 0; points <= 50; points += 10 {
		for streak := 0; streak <= 10; streak += 2 {
			e := Engagement{Points: points, Streak: streak, HintsUsed: streak * 3}
			if got := Evaluate(e, testNow, th).Segment; got != SegmentNoActivity {
				t.Fatalf("points=%d streak=%d gave %q", points, streak, got)
			}
		}
	}
}

func TestScenarioSteadyDependentStudent(t *testing.T) {
	th := DefaultThresholds()
	th.SegmentStreakMin = 3
	th.SegmentHintsHigh = 5
	ev := Evaluate(Engagement{
		Points: 5, Streak: 4, HintsUsed: 20,
		SessionCount: 4, PrevSessionCount: 4,
		LastActivityAt: ago(time.Hour),
	}, testNow, th)

	if ev.HintsAvg != 5.0 {
		t.Errorf("hintsAvg = %v, want 5.0", ev.HintsAvg)
	}
	if ev.Segment != SegmentSteadyDependent {
		t.Errorf("segment = %q, want constante_dependiente", ev.Segment)
	}
	found := false
	for _, f := range ev.Flags {
		if f == FlagHighDependency {
			found = true
		}
	}
	if !found {
		t.Errorf("flags %v lack dependencia_alta", ev.Flags)
	}
}

func TestClampAndParseDays(t *testing.T) {
	tests := map[string]int{"": 14, "abc": 14, "0": 14, "3": 7, "-5": 7, "21": 21, "90": 30, " 10 ": 10}
	for in, want := range tests {
		if got := ParseDays(in); got != want {
			t.Errorf("ParseDays(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestThresholdsFromEnv(t *testing.T) {
	t.Setenv("MENTIS_HIGH_HINTS_AVG", "4.5")
	t.Setenv("MENTIS_SEGMENT_STREAK_MIN", "5")
	t.Setenv("MENTIS_INACTIVE_DAYS", "not-a-number")

	th := ThresholdsFromEnv()
	if th.HighHintsAvg != 4.5 || th.SegmentStreakMin != 5 {
		t.Errorf("overrides not applied: %+v", th)
	}
	if th.InactiveDays != 7 || th.InactiveDaysLong != 14 {
		t.Errorf("defaults not kept: %+v", th)
	}
}
