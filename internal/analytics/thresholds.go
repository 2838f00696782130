package analytics

import (
	"strconv"
	"strings"

	"github.com/mentis-edu/mentis/internal/util"
)

// Window bounds in days.
const (
	DefaultDays = 14
	MinDays     = 7
	MaxDays     = 30
)

// Thresholds tune the engagement flags and segments.
type Thresholds struct {
	HighHintsAvg              float64 `json:"highHintsAvg"`
	StagnationSessionsMin     int     `json:"stagnationSessionsMin"`
	StagnationPointsGrowthMax int     `json:"stagnationPointsGrowthMax"`
	SegmentHintsLow           float64 `json:"segmentHintsLow"`
	SegmentHintsHigh          float64 `json:"segmentHintsHigh"`
	SegmentStreakMin          int     `json:"segmentStreakMin"`
	InactiveDays              int     `json:"inactiveDays"`
	InactiveDaysLong          int     `json:"inactiveDaysLong"`
}

// DefaultThresholds returns the thresholds organizers see out of the box.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighHintsAvg:              5,
		StagnationSessionsMin:     3,
		StagnationPointsGrowthMax: 10,
		SegmentHintsLow:           2,
		SegmentHintsHigh:          5,
		SegmentStreakMin:          3,
		InactiveDays:              7,
		InactiveDaysLong:          14,
	}
}

// ThresholdsFromEnv reads MENTIS_* overrides on top of the defaults.
func ThresholdsFromEnv() Thresholds {
	d := DefaultThresholds()
	return Thresholds{
		HighHintsAvg:              util.ParseFloatEnv("MENTIS_HIGH_HINTS_AVG", d.HighHintsAvg),
		StagnationSessionsMin:     util.ParseIntEnv("MENTIS_STAGNATION_SESSIONS_MIN", d.StagnationSessionsMin),
		StagnationPointsGrowthMax: util.ParseIntEnv("MENTIS_STAGNATION_POINTS_GROWTH_MAX", d.StagnationPointsGrowthMax),
		SegmentHintsLow:           util.ParseFloatEnv("MENTIS_SEGMENT_HINTS_LOW", d.SegmentHintsLow),
		SegmentHintsHigh:          util.ParseFloatEnv("MENTIS_SEGMENT_HINTS_HIGH", d.SegmentHintsHigh),
		SegmentStreakMin:          util.ParseIntEnv("MENTIS_SEGMENT_STREAK_MIN", d.SegmentStreakMin),
		InactiveDays:              util.ParseIntEnv("MENTIS_INACTIVE_DAYS", d.InactiveDays),
		InactiveDaysLong:          util.ParseIntEnv("MENTIS_INACTIVE_DAYS_LONG", d.InactiveDaysLong),
	}
}

// ClampDays bounds a window length to [MinDays, MaxDays].
func ClampDays(days int) int {
	if days < MinDays {
		return MinDays
	}
	if days > MaxDays {
		return MaxDays
	}
	return days
}

// ParseDays reads the days query value. Missing or non-numeric input gives DefaultDays.
func ParseDays(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n == 0 {
		return DefaultDays
	}
	return ClampDays(n)
}
