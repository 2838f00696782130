// Package analytics computes engagement indicators for organizers: per-student flags
// and segments, organization KPIs, daily activity series, alerts and recommended
// actions. The computations are pure functions over a snapshot of activity data;
// Service loads that snapshot from storage.
package analytics

import (
	"math"
	"time"
)

// NeverActiveDays stands for "no activity recorded" in day counts.
const NeverActiveDays = 999

// Flag marks an engagement risk. A student may carry several.
type Flag string

const (
	FlagHighDependency Flag = "dependencia_alta"
	FlagStagnation     Flag = "estancamiento"
	FlagInactive14d    Flag = "inactivo_14d"
	FlagInactive7d     Flag = "inactivo_7d"
)

// Segment is the single engagement profile of a student.
type Segment string

const (
	SegmentAutonomous      Segment = "autonomo"
	SegmentSteadyDependent Segment = "constante_dependiente"
	SegmentIntermittent    Segment = "intermitente"
	SegmentNoActivity      Segment = "sin_actividad"
)

// Engagement is the per-student input of the engine for one window.
type Engagement struct {
	Points           int
	Streak           int
	HintsUsed        int
	LastActivityAt   *time.Time
	SessionCount     int
	PrevSessionCount int
}

// Evaluation is the engine output for one student.
type Evaluation struct {
	HintsAvg         float64 `json:"hintsAvg"`
	LastActivityDays int     `json:"lastActivityDays"`
	Flags            []Flag  `json:"flags"`
	Segment          Segment `json:"segment"`
}

// HintsAverage returns hints per session rounded to one decimal, or the raw hint count
// when there were no sessions.
func HintsAverage(hintsUsed, sessions int) float64 {
	if sessions > 0 {
		return round1(float64(hintsUsed) / float64(sessions))
	}
	return float64(hintsUsed)
}

// LastActivityDays returns whole days since last, or NeverActiveDays when nil.
func LastActivityDays(last *time.Time, now time.Time) int {
	if last == nil {
		return NeverActiveDays
	}
	return int(math.Floor(now.Sub(*last).Hours() / 24))
}

// Evaluate derives flags and segment for e.
func Evaluate(e Engagement, now time.Time, th Thresholds) Evaluation {
	ev := Evaluation{
		HintsAvg:         HintsAverage(e.HintsUsed, e.SessionCount),
		LastActivityDays: LastActivityDays(e.LastActivityAt, now),
	}
	ev.Flags = flags(e, ev, th)
	ev.Segment = segment(e, ev, th)
	return ev
}

func flags(e Engagement, ev Evaluation, th Thresholds) []Flag {
	out := []Flag{}
	if e.SessionCount > 0 && ev.HintsAvg >= th.HighHintsAvg {
		out = append(out, FlagHighDependency)
	}
	if e.SessionCount >= th.StagnationSessionsMin &&
		e.PrevSessionCount >= th.StagnationSessionsMin &&
		e.Points < th.StagnationPointsGrowthMax {
		out = append(out, FlagStagnation)
	}
	switch {
	case ev.LastActivityDays >= th.InactiveDaysLong:
		out = append(out, FlagInactive14d)
	case ev.LastActivityDays >= th.InactiveDays:
		out = append(out, FlagInactive7d)
	}
	return out
}

// segment applies the rules in order; the first match wins.
func segment(e Engagement, ev Evaluation, th Thresholds) Segment {
	switch {
	case e.SessionCount == 0 && e.LastActivityAt == nil:
		return SegmentNoActivity
	case ev.HintsAvg <= th.SegmentHintsLow && e.Points > 0:
		return SegmentAutonomous
	case e.Streak >= th.SegmentStreakMin && ev.HintsAvg >= th.SegmentHintsHigh:
		return SegmentSteadyDependent
	case e.SessionCount > 0 || e.LastActivityAt != nil:
		return SegmentIntermittent
	default:
		return SegmentNoActivity
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
