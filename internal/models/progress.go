package models

import (
	"time"
)

// StudentProgress is the per-student progress record. Values only grow in normal operation.
type StudentProgress struct {
	StudentID      string     `json:"studentId"`
	Points         int        `json:"points"`
	LastActivityAt *time.Time `json:"lastActivityAt"`
	Streak         int        `json:"streak"`
	HintsUsed      int        `json:"hintsUsed"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ProgressUpdate is a partial progress write. Nil fields are left untouched.
type ProgressUpdate struct {
	Points         *int       `json:"points,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	Streak         *int       `json:"streak,omitempty"`
	HintsUsed      *int       `json:"hintsUsed,omitempty"`
}

// Validate checks the update carries at least one non-negative field.
func (u ProgressUpdate) Validate() error {
	if u.Points == nil && u.LastActivityAt == nil && u.Streak == nil && u.HintsUsed == nil {
		return ErrEmptyProgressUpdate
	}
	for _, v := range []*int{u.Points, u.Streak, u.HintsUsed} {
		if v != nil && *v < 0 {
			return ErrNegativeProgress
		}
	}
	return nil
}

// Apply returns p with the update's fields written over it.
func (u ProgressUpdate) Apply(p StudentProgress) StudentProgress {
	if u.Points != nil {
		p.Points = *u.Points
	}
	if u.LastActivityAt != nil {
		t := *u.LastActivityAt
		p.LastActivityAt = &t
	}
	if u.Streak != nil {
		p.Streak = *u.Streak
	}
	if u.HintsUsed != nil {
		p.HintsUsed = *u.HintsUsed
	}
	return p
}

// LearningSummary is an append-only recap of a study session. Analytics counts
// each summary as one session.
type LearningSummary struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"studentId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Content        string    `json:"content"`
	SourceType     string    `json:"sourceType,omitempty"`
	SourceID       string    `json:"sourceId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StudentDetail is the organizer's view of one student: roster entry, progress and
// the most recent learning summaries.
type StudentDetail struct {
	Student   Student           `json:"student"`
	Progress  StudentProgress   `json:"progress"`
	Summaries []LearningSummary `json:"summaries"`
}

// LearningEventType names the kinds of fine-grained activity events.
type LearningEventType string

const (
	EventHintUsed LearningEventType = "hint_used"
	EventErrorTag LearningEventType = "error_tag"
)

// LearningEvent is one entry of the fine-grained activity log.
type LearningEvent struct {
	ID        string                 `json:"id"`
	StudentID string                 `json:"studentId"`
	Type      LearningEventType      `json:"type"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Tag returns the error tag carried in Meta, if any.
func (e LearningEvent) Tag() (string, bool) {
	if e.Meta == nil {
		return "", false
	}
	tag, ok := e.Meta["tag"].(string)
	if !ok || tag == "" {
		return "", false
	}
	return tag, true
}

// ProgressDelta is an incremental progress change produced by tutoring turns.
type ProgressDelta struct {
	Points    int        `json:"points,omitempty"`
	HintsUsed int        `json:"hintsUsed,omitempty"`
	Activity  *time.Time `json:"activity,omitempty"`
}

// IsZero reports whether the delta changes nothing.
func (d ProgressDelta) IsZero() bool {
	return d.Points == 0 && d.HintsUsed == 0 && d.Activity == nil
}

// Add combines two deltas. The later activity timestamp wins.
func (d ProgressDelta) Add(o ProgressDelta) ProgressDelta {
	out := ProgressDelta{Points: d.Points + o.Points, HintsUsed: d.HintsUsed + o.HintsUsed, Activity: d.Activity}
	if o.Activity != nil && (out.Activity == nil || o.Activity.After(*out.Activity)) {
		t := *o.Activity
		out.Activity = &t
	}
	return out
}

// ApplyTo returns p advanced by the delta. Activity updates LastActivityAt and the day
// streak: same calendar day (UTC) keeps it, the next day extends it, a longer gap restarts
// it at 1. Activity older than LastActivityAt changes neither.
func (d ProgressDelta) ApplyTo(p StudentProgress) StudentProgress {
	p.Points += d.Points
	if p.Points < 0 {
		p.Points = 0
	}
	p.HintsUsed += d.HintsUsed
	if p.HintsUsed < 0 {
		p.HintsUsed = 0
	}
	if d.Activity == nil {
		return p
	}
	at := d.Activity.UTC()
	if p.LastActivityAt == nil {
		p.LastActivityAt = &at
		p.Streak = 1
		return p
	}
	gap := DayNumber(at) - DayNumber(*p.LastActivityAt)
	switch {
	case gap < 0:
		return p
	case gap == 0:
		if p.Streak == 0 {
			p.Streak = 1
		}
	case gap == 1:
		p.Streak++
	default:
		p.Streak = 1
	}
	if at.After(*p.LastActivityAt) {
		p.LastActivityAt = &at
	}
	return p
}

// DayNumber returns the number of whole UTC calendar days since the Unix epoch.
func DayNumber(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}
