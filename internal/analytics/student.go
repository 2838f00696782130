package analytics

import (
	"time"

	"github.com/samber/lo"

	"github.com/mentis-edu/mentis/internal/models"
)

// StudentMetricsDays is the window of the per-student detail panel.
const StudentMetricsDays = 14

// StudentSnapshot is the activity data of one student. Summaries and ErrorEvents
// should reach back two windows so trends can be computed.
type StudentSnapshot struct {
	Student              models.Student
	Progress             *models.StudentProgress
	Summaries            []models.LearningSummary
	ErrorEvents          []models.LearningEvent
	ErrorEventsAvailable bool
}

// StudentMetrics is the organizer's detail panel for one student. ActivityTrend is the
// number of sessions in the previous 7 days minus the last 7 days, so a positive value
// means the student was more active before.
type StudentMetrics struct {
	StudentID       string     `json:"studentId"`
	Name            string     `json:"name"`
	Sessions        int        `json:"sesiones_14d"`
	HintsTotal      int        `json:"hints_total"`
	HintsPerSession float64    `json:"hints_por_sesion"`
	LastChatAt      *time.Time `json:"last_chat_at"`
	Streak          int        `json:"streak"`
	Points          int        `json:"pr_points"`
	FrequentErrors  ErrorTags  `json:"errores_frecuentes"`
	ActivityTrend   int        `json:"tendencia_actividad"`
	SummariesLast7d int        `json:"resumenes_ultimos_7d"`
	SummariesPrev7d int        `json:"resumenes_7d_previos"`
	Segment         Segment    `json:"segment"`
	Flags           []Flag     `json:"flags"`
}

// BuildStudentMetrics computes the detail panel at now.
func BuildStudentMetrics(snap StudentSnapshot, now time.Time, th Thresholds) StudentMetrics {
	var p models.StudentProgress
	if snap.Progress != nil {
		p = *snap.Progress
	}
	w := NewWindow(StudentMetricsDays, now)
	week := now.AddDate(0, 0, -7)

	sessions := lo.CountBy(snap.Summaries, func(s models.LearningSummary) bool { return w.Contains(s.CreatedAt) })
	prevSessions := lo.CountBy(snap.Summaries, func(s models.LearningSummary) bool { return w.InPrevious(s.CreatedAt) })
	last7 := lo.CountBy(snap.Summaries, func(s models.LearningSummary) bool { return !s.CreatedAt.Before(week) })
	prev7 := sessions - last7

	ev := Evaluate(Engagement{
		Points:           p.Points,
		Streak:           p.Streak,
		HintsUsed:        p.HintsUsed,
		LastActivityAt:   p.LastActivityAt,
		SessionCount:     sessions,
		PrevSessionCount: prevSessions,
	}, now, th)

	m := StudentMetrics{
		StudentID:       snap.Student.ID,
		Name:            snap.Student.Name,
		Sessions:        sessions,
		HintsTotal:      p.HintsUsed,
		LastChatAt:      p.LastActivityAt,
		Streak:          p.Streak,
		Points:          p.Points,
		ActivityTrend:   prev7 - last7,
		SummariesLast7d: last7,
		SummariesPrev7d: prev7,
		Segment:         ev.Segment,
		Flags:           ev.Flags,
	}
	if sessions > 0 {
		m.HintsPerSession = round1(float64(p.HintsUsed) / float64(sessions))
	}
	if snap.ErrorEventsAvailable {
		m.FrequentErrors = TopErrorTags(snap.ErrorEvents, w)
	}
	return m
}
