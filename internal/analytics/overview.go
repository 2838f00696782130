package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/mentis-edu/mentis/internal/models"
)

const (
	maxAlerts          = 5
	maxActions         = 6
	maxErrorTags       = 6
	maxOverviewSummary = 50
)

var monthAbbrev = [12]string{"ene", "feb", "mar", "abr", "may", "jun", "jul", "ago", "sep", "oct", "nov", "dic"}

// Window is an analytics period of Days ending at Now, plus the equal-length period
// right before it used for trends.
type Window struct {
	Days      int
	Now       time.Time
	Start     time.Time
	PrevStart time.Time
}

// NewWindow clamps days and computes the period boundaries.
func NewWindow(days int, now time.Time) Window {
	days = ClampDays(days)
	start := now.AddDate(0, 0, -days)
	return Window{Days: days, Now: now, Start: start, PrevStart: start.AddDate(0, 0, -days)}
}

// Contains reports whether t falls in the current period.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start)
}

// InPrevious reports whether t falls in the period before the current one.
func (w Window) InPrevious(t time.Time) bool {
	return !t.Before(w.PrevStart) && t.Before(w.Start)
}

// Snapshot is the activity data of one organization. Students are in roster order.
// The event lists are only meaningful when the matching Available flag is set.
type Snapshot struct {
	Students             []models.Student
	Progress             []models.StudentProgress
	Summaries            []models.LearningSummary
	HintEvents           []models.LearningEvent
	HintEventsAvailable  bool
	ErrorEvents          []models.LearningEvent
	ErrorEventsAvailable bool
}

// KPIs are the organization-wide indicators.
type KPIs struct {
	TotalStudents            int      `json:"totalStudents"`
	TotalPoints              int      `json:"totalPoints"`
	SummariesCount           int      `json:"summariesCount"`
	ActiveCount              int      `json:"activeCount"`
	AvgPoints                int      `json:"avgPoints"`
	BestStreak               int      `json:"bestStreak"`
	SessionsCountWindow      int      `json:"sessionsCountWindow"`
	SummariesCountWindow     int      `json:"summariesCountWindow"`
	HintsTotalWindow         int      `json:"hintsTotalWindow"`
	HintsAvgPerSessionWindow *float64 `json:"hintsAvgPerSessionWindow"`
	HintsApproximate         bool     `json:"hintsApproximate"`
	ActiveStudentsWindow     int      `json:"activeStudentsWindow"`
	InactiveStudentsWindow   int      `json:"inactiveStudentsWindow"`
}

// StudentRow is one student of the overview list.
type StudentRow struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email,omitempty"`
	Points         int        `json:"prPoints"`
	LastActivityAt *time.Time `json:"lastChatAt"`
	Streak         int        `json:"streak"`
	HintsUsed      int        `json:"hintsUsed"`
	SessionCount   int        `json:"sessionCount"`
	HintsAvg       float64    `json:"hintsAvg"`
	Flags          []Flag     `json:"flags"`
	Segment        Segment    `json:"segment"`

	lastActivityDays int
}

// SummaryRow is a recent learning summary with the student's name.
type SummaryRow struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SeriesDay is one calendar day (UTC) of the activity series.
type SeriesDay struct {
	Date     string `json:"date"`
	Label    string `json:"label"`
	Sessions int    `json:"sessions"`
	Hints    int    `json:"hints"`
}

// Series holds the daily activity of the window, oldest day first.
type Series struct {
	SessionsPerDay []SeriesDay `json:"sessions_per_day"`
	HintsPerDay    []SeriesDay `json:"hints_per_day"`
}

// Alert lists the flags of one student.
type Alert struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Flags     []Flag `json:"flags"`
}

// Action is a suggested follow-up for an organizer.
type Action struct {
	Text      string `json:"text"`
	StudentID string `json:"studentId"`
	Link      string `json:"link"`
}

// SegmentCounts counts students per segment.
type SegmentCounts struct {
	Autonomous      int `json:"autonomo"`
	SteadyDependent int `json:"constante_dependiente"`
	Intermittent    int `json:"intermitente"`
	NoActivity      int `json:"sin_actividad"`
}

func (c *SegmentCounts) add(s Segment) {
	switch s {
	case SegmentAutonomous:
		c.Autonomous++
	case SegmentSteadyDependent:
		c.SteadyDependent++
	case SegmentIntermittent:
		c.Intermittent++
	default:
		c.NoActivity++
	}
}

// ErrorTag is the share of tagged error events carrying Tag.
type ErrorTag struct {
	Tag         string `json:"tag"`
	PctSessions int    `json:"pct_sessions"`
	Trend       int    `json:"trend"`
}

// ErrorTags encodes as the string "N/A" when there is nothing to show.
type ErrorTags []ErrorTag

// NotAvailable is the JSON value of an empty tag list.
const NotAvailable = "N/A"

// MarshalJSON implements json.Marshaler.
func (t ErrorTags) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return json.Marshal(NotAvailable)
	}
	return json.Marshal([]ErrorTag(t))
}

// Overview is the organizer dashboard payload. Unavailable names optional sources that
// could not be read.
type Overview struct {
	Days               int           `json:"days"`
	ActiveOnly         bool          `json:"activeOnly"`
	KPIs               KPIs          `json:"kpis"`
	Students           []StudentRow  `json:"students"`
	Summaries          []SummaryRow  `json:"summaries"`
	Series             Series        `json:"series"`
	TopErrorTags       ErrorTags     `json:"top_error_tags"`
	SegmentationCounts SegmentCounts `json:"segmentation_counts"`
	Alerts             []Alert       `json:"alerts"`
	RecommendedActions []Action      `json:"recommended_actions"`
	Unavailable        []string      `json:"unavailable,omitempty"`
}

// BuildOverview computes the organizer overview for the window.
func BuildOverview(snap Snapshot, w Window, activeOnly bool, th Thresholds) Overview {
	progress := lo.KeyBy(snap.Progress, func(p models.StudentProgress) string { return p.StudentID })
	names := lo.SliceToMap(snap.Students, func(s models.Student) (string, string) { return s.ID, s.Name })

	inWindow := lo.Filter(snap.Summaries, func(s models.LearningSummary, _ int) bool { return w.Contains(s.CreatedAt) })
	inPrev := lo.Filter(snap.Summaries, func(s models.LearningSummary, _ int) bool { return w.InPrevious(s.CreatedAt) })
	byStudent := func(s models.LearningSummary) string { return s.StudentID }
	sessions := lo.CountValuesBy(inWindow, byStudent)
	prevSessions := lo.CountValuesBy(inPrev, byStudent)

	rows := make([]StudentRow, 0, len(snap.Students))
	var counts SegmentCounts
	for _, st := range snap.Students {
		p := progress[st.ID]
		eng := Engagement{
			Points:           p.Points,
			Streak:           p.Streak,
			HintsUsed:        p.HintsUsed,
			LastActivityAt:   p.LastActivityAt,
			SessionCount:     sessions[st.ID],
			PrevSessionCount: prevSessions[st.ID],
		}
		ev := Evaluate(eng, w.Now, th)
		counts.add(ev.Segment)
		rows = append(rows, StudentRow{
			ID:               st.ID,
			Name:             st.Name,
			Email:            st.Email,
			Points:           p.Points,
			LastActivityAt:   p.LastActivityAt,
			Streak:           p.Streak,
			HintsUsed:        p.HintsUsed,
			SessionCount:     eng.SessionCount,
			HintsAvg:         ev.HintsAvg,
			Flags:            ev.Flags,
			Segment:          ev.Segment,
			lastActivityDays: ev.LastActivityDays,
		})
	}

	ov := Overview{
		Days:               w.Days,
		ActiveOnly:         activeOnly,
		KPIs:               buildKPIs(rows, snap, inWindow, sessions, w),
		SegmentationCounts: counts,
		Alerts:             buildAlerts(rows),
		RecommendedActions: buildActions(rows),
		Summaries:          buildSummaryRows(snap.Summaries, names),
		Students:           rows,
	}
	ov.Series = buildSeries(inWindow, snap, ov.KPIs.HintsTotalWindow, w)
	if snap.ErrorEventsAvailable {
		ov.TopErrorTags = TopErrorTags(snap.ErrorEvents, w)
	}
	if activeOnly {
		ov.Students = lo.Filter(rows, func(r StudentRow, _ int) bool { return r.Segment != SegmentNoActivity })
	}
	return ov
}

func buildKPIs(rows []StudentRow, snap Snapshot, inWindow []models.LearningSummary, sessions map[string]int, w Window) KPIs {
	k := KPIs{
		TotalStudents:        len(rows),
		TotalPoints:          lo.SumBy(rows, func(r StudentRow) int { return r.Points }),
		SummariesCount:       len(snap.Summaries),
		SessionsCountWindow:  len(inWindow),
		SummariesCountWindow: len(inWindow),
	}
	for _, r := range rows {
		if r.Streak > k.BestStreak {
			k.BestStreak = r.Streak
		}
		if r.LastActivityAt != nil {
			k.ActiveCount++
		}
		if (r.LastActivityAt != nil && w.Contains(*r.LastActivityAt)) || sessions[r.ID] > 0 {
			k.ActiveStudentsWindow++
		}
	}
	k.InactiveStudentsWindow = k.TotalStudents - k.ActiveStudentsWindow
	if k.TotalStudents > 0 {
		k.AvgPoints = int(math.Round(float64(k.TotalPoints) / float64(k.TotalStudents)))
	}

	if snap.HintEventsAvailable {
		k.HintsTotalWindow = len(windowHintEvents(snap.HintEvents, w))
		avg := 0.0
		if k.SessionsCountWindow > 0 {
			avg = round1(float64(k.HintsTotalWindow) / float64(k.SessionsCountWindow))
		}
		k.HintsAvgPerSessionWindow = &avg
		return k
	}
	// Without the event log the cumulative counters stand in for the window total.
	k.HintsApproximate = true
	k.HintsTotalWindow = lo.SumBy(rows, func(r StudentRow) int { return r.HintsUsed })
	if k.SessionsCountWindow > 0 {
		avg := round1(float64(k.HintsTotalWindow) / float64(k.SessionsCountWindow))
		k.HintsAvgPerSessionWindow = &avg
	}
	return k
}

func windowHintEvents(events []models.LearningEvent, w Window) []models.LearningEvent {
	return lo.Filter(events, func(e models.LearningEvent, _ int) bool {
		return e.Type == models.EventHintUsed && w.Contains(e.CreatedAt)
	})
}

func buildSeries(inWindow []models.LearningSummary, snap Snapshot, hintsTotal int, w Window) Series {
	days := make([]SeriesDay, w.Days)
	index := make(map[string]int, w.Days)
	today := w.Now.UTC()
	for i := 0; i < w.Days; i++ {
		d := today.AddDate(0, 0, i-(w.Days-1))
		key := d.Format("2006-01-02")
		days[i] = SeriesDay{Date: key, Label: DayLabel(d)}
		index[key] = i
	}
	for _, s := range inWindow {
		if i, ok := index[s.CreatedAt.UTC().Format("2006-01-02")]; ok {
			days[i].Sessions++
		}
	}
	if snap.HintEventsAvailable {
		for _, e := range windowHintEvents(snap.HintEvents, w) {
			if i, ok := index[e.CreatedAt.UTC().Format("2006-01-02")]; ok {
				days[i].Hints++
			}
		}
	} else {
		for i, n := range SpreadEvenly(hintsTotal, w.Days) {
			days[i].Hints = n
		}
	}
	return Series{SessionsPerDay: days, HintsPerDay: days}
}

// SpreadEvenly splits total over n buckets. The remainder goes to the last buckets.
func SpreadEvenly(total, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	base, rem := total/n, total%n
	for i := range out {
		out[i] = base
		if i >= n-rem {
			out[i]++
		}
	}
	return out
}

// DayLabel formats a date as a short Spanish day-month label such as "02 ene".
func DayLabel(d time.Time) string {
	return fmt.Sprintf("%02d %s", d.Day(), monthAbbrev[d.Month()-1])
}

func buildAlerts(rows []StudentRow) []Alert {
	alerts := []Alert{}
	for _, r := range rows {
		if len(r.Flags) == 0 {
			continue
		}
		alerts = append(alerts, Alert{StudentID: r.ID, Name: r.Name, Flags: r.Flags})
		if len(alerts) == maxAlerts {
			break
		}
	}
	return alerts
}

func buildActions(rows []StudentRow) []Action {
	actions := []Action{}
	for _, r := range rows {
		link := "/organizer/students/" + r.ID
		if lo.Contains(r.Flags, FlagHighDependency) {
			actions = append(actions, Action{
				Text:      fmt.Sprintf("Revisar a %s: dependencia alta (%s pistas/sesión)", r.Name, strconv.FormatFloat(r.HintsAvg, 'f', -1, 64)),
				StudentID: r.ID,
				Link:      link,
			})
		}
		if lo.Contains(r.Flags, FlagInactive14d) || lo.Contains(r.Flags, FlagInactive7d) {
			days := r.lastActivityDays
			if r.LastActivityAt == nil {
				days = 99
			}
			actions = append(actions, Action{
				Text:      fmt.Sprintf("Contactar a %s: 0 actividad desde hace %d días", r.Name, days),
				StudentID: r.ID,
				Link:      link,
			})
		}
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	return actions
}

func buildSummaryRows(sums []models.LearningSummary, names map[string]string) []SummaryRow {
	if len(sums) > maxOverviewSummary {
		sums = sums[:maxOverviewSummary]
	}
	return lo.Map(sums, func(s models.LearningSummary, _ int) SummaryRow {
		return SummaryRow{ID: s.ID, StudentID: s.StudentID, StudentName: names[s.StudentID], Content: s.Content, CreatedAt: s.CreatedAt}
	})
}

// TopErrorTags ranks the error tags of the current period by their share of error
// events. Trend is the change in percentage points against the previous period and is
// 0 when the previous period has no error events.
func TopErrorTags(events []models.LearningEvent, w Window) ErrorTags {
	errorsOnly := lo.Filter(events, func(e models.LearningEvent, _ int) bool { return e.Type == models.EventErrorTag })
	current := tagShares(lo.Filter(errorsOnly, func(e models.LearningEvent, _ int) bool { return w.Contains(e.CreatedAt) }))
	if len(current) == 0 {
		return nil
	}
	previous := tagShares(lo.Filter(errorsOnly, func(e models.LearningEvent, _ int) bool { return w.InPrevious(e.CreatedAt) }))

	tags := make(ErrorTags, 0, len(current))
	for tag, pct := range current {
		t := ErrorTag{Tag: tag, PctSessions: pct}
		if len(previous) > 0 {
			t.Trend = pct - previous[tag]
		}
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].PctSessions != tags[j].PctSessions {
			return tags[i].PctSessions > tags[j].PctSessions
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > maxErrorTags {
		tags = tags[:maxErrorTags]
	}
	return tags
}

// tagShares returns the rounded percentage of events carrying each tag.
func tagShares(events []models.LearningEvent) map[string]int {
	if len(events) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, e := range events {
		if tag, ok := e.Tag(); ok {
			counts[tag]++
		}
	}
	shares := make(map[string]int, len(counts))
	for tag, n := range counts {
		shares[tag] = int(math.Round(float64(n) / float64(len(events)) * 100))
	}
	return shares
}
