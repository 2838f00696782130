package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mentis-edu/mentis/internal/analytics"
	"github.com/mentis-edu/mentis/internal/flow"
	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/progress"
	"github.com/mentis-edu/mentis/internal/store"
	"github.com/mentis-edu/mentis/internal/testutil"
)

type testEnv struct {
	srv       *Server
	handler   http.Handler
	st        *store.InMemoryStore
	completer *testutil.ScriptedCompleter
}

func newTestEnv(t *testing.T, replies ...string) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	completer := testutil.NewScriptedCompleter(replies...)
	cache := progress.NewCache(st, progress.WithFlushDelay(time.Hour))
	t.Cleanup(func() { cache.Close(context.Background()) })

	orch := flow.NewOrchestrator(st, completer, flow.WithProgressRecorder(cache))
	srv := NewServer(st, orch, flow.NewSummarizer(st, completer), cache, analytics.NewService(st), WithMetrics(true))
	testutil.SeedStudents(t, st,
		models.Student{ID: "s1", OrganizationID: "org1", Name: "Ana"},
		models.Student{ID: "s2", OrganizationID: "org1", Name: "Bea"},
		models.Student{ID: "x1", OrganizationID: "org2", Name: "Xavi"},
	)
	return &testEnv{srv: srv, handler: srv.Handler(), st: st, completer: completer}
}

func (e *testEnv) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func (e *testEnv) start(t *testing.T, studentID, subject string) flow.StartResult {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/conversations", models.StartConversationRequest{StudentID: studentID, Subject: subject})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation")
	var res flow.StartResult
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &res)
	return res
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, nil)

	rr = env.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "mentis_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}

func TestMetricsDisabled(t *testing.T) {
	st := store.NewInMemoryStore()
	srv := NewServer(st, nil, nil, nil, nil, WithMetrics(false))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "metrics disabled")
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, "¿Qué tema de fracciones quieres practicar?", "¡Bien hecho! <!-- MENTIS_ADD_POINTS=5 --> <!-- MENTIS_PHASE=evaluating -->")

	started := env.start(t, "s1", "Matemáticas")
	if started.ConversationID == "" || started.Phase != models.PhaseIdle || !strings.Contains(started.Greeting, "Matemáticas") {
		t.Fatalf("unexpected start result %+v", started)
	}
	base := "/conversations/" + started.ConversationID

	rr := env.do(t, http.MethodPost, base+"/messages", models.TurnRequest{StudentID: "s1", Subject: "Matemáticas", Message: "Quiero practicar fracciones"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first turn")
	var turn flow.TurnResult
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &turn)
	if turn.Phase != models.PhaseDefiningContext || turn.Fallback || turn.PointsAwarded != 0 {
		t.Errorf("unexpected first turn %+v", turn)
	}

	rr = env.do(t, http.MethodPost, base+"/messages", models.TurnRequest{StudentID: "s1", Message: "1/2 + 1/4 = 3/4"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "second turn")
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &turn)
	if turn.Reply != "¡Bien hecho!" || turn.Phase != models.PhaseEvaluating || turn.PointsAwarded != 5 {
		t.Errorf("unexpected second turn %+v", turn)
	}

	rr = env.do(t, http.MethodGet, base, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")
	var conv flow.Conversation
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &conv)
	if len(conv.Messages) != 5 || conv.State.Seq != 3 || conv.State.Context.Subject != "Matemáticas" {
		t.Errorf("unexpected conversation: %d messages, state %+v", len(conv.Messages), conv.State)
	}

	rr = env.do(t, http.MethodGet, "/students/s1/progress", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "progress")
	var p models.StudentProgress
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &p)
	if p.Points != 5 || p.Streak != 1 || p.LastActivityAt == nil {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestTurnFallbackOnModelFailure(t *testing.T) {
	env := newTestEnv(t)
	env.completer.Err = errors.New("provider timeout")
	started := env.start(t, "s1", "")

	rr := env.do(t, http.MethodPost, "/conversations/"+started.ConversationID+"/messages", models.TurnRequest{StudentID: "s1", Message: "hola"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "fallback turn")
	var turn flow.TurnResult
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &turn)
	if !turn.Fallback || turn.Reply != flow.FallbackReply || turn.Phase != models.PhaseIdle {
		t.Errorf("unexpected fallback turn %+v", turn)
	}
	if strings.Contains(rr.Body.String(), "provider timeout") {
		t.Error("provider errors must not reach the client")
	}
}

func TestTurnValidation(t *testing.T) {
	env := newTestEnv(t, "ok")
	started := env.start(t, "s1", "")
	url := "/conversations/" + started.ConversationID + "/messages"

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"empty message", models.TurnRequest{StudentID: "s1", Message: "   "}, http.StatusBadRequest},
		{"missing student", models.TurnRequest{Message: "hola"}, http.StatusBadRequest},
		{"other student", models.TurnRequest{StudentID: "s2", Message: "hola"}, http.StatusForbidden},
		{"too long", models.TurnRequest{StudentID: "s1", Message: strings.Repeat("a", models.MaxMessageLength+1)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, url, tt.body)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			testutil.DecodeEnvelope(t, rr, models.APIStatusError, nil)
		})
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, url, strings.NewReader("{not json")))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid JSON")

	rr = env.do(t, http.MethodGet, "/conversations/unknown", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown conversation")

	rr = env.do(t, http.MethodDelete, "/conversations/"+started.ConversationID, nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "method not allowed")
}

func TestHintCountsTowardProgress(t *testing.T) {
	env := newTestEnv(t, "Piensa en un denominador común.")
	started := env.start(t, "s1", "Matemáticas")

	rr := env.do(t, http.MethodPost, "/conversations/"+started.ConversationID+"/hint", models.HintRequest{StudentID: "s1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "hint")
	var turn flow.TurnResult
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &turn)
	if turn.Reply != "Piensa en un denominador común." || turn.Fallback {
		t.Errorf("unexpected hint %+v", turn)
	}

	rr = env.do(t, http.MethodGet, "/students/s1/progress", nil)
	var p models.StudentProgress
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &p)
	if p.HintsUsed != 1 {
		t.Errorf("expected one hint used, got %+v", p)
	}
}

func TestWriteTurnResultStale(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	stale := flow.TurnResult{ConversationID: "c1", Reply: flow.FallbackReply, Phase: models.PhaseSolving, Fallback: true}
	env.srv.writeTurnResult(rr, "test", "c1", stale, flow.ErrStaleTurn)

	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "stale turn")
	var turn flow.TurnResult
	testutil.DecodeEnvelope(t, rr, models.APIStatusError, &turn)
	if turn.Reply != flow.FallbackReply || !turn.Fallback {
		t.Errorf("stale response should carry the fallback reply, got %+v", turn)
	}

	rr = httptest.NewRecorder()
	env.srv.writeTurnResult(rr, "test", "c1", flow.TurnResult{}, errors.New("redis: connection refused"))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "internal error")
	testutil.DecodeEnvelope(t, rr, models.APIStatusError, &turn)
	if turn.Reply != flow.FallbackReply || strings.Contains(rr.Body.String(), "redis") {
		t.Errorf("internal errors should show only the fallback, got %s", rr.Body.String())
	}
}

func TestProgressUpsert(t *testing.T) {
	env := newTestEnv(t)
	points, streak := 20, 3

	rr := env.do(t, http.MethodPost, "/students/s1/progress", models.ProgressUpdate{Points: &points, Streak: &streak})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "upsert")
	var p models.StudentProgress
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &p)
	if p.Points != 20 || p.Streak != 3 || p.HintsUsed != 0 || p.LastActivityAt != nil {
		t.Errorf("unexpected progress %+v", p)
	}

	rr = env.do(t, http.MethodPost, "/students/s1/progress", map[string]int{})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty update")

	negative := -1
	rr = env.do(t, http.MethodPost, "/students/s1/progress", models.ProgressUpdate{Points: &negative})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "negative update")

	rr = env.do(t, http.MethodGet, "/students/nobody/progress", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unknown student progress")
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &p)
	if p.Points != 0 || p.StudentID != "nobody" {
		t.Errorf("expected zero progress, got %+v", p)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	env := newTestEnv(t, "Vale, empecemos.", "Repasaste fracciones.\n- Busca el denominador común")
	started := env.start(t, "s1", "Matemáticas")
	base := "/conversations/" + started.ConversationID

	rr := env.do(t, http.MethodPost, base+"/summary", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "summary of greeting-only conversation")

	env.do(t, http.MethodPost, base+"/messages", models.TurnRequest{StudentID: "s1", Message: "fracciones"})
	rr = env.do(t, http.MethodPost, base+"/summary", nil)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "summary")
	var sum models.LearningSummary
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &sum)
	if sum.StudentID != "s1" || sum.OrganizationID != "org1" || sum.SourceID != started.ConversationID {
		t.Errorf("unexpected summary %+v", sum)
	}

	env.completer.Err = errors.New("down")
	rr = env.do(t, http.MethodPost, base+"/summary", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "summary model failure")
}

func TestOverviewEndpoint(t *testing.T) {
	env := newTestEnv(t)
	points := 12
	env.do(t, http.MethodPost, "/students/s1/progress", models.ProgressUpdate{Points: &points})

	rr := env.do(t, http.MethodGet, "/organizations/org1/overview?days=3&activeOnly=true", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "overview")
	var ov struct {
		Days       int  `json:"days"`
		ActiveOnly bool `json:"activeOnly"`
		KPIs       struct {
			TotalStudents int `json:"totalStudents"`
			TotalPoints   int `json:"totalPoints"`
		} `json:"kpis"`
		Students     []json.RawMessage `json:"students"`
		TopErrorTags json.RawMessage   `json:"top_error_tags"`
		Series       struct {
			SessionsPerDay []json.RawMessage `json:"sessions_per_day"`
		} `json:"series"`
	}
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &ov)
	if ov.Days != analytics.MinDays || !ov.ActiveOnly || len(ov.Series.SessionsPerDay) != analytics.MinDays {
		t.Errorf("days not clamped: %+v", ov)
	}
	if ov.KPIs.TotalStudents != 2 || ov.KPIs.TotalPoints != 12 {
		t.Errorf("unexpected KPIs %+v", ov.KPIs)
	}
	if len(ov.Students) != 0 {
		t.Errorf("activeOnly should hide students without activity, got %d", len(ov.Students))
	}
	if string(ov.TopErrorTags) != `"N/A"` {
		t.Errorf("expected N/A error tags, got %s", ov.TopErrorTags)
	}
}

func TestStudentMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/organizations/org1/students/s1/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	var m struct {
		Sessions int    `json:"sesiones_14d"`
		Segment  string `json:"segment"`
	}
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &m)
	if m.Sessions != 0 || m.Segment != string(analytics.SegmentNoActivity) {
		t.Errorf("unexpected metrics %+v", m)
	}

	rr = env.do(t, http.MethodGet, "/organizations/org1/students/x1/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "student of another organization")
	rr = env.do(t, http.MethodGet, "/organizations/org1/students/missing/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown student")
}

func TestStudentDetailEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 32; i++ {
		sum := models.LearningSummary{ID: fmt.Sprintf("sum%02d", i), StudentID: "s1", Content: "resumen", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := env.st.AddLearningSummary(ctx, sum); err != nil {
			t.Fatalf("AddLearningSummary failed: %v", err)
		}
	}
	points := 12
	if _, err := env.st.UpsertProgress(ctx, "s1", models.ProgressUpdate{Points: &points}); err != nil {
		t.Fatalf("UpsertProgress failed: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/organizations/org1/students/s1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "student detail")
	var detail models.StudentDetail
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &detail)
	if detail.Student.ID != "s1" || detail.Student.Name != "Ana" {
		t.Errorf("unexpected student %+v", detail.Student)
	}
	if detail.Progress.Points != 12 {
		t.Errorf("expected 12 points, got %d", detail.Progress.Points)
	}
	if len(detail.Summaries) != 30 || detail.Summaries[0].ID != "sum31" {
		t.Errorf("expected the 30 newest summaries, got %d starting at %+v", len(detail.Summaries), detail.Summaries[0])
	}

	rr = env.do(t, http.MethodGet, "/organizations/org1/students/s2", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "student without activity")
	detail = models.StudentDetail{}
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &detail)
	if detail.Progress.Points != 0 || detail.Progress.LastActivityAt != nil || detail.Summaries == nil || len(detail.Summaries) != 0 {
		t.Errorf("expected zero defaults, got %+v", detail)
	}

	rr = env.do(t, http.MethodGet, "/organizations/org1/students/x1", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "student of another organization")
	rr = env.do(t, http.MethodGet, "/organizations/org1/students/missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown student")
}

func TestGuidelinesReachTheTutor(t *testing.T) {
	env := newTestEnv(t, "Vamos paso a paso.")
	prompt := "  Refuerza las tablas de multiplicar.  "
	notes := "Tiene examen el viernes"

	rr := env.do(t, http.MethodPatch, "/organizations/org1/students/s1/guidelines", models.GuidelinesRequest{TeacherPrompt: &prompt, PrivateNotes: &notes})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "guidelines")
	var g models.TeacherGuidelines
	testutil.DecodeEnvelope(t, rr, models.APIStatusOK, &g)
	if g.TeacherPrompt != "Refuerza las tablas de multiplicar." || g.PrivateNotes != notes || g.UpdatedAt.IsZero() {
		t.Errorf("unexpected guidelines %+v", g)
	}

	rr = env.do(t, http.MethodPatch, "/organizations/org2/students/s1/guidelines", models.GuidelinesRequest{TeacherPrompt: &prompt})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "guidelines of another organization")

	started := env.start(t, "s1", "")
	env.do(t, http.MethodPost, "/conversations/"+started.ConversationID+"/messages", models.TurnRequest{StudentID: "s1", Message: "hola"})
	if len(env.completer.Systems) != 1 {
		t.Fatalf("expected one model call, got %d", len(env.completer.Systems))
	}
	system := env.completer.Systems[0]
	if !strings.Contains(system, "Refuerza las tablas de multiplicar.") {
		t.Error("teacher prompt missing from system prompt")
	}
	if strings.Contains(system, notes) {
		t.Error("private notes must never reach the tutor")
	}
}
