package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mentis-edu/mentis/internal/analytics"
	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/store"
)

// overviewHandler handles GET /organizations/{orgId}/overview
func (s *Server) overviewHandler(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgId")
	q := r.URL.Query()
	days := analytics.ParseDays(q.Get("days"))
	activeOnly := q.Get("activeOnly") == "true"

	ov, err := s.analytics.Overview(r.Context(), orgID, days, activeOnly)
	if err != nil {
		slog.Error("Server.overviewHandler: overview failed", "error", err, "organization_id", orgID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute overview"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ov))
}

// maxDetailSummaries caps the summaries returned with a student's detail.
const maxDetailSummaries = 30

// studentDetailHandler handles GET /organizations/{orgId}/students/{id}
func (s *Server) studentDetailHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, studentID := r.PathValue("orgId"), r.PathValue("id")

	student, err := s.st.GetStudent(ctx, studentID)
	if err != nil {
		slog.Error("Server.studentDetailHandler: student lookup failed", "error", err, "student_id", studentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load student"))
		return
	}
	if student == nil || student.OrganizationID != orgID {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Student not found"))
		return
	}

	detail := models.StudentDetail{
		Student:   *student,
		Progress:  models.StudentProgress{StudentID: studentID},
		Summaries: []models.LearningSummary{},
	}
	// Progress and summaries are best effort; the roster entry alone is still useful.
	if p, err := s.progress.Get(ctx, studentID); err != nil {
		slog.Warn("Server.studentDetailHandler: progress unavailable", "error", err, "student_id", studentID)
	} else {
		detail.Progress = p
	}
	sums, err := s.st.ListStudentSummaries(ctx, studentID, time.Time{})
	if err != nil {
		slog.Warn("Server.studentDetailHandler: summaries unavailable", "error", err, "student_id", studentID)
	} else if len(sums) > 0 {
		if len(sums) > maxDetailSummaries {
			sums = sums[:maxDetailSummaries]
		}
		detail.Summaries = sums
	}
	writeJSONResponse(w, http.StatusOK, models.Success(detail))
}

// studentMetricsHandler handles GET /organizations/{orgId}/students/{id}/metrics
func (s *Server) studentMetricsHandler(w http.ResponseWriter, r *http.Request) {
	orgID, studentID := r.PathValue("orgId"), r.PathValue("id")
	m, err := s.analytics.StudentMetrics(r.Context(), orgID, studentID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Student not found"))
		return
	}
	if err != nil {
		slog.Error("Server.studentMetricsHandler: metrics failed", "error", err, "organization_id", orgID, "student_id", studentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute student metrics"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

// guidelinesHandler handles PATCH /organizations/{orgId}/students/{id}/guidelines
func (s *Server) guidelinesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, studentID := r.PathValue("orgId"), r.PathValue("id")

	student, err := s.st.GetStudent(ctx, studentID)
	if err != nil {
		slog.Error("Server.guidelinesHandler: student lookup failed", "error", err, "student_id", studentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load student"))
		return
	}
	if student == nil || student.OrganizationID != orgID {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Student not found"))
		return
	}

	var req models.GuidelinesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.guidelinesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	current, err := s.st.GetGuidelines(ctx, studentID)
	if err != nil {
		slog.Error("Server.guidelinesHandler: guidelines lookup failed", "error", err, "student_id", studentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load guidelines"))
		return
	}
	g := models.TeacherGuidelines{StudentID: studentID}
	if current != nil {
		g = *current
	}
	g = req.Apply(g)
	g.UpdatedAt = s.now()
	if err := s.st.SaveGuidelines(ctx, g); err != nil {
		slog.Error("Server.guidelinesHandler: save failed", "error", err, "student_id", studentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save guidelines"))
		return
	}
	slog.Info("Server.guidelinesHandler: guidelines updated", "student_id", studentID, "teacher_prompt_len", len(g.TeacherPrompt))
	writeJSONResponse(w, http.StatusOK, models.Success(g))
}
