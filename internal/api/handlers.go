package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mentis-edu/mentis/internal/flow"
	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/store"
)

// startConversationHandler handles POST /conversations
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.startConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	res, err := s.orch.Start(r.Context(), req.StudentID, req.Subject)
	if err != nil {
		slog.Error("Server.startConversationHandler: start failed", "error", err, "student_id", req.StudentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create conversation"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(res))
}

// getConversationHandler handles GET /conversations/{id}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.orch.Conversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getConversationHandler: load failed", "error", err, "conversation_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// turnHandler handles POST /conversations/{id}/messages
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	res, err := s.orch.Turn(r.Context(), flow.TurnInput{
		ConversationID: id,
		StudentID:      req.StudentID,
		Subject:        req.Subject,
		Message:        req.Message,
	})
	s.writeTurnResult(w, "Server.turnHandler", id, res, err)
}

// hintHandler handles POST /conversations/{id}/hint
func (s *Server) hintHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.HintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.hintHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	res, err := s.orch.Hint(r.Context(), flow.TurnInput{
		ConversationID: id,
		StudentID:      req.StudentID,
		Subject:        req.Subject,
	})
	s.writeTurnResult(w, "Server.hintHandler", id, res, err)
}

// writeTurnResult maps a turn outcome to a response. The student always gets either
// the tutor reply or the fallback sentence.
func (s *Server) writeTurnResult(w http.ResponseWriter, op, conversationID string, res flow.TurnResult, err error) {
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(res))
	case errors.Is(err, flow.ErrStaleTurn):
		writeJSONResponse(w, http.StatusConflict, models.ErrorWithResult("Conversation advanced by a newer turn", res))
	case errors.Is(err, flow.ErrStudentMismatch):
		writeJSONResponse(w, http.StatusForbidden, models.Error("Conversation belongs to another student"))
	case errors.Is(err, flow.ErrEmptyMessage):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyMessage.Error()))
	default:
		slog.Error(op+": turn failed", "error", err, "conversation_id", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithResult("Failed to process turn", flow.TurnResult{
			ConversationID: conversationID,
			Reply:          flow.FallbackReply,
			Fallback:       true,
		}))
	}
}

// summaryHandler handles POST /conversations/{id}/summary
func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, err := s.summarizer.Summarize(r.Context(), id)
	if errors.Is(err, flow.ErrEmptyConversation) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Conversation has no messages to summarize"))
		return
	}
	if err != nil {
		slog.Error("Server.summaryHandler: summary failed", "error", err, "conversation_id", id)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to generate summary"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(sum))
}

// getProgressHandler handles GET /students/{id}/progress
func (s *Server) getProgressHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.progress.Get(r.Context(), id)
	if err != nil {
		slog.Error("Server.getProgressHandler: load failed", "error", err, "student_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load progress"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// upsertProgressHandler handles POST /students/{id}/progress
func (s *Server) upsertProgressHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var update models.ProgressUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		slog.Warn("Server.upsertProgressHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := update.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	p, err := s.progress.Upsert(r.Context(), id, update)
	if err != nil {
		slog.Error("Server.upsertProgressHandler: upsert failed", "error", err, "student_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save progress"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "mentis"}))
}
