package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/util"
)

// ErrEmptyConversation is returned when there is nothing to summarize.
var ErrEmptyConversation = errors.New("conversation has no messages to summarize")

const summarySystemPrompt = `Eres un asistente que resume sesiones de estudio. A partir de la conversación entre el estudiante y el tutor Mentis, escribe un MINI RESUMEN en español con:
1. En 2-3 frases: qué se ha trabajado y qué ha aprendido o practicado el estudiante.
2. Una lista corta de 3-5 tips o ideas clave que queden como recordatorio (bullets).
Sé conciso y claro. No inventes contenido que no esté en la conversación.`

// SummaryStore is the persistence the Summarizer needs.
type SummaryStore interface {
	GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	GetStudent(ctx context.Context, studentID string) (*models.Student, error)
	AddLearningSummary(ctx context.Context, s models.LearningSummary) error
}

// Summarizer turns a finished conversation into a learning summary.
type Summarizer struct {
	store     SummaryStore
	completer Completer
	now       func() time.Time
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(st SummaryStore, completer Completer) *Summarizer {
	return &Summarizer{store: st, completer: completer, now: time.Now}
}

// Summarize asks the model for a recap of the conversation and stores it. A storage
// failure is logged and the summary is still returned.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string) (models.LearningSummary, error) {
	state, err := s.store.GetConversationState(ctx, conversationID)
	if err != nil {
		return models.LearningSummary{}, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return models.LearningSummary{}, fmt.Errorf("failed to load messages: %w", err)
	}
	transcript := renderTranscript(msgs)
	if state == nil || transcript == "" {
		return models.LearningSummary{}, ErrEmptyConversation
	}

	prompt := models.Message{
		Role:    models.RoleUser,
		Content: "Conversación:\n\n" + transcript + "\n\n---\nGenera el mini resumen y los tips.",
	}
	content, err := s.completer.Complete(ctx, summarySystemPrompt, []models.Message{prompt})
	if err != nil {
		slog.Error("Summarizer.Summarize: model call failed", "error", err, "conversation_id", conversationID)
		return models.LearningSummary{}, fmt.Errorf("failed to generate summary: %w", err)
	}

	summary := models.LearningSummary{
		ID:         util.NewSummaryID(),
		StudentID:  state.StudentID,
		Content:    strings.TrimSpace(content),
		SourceType: "chat",
		SourceID:   conversationID,
		CreatedAt:  s.now().UTC(),
	}
	if st, err := s.store.GetStudent(ctx, state.StudentID); err == nil && st != nil {
		summary.OrganizationID = st.OrganizationID
	}
	if err := s.store.AddLearningSummary(ctx, summary); err != nil {
		slog.Error("Summarizer.Summarize: failed to store summary", "error", err, "conversation_id", conversationID)
	}
	slog.Info("Summarizer.Summarize: summary created", "conversation_id", conversationID, "student_id", state.StudentID, "length", len(summary.Content))
	return summary, nil
}

// renderTranscript writes the dialogue as "Estudiante:" and "Mentis:" paragraphs.
// Greetings and fallback replies carry no learning content and are skipped.
func renderTranscript(msgs []models.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Kind == models.MessageKindFallback || m.Kind == models.MessageKindGreeting {
			continue
		}
		speaker := "Mentis"
		if m.Role == models.RoleUser {
			speaker = "Estudiante"
		}
		parts = append(parts, speaker+": "+m.Content)
	}
	return strings.Join(parts, "\n\n")
}
