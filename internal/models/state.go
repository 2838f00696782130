// Package models defines state management structures for MENTIS tutoring conversations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ConversationPhase is a state of the guided tutoring dialogue.
type ConversationPhase string

const (
	PhaseIdle                 ConversationPhase = "idle"
	PhaseDefiningContext      ConversationPhase = "defining_context"
	PhaseSolving              ConversationPhase = "solving"
	PhaseEvaluating           ConversationPhase = "evaluating"
	PhaseWaitingForCorrection ConversationPhase = "waiting_for_correction"
	PhaseGivingHint           ConversationPhase = "giving_hint"
	PhaseCompleted            ConversationPhase = "completed"
)

// AllPhases lists every phase in dialogue order.
var AllPhases = []ConversationPhase{
	PhaseIdle,
	PhaseDefiningContext,
	PhaseSolving,
	PhaseEvaluating,
	PhaseWaitingForCorrection,
	PhaseGivingHint,
	PhaseCompleted,
}

// IsValidPhase reports whether p is a known phase.
func IsValidPhase(p ConversationPhase) bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePhase converts a bare identifier into a phase.
func ParsePhase(s string) (ConversationPhase, error) {
	p := ConversationPhase(strings.TrimSpace(s))
	if !IsValidPhase(p) {
		return "", fmt.Errorf("unknown conversation phase %q", s)
	}
	return p, nil
}

// HintAllowed reports whether the UI should offer a hint in phase p.
// The orchestrator still processes a hint requested outside these phases.
func HintAllowed(p ConversationPhase) bool {
	switch p {
	case PhaseSolving, PhaseEvaluating, PhaseWaitingForCorrection:
		return true
	default:
		return false
	}
}

// ConversationContext is the pedagogical context accumulated during a conversation.
// Subject always comes from the student's selection in the UI.
type ConversationContext struct {
	Subject             string `json:"subject,omitempty"`
	Topic               string `json:"topic,omitempty"`
	IsExercise          *bool  `json:"isExercise,omitempty"`
	ExerciseDescription string `json:"exerciseDescription,omitempty"`
}

// ContextUpdate is a partial context decoded from the tutor. A nil field is left
// untouched by Merge; a field sent as "" clears the stored value.
type ContextUpdate struct {
	Subject             *string `json:"subject,omitempty"`
	Topic               *string `json:"topic,omitempty"`
	IsExercise          *bool   `json:"isExercise,omitempty"`
	ExerciseDescription *string `json:"exerciseDescription,omitempty"`
}

// IsEmpty reports whether the update sets no field.
func (u ContextUpdate) IsEmpty() bool {
	return u.Subject == nil && u.Topic == nil && u.IsExercise == nil && u.ExerciseDescription == nil
}

// WithoutSubject returns u with the subject dropped.
func (u ContextUpdate) WithoutSubject() ContextUpdate {
	u.Subject = nil
	return u
}

// Merge returns c with the fields present in update applied on top. Absent fields keep
// their current value.
func (c ConversationContext) Merge(update ContextUpdate) ConversationContext {
	merged := c
	if update.Subject != nil {
		merged.Subject = *update.Subject
	}
	if update.Topic != nil {
		merged.Topic = *update.Topic
	}
	if update.IsExercise != nil {
		v := *update.IsExercise
		merged.IsExercise = &v
	}
	if update.ExerciseDescription != nil {
		merged.ExerciseDescription = *update.ExerciseDescription
	}
	return merged
}

// IsEmpty reports whether no field is set.
func (c ConversationContext) IsEmpty() bool {
	return c.Subject == "" && c.Topic == "" && c.IsExercise == nil && c.ExerciseDescription == ""
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind distinguishes special assistant messages in the log.
type MessageKind string

const (
	MessageKindNormal MessageKind = ""
	// MessageKindHint marks the reply to a hint request.
	MessageKindHint MessageKind = "hint"
	// MessageKindFallback marks the fixed reply shown when the tutor could not answer.
	// Fallback messages are not sent back to the model.
	MessageKindFallback MessageKind = "fallback"
	// MessageKindGreeting marks the opening message of a conversation.
	MessageKindGreeting MessageKind = "greeting"
)

// Message is one entry of a conversation's append-only log.
type Message struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ConversationState is the persisted state of one tutoring conversation.
// Seq is the turn-sequence token: it grows by one on every committed turn and
// guards saves against stale turns.
type ConversationState struct {
	ConversationID string              `json:"conversationId"`
	StudentID      string              `json:"studentId"`
	Phase          ConversationPhase   `json:"phase"`
	Context        ConversationContext `json:"context"`
	Seq            int64               `json:"seq"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// NewConversationState returns the initial idle state for a conversation.
func NewConversationState(conversationID, studentID, subject string, now time.Time) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		StudentID:      studentID,
		Phase:          PhaseIdle,
		Context:        ConversationContext{Subject: subject},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
