package models

import (
	"strings"
	"unicode/utf8"
)

// StartConversationRequest is the payload for opening a tutoring conversation.
type StartConversationRequest struct {
	StudentID string `json:"studentId"`
	Subject   string `json:"subject"`
}

// Validate validates a StartConversationRequest.
func (r *StartConversationRequest) Validate() error {
	if strings.TrimSpace(r.StudentID) == "" {
		return ErrEmptyStudentID
	}
	if utf8.RuneCountInString(r.Subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	return nil
}

// TurnRequest is the payload for a student turn.
type TurnRequest struct {
	StudentID string `json:"studentId"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

// Validate validates a TurnRequest.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.StudentID) == "" {
		return ErrEmptyStudentID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if utf8.RuneCountInString(r.Subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	return nil
}

// HintRequest is the payload for a hint request.
type HintRequest struct {
	StudentID string `json:"studentId"`
	Subject   string `json:"subject"`
}

// Validate validates a HintRequest.
func (r *HintRequest) Validate() error {
	if strings.TrimSpace(r.StudentID) == "" {
		return ErrEmptyStudentID
	}
	if utf8.RuneCountInString(r.Subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	return nil
}

// GuidelinesRequest is the payload for updating teacher guidelines.
// A nil field is left unchanged; an empty string clears it.
type GuidelinesRequest struct {
	TeacherPrompt *string `json:"teacherPrompt"`
	PrivateNotes  *string `json:"privateNotes"`
}

// Apply returns g with the request applied.
func (r GuidelinesRequest) Apply(g TeacherGuidelines) TeacherGuidelines {
	if r.TeacherPrompt != nil {
		g.TeacherPrompt = NormalizeTeacherPrompt(*r.TeacherPrompt)
	}
	if r.PrivateNotes != nil {
		g.PrivateNotes = strings.TrimSpace(*r.PrivateNotes)
	}
	return g
}
