// Package models defines the core data structures for MENTIS.
//
// It includes the tutoring conversation types, the student progress and activity records
// consumed by the analytics engine, and the API response envelope shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for a student message
	MaxMessageLength = 4096
	// MaxSubjectLength defines the maximum allowed length for a subject name
	MaxSubjectLength = 200
	// MaxTeacherPromptLength defines the maximum stored length of a teacher mini-prompt
	MaxTeacherPromptLength = 1000
)

// Error variables for better error handling and testability
var (
	ErrEmptyStudentID      = errors.New("studentId is required")
	ErrEmptyMessage        = errors.New("message cannot be empty")
	ErrMessageTooLong      = errors.New("message exceeds maximum length")
	ErrSubjectTooLong      = errors.New("subject exceeds maximum length")
	ErrNegativeProgress    = errors.New("progress values cannot be negative")
	ErrEmptyProgressUpdate = errors.New("progress update has no fields")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithResult creates an error API response that still carries result data,
// used when the caller must show something to the student despite the failure.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Student is a read-only roster entry owned by the registration application.
type Student struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
}

// TeacherGuidelines holds the organizer's per-student instructions.
// PrivateNotes are for organizers only and never reach the tutor.
type TeacherGuidelines struct {
	StudentID     string    `json:"studentId"`
	TeacherPrompt string    `json:"teacherPrompt,omitempty"`
	PrivateNotes  string    `json:"privateNotes,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NormalizeTeacherPrompt trims the prompt and truncates it to MaxTeacherPromptLength runes.
func NormalizeTeacherPrompt(p string) string {
	p = strings.TrimSpace(p)
	r := []rune(p)
	if len(r) > MaxTeacherPromptLength {
		p = strings.TrimSpace(string(r[:MaxTeacherPromptLength]))
	}
	return p
}
