// Package util provides ID generation and environment parsing helpers shared across components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix followed by a random UUIDv4 in compact hex form.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewConversationID generates a conversation ID with "c_" prefix.
func NewConversationID() string { return NewID("c_") }

// NewSummaryID generates a learning summary ID with "ls_" prefix.
func NewSummaryID() string { return NewID("ls_") }

// NewEventID generates a learning event ID with "ev_" prefix.
func NewEventID() string { return NewID("ev_") }

// NewOutboxID generates an outbox message ID with "outbox_" prefix.
func NewOutboxID() string { return NewID("outbox_") }

// IsValidID reports whether id is prefix followed by 32 lowercase hex characters.
func IsValidID(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
