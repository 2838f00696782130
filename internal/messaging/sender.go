// Package messaging delivers outbound organizer notifications over WhatsApp, either
// through the Twilio API or a linked whatsmeow device, or to the log for development.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
)

// MinPhoneDigits is the shortest phone number accepted as a recipient.
const MinPhoneDigits = 6

// ErrInvalidRecipient is returned for recipients that are not usable phone numbers.
var ErrInvalidRecipient = errors.New("invalid recipient")

var nonDigits = regexp.MustCompile(`\D`)

// Sender delivers a text message to one recipient.
type Sender interface {
	// Name identifies the channel in logs and outbox rows.
	Name() string
	SendMessage(ctx context.Context, to, body string) error
	Close() error
}

// CanonicalizePhone strips everything but digits and rejects numbers that are too short.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits)", ErrInvalidRecipient, canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizePhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct{}

// NewLogSender creates a LogSender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) SendMessage(ctx context.Context, to, body string) error {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	slog.Info("LogSender.SendMessage: message", "to", canonical, "body", body)
	return nil
}

func (s *LogSender) Close() error { return nil }
