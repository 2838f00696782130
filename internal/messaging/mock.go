package messaging

import (
	"context"
	"sync"
)

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages instead of sending them. Err, when set, is returned for
// recipients listed in FailFor, or for every recipient when FailFor is empty.
type MockSender struct {
	mu      sync.Mutex
	Sent    []SentMessage
	Err     error
	FailFor map[string]bool
}

// NewMockSender creates a MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) SendMessage(ctx context.Context, to, body string) error {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil && (len(m.FailFor) == 0 || m.FailFor[canonical]) {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: canonical, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func (m *MockSender) Close() error { return nil }
