// Package testutil provides common test utilities and helpers for MENTIS tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/store"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// ScriptedCompleter returns queued replies in order, then repeats the last one.
// Err, when set, is returned instead of a reply.
type ScriptedCompleter struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	Calls   int
	Systems []string
}

// NewScriptedCompleter creates a ScriptedCompleter with the given replies.
func NewScriptedCompleter(replies ...string) *ScriptedCompleter {
	return &ScriptedCompleter{Replies: replies}
}

// Complete implements flow.Completer.
func (c *ScriptedCompleter) Complete(ctx context.Context, system string, history []models.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	c.Systems = append(c.Systems, system)
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Replies) == 0 {
		return "", nil
	}
	reply := c.Replies[0]
	if len(c.Replies) > 1 {
		c.Replies = c.Replies[1:]
	}
	return reply, nil
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// Envelope is a decoded API response whose result is kept raw.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// DecodeEnvelope decodes the response envelope and validates the status field.
// When result is non-nil the envelope result is decoded into it.
func DecodeEnvelope(t TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, result interface{}) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if env.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, env.Status, env.Message)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			t.Fatalf("failed to decode result %s: %v", env.Result, err)
		}
	}
	return env
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// SeedStudents adds roster entries to the store.
func SeedStudents(t TB, st store.ActivityStore, students ...models.Student) {
	t.Helper()
	for _, s := range students {
		if err := st.SaveStudent(context.Background(), s); err != nil {
			t.Fatalf("failed to seed student %s: %v", s.ID, err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
