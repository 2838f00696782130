package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mentis-edu/mentis/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	block  bool
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	if m.block {
		<-ctx.Done()
		return openai.ChatCompletion{}, ctx.Err()
	}
	return m.resp, m.err
}

func completion(text string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
	}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("¿Qué tema quieres trabajar?")}
	client := &Client{chat: mock, model: "test-model", timeout: time.Second}
	history := []models.Message{
		{Role: models.RoleUser, Content: "hola"},
		{Role: models.RoleAssistant, Content: "hola, ¿qué tema?"},
		{Role: models.RoleUser, Content: "fracciones"},
	}
	out, err := client.Complete(context.Background(), "system prompt", history)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "¿Qué tema quieres trabajar?" {
		t.Errorf("unexpected output %q", out)
	}
	if got := len(mock.params.Messages); got != 4 {
		t.Errorf("expected system + 3 messages, got %d", got)
	}
	if mock.params.Model != "test-model" {
		t.Errorf("expected model test-model, got %q", mock.params.Model)
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, timeout: time.Second}
	_, err := client.Complete(context.Background(), "sys", nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, timeout: time.Second}
	_, err := client.Complete(context.Background(), "sys", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestComplete_BlankContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("   ")}, timeout: time.Second}
	_, err := client.Complete(context.Background(), "sys", nil)
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Errorf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	client := &Client{chat: &mockChatService{block: true}, timeout: 20 * time.Millisecond}
	start := time.Now()
	_, err := client.Complete(context.Background(), "sys", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("some/model"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "some/model" || cli.timeout != 5*time.Second {
		t.Errorf("options not applied: model=%q timeout=%v", cli.model, cli.timeout)
	}
}

func TestBuildMessages_Order(t *testing.T) {
	msgs := BuildMessages("sys", []models.Message{{Role: models.RoleUser, Content: "a"}})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil {
		t.Error("expected system message first, then user message")
	}
}
