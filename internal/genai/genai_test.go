package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestComplete_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply("Hello World")}, model: "test-model"}
	out, err := client.Complete(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestReply_MapsContextRoles(t *testing.T) {
	mock := &mockChatService{resp: reply("Temos sim!")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxTokens: 50}
	history := []models.ContextTurn{
		{Role: models.RoleUser, Content: "tem pastilha de freio?"},
		{Role: models.RoleAssistant, Content: "Para qual carro?"},
		{Role: models.RoleUser, Content: "Gol 2015"},
	}
	out, err := client.Reply(context.Background(), "Você é o assistente da oficina.", history)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if out != "Temos sim!" {
		t.Errorf("unexpected reply %q", out)
	}
	if got := len(mock.params.Messages); got != 4 {
		t.Fatalf("expected system + 3 turns, got %d messages", got)
	}
	if mock.params.Messages[0].OfSystem == nil || mock.params.Messages[2].OfAssistant == nil || mock.params.Messages[3].OfUser == nil {
		t.Errorf("roles not mapped in order: %+v", mock.params.Messages)
	}
}

func TestReply_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Reply(context.Background(), "sys", []models.ContextTurn{{Role: models.RoleUser, Content: "oi"}})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestReply_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}}
	_, err := client.Reply(context.Background(), "sys", nil)
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured when API key not provided, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil || cli.model != "gpt-4o" {
		t.Errorf("unexpected client %+v", cli)
	}
}
