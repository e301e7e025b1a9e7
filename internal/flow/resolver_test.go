package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/core/pkg/models"
)

type fakeSettings struct{}

func (fakeSettings) GetBotSettings(ctx context.Context, botID string) (BotSettings, error) {
	return BotSettings{ChatModelID: "gpt-test"}, nil
}
func (fakeSettings) GetChatSettings(ctx context.Context, chatID string) (ChatSettings, error) {
	return ChatSettings{}, nil
}

type fakeModels struct{}

func (fakeModels) GetModel(ctx context.Context, modelID string) (ModelRecord, error) {
	return ModelRecord{ID: modelID, Kind: "chat", ClientType: "OpenAI", Provider: "openai", InputModalities: []string{"text"}}, nil
}

type fakeStore struct {
	mu   sync.Mutex
	rows []models.PersistedMessage
}

func (s *fakeStore) ListSince(ctx context.Context, chatID string, since time.Time) ([]models.PersistedMessage, error) {
	return nil, nil
}
func (s *fakeStore) Persist(ctx context.Context, row models.PersistedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}
func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeMemory struct {
	mu    sync.Mutex
	added int
}

func (m *fakeMemory) Search(ctx context.Context, filter map[string]string, limit int) ([]MemoryMatch, error) {
	return nil, nil
}
func (m *fakeMemory) Add(ctx context.Context, botID, chatID string, messages []MemoryMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added++
	return nil
}
func (m *fakeMemory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.added
}

func TestResolveRejectsMissingIDs(t *testing.T) {
	r := NewResolver(fakeSettings{}, fakeModels{}, &fakeStore{})
	_, err := r.resolve(context.Background(), models.ChatRequest{Query: "hi"})
	if err == nil {
		t.Fatalf("expected validation error for missing botId/chatId")
	}
}

func TestResolveRejectsEmptyQueryAndAttachments(t *testing.T) {
	r := NewResolver(fakeSettings{}, fakeModels{}, &fakeStore{})
	_, err := r.resolve(context.Background(), models.ChatRequest{BotID: "b1", ChatID: "c1"})
	if err == nil {
		t.Fatalf("expected validation error for empty query and attachments")
	}
}

func TestResolveNormalizesClientType(t *testing.T) {
	r := NewResolver(fakeSettings{}, fakeModels{}, &fakeStore{})
	resolved, err := r.resolve(context.Background(), models.ChatRequest{BotID: "b1", ChatID: "c1", Query: "hi"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.payload.Model.ClientType != "openai" {
		t.Fatalf("expected normalized clientType 'openai', got %q", resolved.payload.Model.ClientType)
	}
}

// TestChatEchoRound covers scenario S1: a blocking round with one user
// message and one assistant reply persists exactly 2 messages and invokes
// memory Add once.
func TestChatEchoRound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/chat/" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gatewayResponse{
			Messages: []models.ModelMessage{
				{Role: "assistant", Content: models.NewTextContent("hi")},
			},
		})
	}))
	defer srv.Close()

	store := &fakeStore{}
	mem := &fakeMemory{}
	r := NewResolver(fakeSettings{}, fakeModels{}, store, WithGatewayBaseURL(srv.URL)).WithMemory(mem)

	resp, err := r.Chat(context.Background(), models.ChatRequest{BotID: "b1", ChatID: "c1", Query: "hello"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].TextContent() != "hi" {
		t.Fatalf("unexpected response messages: %+v", resp.Messages)
	}

	deadline := time.Now().Add(time.Second)
	for store.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := store.count(); got != 2 {
		t.Fatalf("expected 2 persisted messages (user + assistant), got %d", got)
	}
	for time.Now().Before(deadline) && mem.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if mem.count() != 1 {
		t.Fatalf("expected memory Add invoked once, got %d", mem.count())
	}
}

// TestStreamChatTerminalOrdering covers §8 property 6: all persistence
// calls for the round return before the terminal event reaches the caller.
func TestStreamChatTerminalOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event:text_delta\ndata:{\"delta\":\"Found it\"}\n\n")
		fmt.Fprintf(w, "event:agent_end\ndata:{\"type\":\"agent_end\",\"messages\":[{\"role\":\"assistant\",\"content\":\"Found it\"}]}\n\n")
	}))
	defer srv.Close()

	store := &fakeStore{}
	r := NewResolver(fakeSettings{}, fakeModels{}, store, WithGatewayBaseURL(srv.URL))

	events, errs := r.StreamChat(context.Background(), models.ChatRequest{BotID: "b1", ChatID: "c1", Query: "hello"})

	var sawTerminal bool
	var countAtTerminal int
	for ev := range events {
		if ev.IsTerminal() {
			sawTerminal = true
			countAtTerminal = store.count()
		}
	}
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
	}

	if !sawTerminal {
		t.Fatalf("expected a terminal event")
	}
	// user + assistant persisted by the time the terminal event was observed.
	if countAtTerminal < 2 {
		t.Fatalf("expected persistence to complete before terminal event, got %d rows at terminal", countAtTerminal)
	}
}
