package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaykit/core/internal/backoff"
	"github.com/relaykit/core/pkg/models"
)

// TestPostChatRetriesTransientFailure covers the retry wiring: a 500 from
// the gateway (mapped to ErrCodeGateway, not retryable under the current
// non-2xx classification) fails fast, while a connection-level failure
// (FailTransient, retryable) is retried up to the resolver's maxAttempts
// before succeeding.
func TestPostChatRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			// Close the connection mid-request to trigger a transport-level
			// error, which gateway_client.go classifies as FailTransient.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("ResponseWriter does not support hijacking")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gatewayResponse{
			Messages: []models.ModelMessage{{Role: "assistant", Content: models.NewTextContent("ok")}},
		})
	}))
	defer srv.Close()

	store := &fakeStore{}
	r := NewResolver(fakeSettings{}, fakeModels{}, store, WithGatewayBaseURL(srv.URL),
		WithRetryPolicy(backoff.BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}, 5))

	resp, err := r.Chat(context.Background(), models.ChatRequest{BotID: "b1", ChatID: "c1", Query: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].TextContent() != "ok" {
		t.Fatalf("unexpected response: %+v", resp.Messages)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", got)
	}
}

// TestPostChatDoesNotRetryValidationFailure covers the non-retryable path:
// a request that fails resolve's own validation never reaches the gateway
// at all, so no retry loop applies.
func TestPostChatDoesNotRetryValidationFailure(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(fakeSettings{}, fakeModels{}, store, WithGatewayBaseURL("http://127.0.0.1:0"),
		WithRetryPolicy(backoff.BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}, 5))

	deadline := time.Now().Add(2 * time.Second)
	_, err := r.Chat(context.Background(), models.ChatRequest{BotID: "", ChatID: "", Query: "hi"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if time.Now().After(deadline) {
		t.Fatal("validation failure should fail immediately, not after retry backoff")
	}
}
