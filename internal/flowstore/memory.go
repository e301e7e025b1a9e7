package flowstore

import (
	"context"
	"fmt"

	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/internal/memory"
	"github.com/relaykit/core/pkg/models"
)

// MemoryAdapter implements flow.MemoryStore over the teacher's
// internal/memory.Manager, which already wires pgvector/sqlite-vec/lancedb
// backends and openai/ollama embedding providers (internal/memory/manager.go).
// The resolver's filter/limit contract (flow.MemoryStore.Search) is
// translated into the Manager's scope-based models.SearchRequest.
type MemoryAdapter struct {
	manager *memory.Manager
}

// NewMemoryAdapter wraps an already-constructed Manager. A nil manager
// (memory disabled in config, matching memory.NewManager's own
// !cfg.Enabled short-circuit) yields an adapter whose methods are no-ops,
// so callers can always attach it via Resolver.WithMemory without a nil
// check.
func NewMemoryAdapter(manager *memory.Manager) *MemoryAdapter {
	return &MemoryAdapter{manager: manager}
}

// Search implements flow.MemoryStore. filter's "botID"/"chatID" keys select
// the search scope: a chatID present selects models.ScopeSession, otherwise
// a botID present selects models.ScopeAgent, otherwise models.ScopeGlobal.
func (a *MemoryAdapter) Search(ctx context.Context, filter map[string]string, limit int) ([]flow.MemoryMatch, error) {
	if a.manager == nil {
		return nil, nil
	}

	scope, scopeID := models.ScopeGlobal, ""
	if chatID := filter["chatID"]; chatID != "" {
		scope, scopeID = models.ScopeSession, chatID
	} else if botID := filter["botID"]; botID != "" {
		scope, scopeID = models.ScopeAgent, botID
	}

	resp, err := a.manager.Search(ctx, &models.SearchRequest{
		Query:   filter["query"],
		Scope:   scope,
		ScopeID: scopeID,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	out := make([]flow.MemoryMatch, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Entry == nil {
			continue
		}
		out = append(out, flow.MemoryMatch{
			ID:        r.Entry.ID,
			Namespace: string(scope),
			Text:      r.Entry.Content,
			Score:     float64(r.Score),
		})
	}
	return out, nil
}

// Add implements flow.MemoryStore, indexing one round's role-tagged
// messages as individual session-scoped memory entries.
func (a *MemoryAdapter) Add(ctx context.Context, botID, chatID string, messages []flow.MemoryMessage) error {
	if a.manager == nil || len(messages) == 0 {
		return nil
	}
	entries := make([]*models.MemoryEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, &models.MemoryEntry{
			SessionID: chatID,
			AgentID:   botID,
			Content:   m.Content,
			Metadata:  models.MemoryMetadata{Source: "message", Role: m.Role},
		})
	}
	if err := a.manager.Index(ctx, entries); err != nil {
		return fmt.Errorf("memory index: %w", err)
	}
	return nil
}

var _ flow.MemoryStore = (*MemoryAdapter)(nil)
