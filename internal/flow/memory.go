package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goctx "github.com/relaykit/core/internal/context"
	"github.com/relaykit/core/pkg/models"
)

// loadMessages reloads transcript history in [now-maxCtx, now], mapped to
// ModelMessage via each row's stored Content, then truncated to the
// resolver's token budget (oldest-first, keeping the first and most recent
// turns) so a long-lived chat's reloaded history can't unboundedly grow the
// gateway payload.
func (r *Resolver) loadMessages(ctx context.Context, chatID string, maxContextMinutes int) ([]models.ModelMessage, error) {
	if r.messages == nil {
		return nil, nil
	}
	since := time.Now().UTC().Add(-time.Duration(maxContextMinutes) * time.Minute)
	rows, err := r.messages.ListSince(ctx, chatID, since)
	if err != nil {
		return nil, err
	}
	out := make([]models.ModelMessage, 0, len(rows))
	for _, row := range rows {
		var mm models.ModelMessage
		if err := mm.UnmarshalJSON(row.Content); err != nil {
			r.logger.Warn("loadMessages: content unmarshal failed, treating as raw text",
				"chat_id", chatID, "error", err)
			mm = models.ModelMessage{Role: row.Role, Content: models.NewTextContent(string(row.Content))}
		} else {
			mm.Role = row.Role
		}
		out = append(out, mm)
	}
	return r.truncateHistory(out), nil
}

// truncateHistory applies internal/context's token-budget truncation,
// preserving the oldest message (typically a pinned system/context turn)
// and the two most recent turns while dropping older middle messages first.
func (r *Resolver) truncateHistory(msgs []models.ModelMessage) []models.ModelMessage {
	if len(msgs) == 0 {
		return msgs
	}
	asCtx := make([]goctx.Message, len(msgs))
	for i, m := range msgs {
		asCtx[i] = goctx.Message{
			Role:     m.Role,
			Content:  m.TextContent(),
			IsSystem: m.Role == "system",
		}
	}
	truncator := goctx.NewTruncator(goctx.TruncateOldest, r.maxContextTokens)
	kept, result := truncator.Truncate(asCtx)
	if result.RemovedCount == 0 {
		return msgs
	}
	r.logger.Debug("loadMessages: truncated history to fit token budget",
		"removed", result.RemovedCount, "kept", result.NewCount)

	out := make([]models.ModelMessage, 0, len(kept))
	keptIdx := 0
	for _, orig := range msgs {
		if keptIdx < len(kept) && kept[keptIdx].Content == orig.TextContent() && kept[keptIdx].Role == orig.Role {
			out = append(out, orig)
			keptIdx++
		}
	}
	return out
}

// loadMemoryContextMessage implements spec.md §4.4 step 6: a best-effort
// memory search, deduplicated and capped, formatted as a single system
// message. Returns nil when memory is unavailable or empty.
func (r *Resolver) loadMemoryContextMessage(ctx context.Context, botID string) *models.ModelMessage {
	if r.memory == nil {
		return nil
	}
	filter := map[string]string{
		"namespace": sharedMemoryNamespace,
		"scopeId":   botID,
		"bot_id":    botID,
	}
	matches, err := r.memory.Search(ctx, filter, memoryContextLimitPerScope)
	if err != nil {
		r.logger.Warn("memory search failed, continuing without memory context", "bot_id", botID, "error", err)
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	deduped := make([]MemoryMatch, 0, len(matches))
	for _, m := range matches {
		key := m.ID
		if key == "" {
			key = m.Namespace + "|" + m.Text
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, m)
	}

	sort.SliceStable(deduped, func(i, j int) bool { return deduped[i].Score > deduped[j].Score })
	if len(deduped) > memoryContextMaxItems {
		deduped = deduped[:memoryContextMaxItems]
	}

	var sb strings.Builder
	sb.WriteString("Relevant memory context (use when helpful):\n")
	for _, m := range deduped {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", m.Namespace, truncateMemorySnippet(m.Text)))
	}

	msg := models.ModelMessage{Role: "system", Content: models.NewTextContent(strings.TrimRight(sb.String(), "\n"))}
	return &msg
}

func truncateMemorySnippet(s string) string {
	r := []rune(s)
	if len(r) <= memoryContextItemMaxChars {
		return s
	}
	return string(r[:memoryContextItemMaxChars]) + "..."
}

// storeMemory persists every non-empty-text message of a completed round so
// future rounds can retrieve it via loadMemoryContextMessage. Callers run
// this with a detached context (see StreamChat) so request cancellation
// never aborts extraction.
func (r *Resolver) storeMemory(ctx context.Context, botID, chatID string, round []models.ModelMessage) {
	if r.memory == nil {
		return
	}
	msgs := make([]MemoryMessage, 0, len(round))
	for _, mm := range round {
		text := strings.TrimSpace(mm.TextContent())
		if text == "" {
			continue
		}
		role := mm.Role
		if strings.TrimSpace(role) == "" {
			role = "assistant"
		}
		msgs = append(msgs, MemoryMessage{Role: role, Content: text})
	}
	if len(msgs) == 0 {
		return
	}
	if err := r.memory.Add(ctx, botID, chatID, msgs); err != nil {
		r.logger.Warn("memory extraction failed", "bot_id", botID, "chat_id", chatID, "error", err)
	}
}
