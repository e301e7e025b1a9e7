package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/core/pkg/models"
)

// buildRouteMetadata records how a persisted message entered the system,
// for downstream routing/auditing.
type routeMetadata struct {
	RouteID  string
	Platform string
}

func buildRouteMetadata(req models.ChatRequest) routeMetadata {
	return routeMetadata{RouteID: req.RouteID, Platform: req.CurrentChannel}
}

// persistUserMessage writes the user's own turn immediately, ahead of the
// round that follows it, so a retried StreamChat never duplicates it
// (guarded by req.UserMessagePersisted at the call site).
func (r *Resolver) persistUserMessage(ctx context.Context, req models.ChatRequest) error {
	if r.messages == nil {
		return nil
	}
	content := userMessageContent(req)
	mm := models.ModelMessage{Role: "user", Content: content}
	body, err := json.Marshal(mm)
	if err != nil {
		return FailStorage("marshal user message", err)
	}

	senderChannelIdentityID, senderUserID := r.resolvePersistSenderIDs(ctx, req.SourceChannelIdentityID, req.UserID)
	route := buildRouteMetadata(req)

	row := models.PersistedMessage{
		ID:                      uuid.NewString(),
		BotID:                   req.BotID,
		ChatID:                  req.ChatID,
		Role:                    "user",
		Content:                 body,
		RouteID:                 route.RouteID,
		Platform:                route.Platform,
		SenderChannelIdentityID: senderChannelIdentityID,
		SenderUserID:            senderUserID,
		ExternalMessageID:       req.ExternalMessageID,
		CreatedAt:               time.Now().UTC(),
	}
	if err := r.messages.Persist(ctx, row); err != nil {
		return FailStorage("persist user message", err)
	}
	return nil
}

// userMessageContent builds the user turn's Content: plain text when there
// are no attachments, or an array of a text part plus one part per
// attachment otherwise.
func userMessageContent(req models.ChatRequest) json.RawMessage {
	if len(req.Attachments) == 0 {
		return models.NewTextContent(req.Query)
	}
	parts := make([]map[string]any, 0, len(req.Attachments)+1)
	if strings.TrimSpace(req.Query) != "" {
		parts = append(parts, map[string]any{"type": "text", "text": req.Query})
	}
	for _, a := range req.Attachments {
		part := map[string]any{"type": string(a.Type)}
		switch {
		case a.URL != "":
			part["url"] = a.URL
		case a.Path != "":
			part["path"] = a.Path
		case a.Base64 != "":
			part["base64"] = a.Base64
		case a.ContentHash != "":
			part["contentHash"] = a.ContentHash
		}
		if a.Mime != "" {
			part["mime"] = a.Mime
		}
		if a.Name != "" {
			part["name"] = a.Name
		}
		parts = append(parts, part)
	}
	return models.NewPartsContent(parts)
}

// storeRound implements spec.md §4.4/§9's StoreRound: it persists the full
// round (prepending the user's turn if not already persisted/echoed back by
// the gateway), dedups an echoed user query, threads
// SourceReplyToMessageID, and kicks off detached-context memory
// extraction.
func (r *Resolver) storeRound(ctx context.Context, req models.ChatRequest, gatewayMessages []models.ModelMessage) error {
	if r.messages == nil {
		return nil
	}

	round := make([]models.ModelMessage, 0, len(gatewayMessages)+1)
	if !req.UserMessagePersisted && !echoesUserQuery(gatewayMessages, req.Query) {
		round = append(round, models.ModelMessage{Role: "user", Content: userMessageContent(req)})
	}
	round = append(round, gatewayMessages...)

	senderChannelIdentityID, senderUserID := r.resolvePersistSenderIDs(ctx, req.SourceChannelIdentityID, req.UserID)
	route := buildRouteMetadata(req)

	matchedQuery := false

	for _, mm := range round {
		body, err := json.Marshal(mm)
		if err != nil {
			return FailStorage("marshal round message", err)
		}

		row := models.PersistedMessage{
			ID:        uuid.NewString(),
			BotID:     req.BotID,
			ChatID:    req.ChatID,
			Role:      mm.Role,
			Content:   body,
			RouteID:   route.RouteID,
			Platform:  route.Platform,
			CreatedAt: time.Now().UTC(),
		}

		if mm.Role == "user" && !matchedQuery && mm.TextContent() == req.Query {
			matchedQuery = true
			row.SenderChannelIdentityID = senderChannelIdentityID
			row.SenderUserID = senderUserID
			row.ExternalMessageID = req.ExternalMessageID
		} else {
			row.SourceReplyToMessageID = req.ExternalMessageID
		}

		if err := r.messages.Persist(ctx, row); err != nil {
			return FailStorage(fmt.Sprintf("persist %s message", mm.Role), err)
		}
	}

	go r.storeMemory(detach(ctx), req.BotID, req.ChatID, round)
	return nil
}

func echoesUserQuery(msgs []models.ModelMessage, query string) bool {
	if strings.TrimSpace(query) == "" {
		return false
	}
	for _, m := range msgs {
		if m.Role == "user" && m.TextContent() == query {
			return true
		}
	}
	return false
}

// resolvePersistSenderIDs validates caller-supplied identity IDs against
// the identity directory before writing them as foreign keys, demoting an
// ID that does not resolve to empty rather than propagating it
// (spec.md §9 "Identity existence checks").
func (r *Resolver) resolvePersistSenderIDs(ctx context.Context, channelIdentityID, userID string) (string, string) {
	if r.identity == nil {
		return channelIdentityID, userID
	}
	resolvedChannelIdentityID := ""
	if channelIdentityID != "" && r.identity.ChannelIdentityExists(ctx, channelIdentityID) {
		resolvedChannelIdentityID = channelIdentityID
	}
	resolvedUserID := ""
	if userID != "" && r.identity.UserExists(ctx, userID) {
		resolvedUserID = userID
	} else if resolvedChannelIdentityID != "" {
		if linked, ok := r.identity.LinkedUserID(ctx, resolvedChannelIdentityID); ok {
			resolvedUserID = linked
		}
	}
	return resolvedChannelIdentityID, resolvedUserID
}

// resolveDisplayName implements the fallback chain spec.md's identity
// handling requires: explicit request value, then the channel identity's
// own display name, then the linked user's, then a literal default.
func (r *Resolver) resolveDisplayName(ctx context.Context, req models.ChatRequest) string {
	if strings.TrimSpace(req.DisplayName) != "" {
		return req.DisplayName
	}
	if r.identity != nil {
		if name, ok := r.identity.DisplayName(ctx, req.SourceChannelIdentityID, req.UserID); ok && name != "" {
			return name
		}
	}
	return "User"
}

// detach returns a context that carries ctx's values but is never canceled
// by ctx's own cancellation, so memory extraction survives the request
// that triggered it (spec.md §9 "Async extraction with detached lifetime").
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ parent context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}        { return nil }
func (detachedContext) Err() error                   { return nil }
func (d detachedContext) Value(key any) any          { return d.parent.Value(key) }
