// Package flow implements the flow resolver (C4): the component that
// assembles a gateway request from a ChatRequest, calls the external agent
// gateway (blocking or streaming), and persists the resulting conversation
// round. See spec.md §4.4.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/core/internal/backoff"
	"github.com/relaykit/core/pkg/models"
)

const (
	defaultMaxContextMinutes   = 24 * 60
	memoryContextLimitPerScope = 4
	memoryContextMaxItems      = 8
	memoryContextItemMaxChars  = 220
	sharedMemoryNamespace      = "bot"

	defaultGatewayBaseURL    = "http://127.0.0.1:8081"
	defaultTimeout           = 60 * time.Second
	defaultMaxContextTokens  = 8000
)

// normalizedClientTypes is the allow-list spec.md §4.4 step 4 requires a
// model's ClientType to belong to.
var normalizedClientTypes = map[string]bool{
	"openai":         true,
	"openai-compat":  true,
	"anthropic":      true,
	"google":         true,
	"azure":          true,
	"bedrock":        true,
	"mistral":        true,
	"xai":            true,
	"ollama":         true,
	"dashscope":      true,
}

// Resolver implements the flow resolver's public operations against a
// configured agent gateway and a set of storage/identity collaborators.
type Resolver struct {
	settings  SettingsStore
	models    ModelStore
	messages  MessageStore
	memory    MemoryStore
	skills    SkillLoader
	identity  IdentityStore
	container ContainerResolver

	gatewayBaseURL string
	timeout        time.Duration
	httpClient     *http.Client
	logger         *slog.Logger

	retryPolicy backoff.BackoffPolicy
	maxAttempts int

	maxContextTokens int
}

// ResolverOption configures a Resolver beyond its required collaborators.
type ResolverOption func(*Resolver)

// WithGatewayBaseURL overrides the default gateway base URL.
func WithGatewayBaseURL(url string) ResolverOption {
	return func(r *Resolver) {
		if strings.TrimSpace(url) != "" {
			r.gatewayBaseURL = url
		}
	}
}

// WithTimeout overrides the default per-call HTTP timeout.
func WithTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHTTPClient overrides the default HTTP client (tests use this to
// inject a client pointed at an httptest.Server).
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithLogger overrides the default (discard) logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetryPolicy overrides the exponential backoff policy and attempt
// count used to retry transient/rate-limited gateway failures on the
// blocking chat and trigger-schedule calls. Streaming calls are never
// retried: once openStream has handed the caller a live response body,
// re-issuing the request could duplicate partially-forwarded output.
func WithRetryPolicy(policy backoff.BackoffPolicy, maxAttempts int) ResolverOption {
	return func(r *Resolver) {
		r.retryPolicy = policy
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

// WithMaxContextTokens overrides the token budget loadMessages truncates
// reloaded transcript history to before it is sent to the gateway.
func WithMaxContextTokens(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxContextTokens = n
		}
	}
}

// NewResolver constructs a Resolver. settings, modelsStore, and messages
// are required; memory, skills, identity, and container may be nil, in
// which case the resolve step degrades gracefully (no memory context, no
// skills, identities passed through unresolved, container ID falls back to
// "mcp-"+botID).
func NewResolver(settings SettingsStore, modelsStore ModelStore, messages MessageStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		settings:       settings,
		models:         modelsStore,
		messages:       messages,
		gatewayBaseURL: defaultGatewayBaseURL,
		timeout:        defaultTimeout,
		httpClient:     &http.Client{},
		logger:         slog.New(slog.NewTextHandler(discardWriter{}, nil)),
		retryPolicy:      backoff.DefaultPolicy(),
		maxAttempts:      3,
		maxContextTokens: defaultMaxContextTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithMemory, WithSkills, WithIdentity, and WithContainer attach optional
// collaborators after construction — split out from NewResolver's
// functional options since they are interfaces, not values, and a nil
// interface passed through a variadic option would be indistinguishable
// from "not set" at the call site.
func (r *Resolver) WithMemory(m MemoryStore) *Resolver         { r.memory = m; return r }
func (r *Resolver) WithSkills(s SkillLoader) *Resolver         { r.skills = s; return r }
func (r *Resolver) WithIdentity(i IdentityStore) *Resolver     { r.identity = i; return r }
func (r *Resolver) WithContainer(c ContainerResolver) *Resolver { r.container = c; return r }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// resolvedContext is the shared result of the resolve step, consumed by
// Chat, StreamChat, and TriggerSchedule.
type resolvedContext struct {
	payload gatewayRequest
	model   ModelRecord
}

// resolve implements spec.md §4.4's shared ten-step resolve procedure.
func (r *Resolver) resolve(ctx context.Context, req models.ChatRequest) (resolvedContext, error) {
	// Step 1.
	if strings.TrimSpace(req.BotID) == "" || strings.TrimSpace(req.ChatID) == "" {
		return resolvedContext{}, FailValidation("botId and chatId are required")
	}
	if strings.TrimSpace(req.Query) == "" && len(req.Attachments) == 0 {
		return resolvedContext{}, FailValidation("query or attachments are required")
	}

	skipHistory := req.MaxContextLoadTime < 0

	botSettings, chatSettings := r.loadSettings(ctx, req)

	// Step 3: model selection.
	model, err := r.selectModel(ctx, req, chatSettings, botSettings)
	if err != nil {
		return resolvedContext{}, err
	}

	// Step 4: client type normalization.
	clientType := normalizeClientType(model.ClientType)
	if clientType == "" {
		return resolvedContext{}, FailValidation(fmt.Sprintf("model %q has unsupported clientType %q", model.ID, model.ClientType))
	}

	maxCtx := coalescePositiveInt(req.MaxContextLoadTime, chatSettings.MaxContextLoadTime, botSettings.MaxContextLoadTime, defaultMaxContextMinutes)

	// Step 5.
	var history []models.ModelMessage
	if !skipHistory {
		history, err = r.loadMessages(ctx, req.ChatID, maxCtx)
		if err != nil {
			r.logger.Warn("loadMessages failed, continuing without history", "chat_id", req.ChatID, "error", err)
			history = nil
		}
	}

	// Step 6.
	memoryMsg := r.loadMemoryContextMessage(ctx, req.BotID)

	// Step 7.
	var all []models.ModelMessage
	all = append(all, history...)
	if memoryMsg != nil {
		all = append(all, *memoryMsg)
	}
	all = append(all, req.Messages...)
	all = sanitizeMessages(all)

	// Step 8.
	routedAttachments := r.routeAttachments(ctx, model, req.Attachments)

	// Step 9.
	usableSkills, skills := r.loadSkills(ctx, req)

	containerID := r.resolveContainerID(ctx, req.BotID, req.ContainerID)

	// Step 10.
	payload := gatewayRequest{
		Model: gatewayModelConfig{
			ModelID:    model.ID,
			ClientType: clientType,
			Input:      model.InputModalities,
		},
		ActiveContextTime: maxCtx,
		Channels:          req.Channels,
		CurrentChannel:    req.CurrentChannel,
		Messages:          all,
		Skills:            skills,
		UsableSkills:      usableSkills,
		Query:             req.Query,
		Identity: gatewayIdentity{
			BotID:             req.BotID,
			ChannelIdentityID: req.SourceChannelIdentityID,
			DisplayName:       r.resolveDisplayName(ctx, req),
			CurrentPlatform:   req.CurrentChannel,
			ConversationType:  string(req.ConversationType),
			ContainerID:       containerID,
		},
		Attachments: routedAttachments,
	}

	return resolvedContext{payload: payload, model: model}, nil
}

func (r *Resolver) loadSettings(ctx context.Context, req models.ChatRequest) (BotSettings, ChatSettings) {
	var bot BotSettings
	var chat ChatSettings
	if r.settings == nil {
		return bot, chat
	}
	if b, err := r.settings.GetBotSettings(ctx, req.BotID); err == nil {
		bot = b
	} else {
		r.logger.Warn("GetBotSettings failed", "bot_id", req.BotID, "error", err)
	}
	if c, err := r.settings.GetChatSettings(ctx, req.ChatID); err == nil {
		chat = c
	} else {
		r.logger.Warn("GetChatSettings failed", "chat_id", req.ChatID, "error", err)
	}
	return bot, chat
}

func (r *Resolver) selectModel(ctx context.Context, req models.ChatRequest, chat ChatSettings, bot BotSettings) (ModelRecord, error) {
	modelID := firstNonEmpty(req.Model, chat.ModelID, bot.ChatModelID)
	if modelID == "" {
		return ModelRecord{}, FailValidation("no chat model configured for bot or chat")
	}
	if r.models == nil {
		return ModelRecord{}, FailValidation("no model store configured")
	}
	model, err := r.models.GetModel(ctx, modelID)
	if err != nil {
		return ModelRecord{}, FailValidation(fmt.Sprintf("model %q not found: %v", modelID, err))
	}
	if model.Kind != "" && model.Kind != "chat" {
		return ModelRecord{}, FailValidation(fmt.Sprintf("model %q is not a chat model", modelID))
	}
	if req.Provider != "" && !strings.EqualFold(model.Provider, req.Provider) {
		return ModelRecord{}, FailValidation(fmt.Sprintf("model %q does not belong to requested provider %q", modelID, req.Provider))
	}
	return model, nil
}

func normalizeClientType(ct string) string {
	lc := strings.ToLower(strings.TrimSpace(ct))
	if normalizedClientTypes[lc] {
		return lc
	}
	return ""
}

func (r *Resolver) resolveContainerID(ctx context.Context, botID, explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if r.container != nil {
		if id, ok := r.container.ContainerIDForBot(ctx, botID); ok && id != "" {
			return id
		}
	}
	r.logger.Warn("no container found for bot, using fallback", "bot_id", botID)
	return "mcp-" + botID
}

func coalescePositiveInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// sanitizeMessages drops messages with a blank role, and separately drops
// messages with no content/ToolCallID, per spec.md §4.4 step 7.
func sanitizeMessages(msgs []models.ModelMessage) []models.ModelMessage {
	out := make([]models.ModelMessage, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Role) == "" {
			continue
		}
		if !m.HasContent() && m.ToolCallID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
