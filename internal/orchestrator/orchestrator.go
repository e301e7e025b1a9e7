// Package orchestrator implements the per-inbound-message channel
// orchestrator (spec.md §4.6, C6): it translates a platform message into a
// ChatRequest, drives the flow resolver's streaming operation, and forwards
// each typed event into the channel's outbound stream, signaling
// processing status on the adapter along the way.
//
// This mirrors the teacher's own internal/gateway/processMessages →
// handleMessage pipeline (internal/gateway/processing.go): a registry of
// channel adapters feeding an aggregated inbound channel, one
// semaphore-bounded goroutine per message, a streaming-vs-buffered split
// depending on what the channel adapter supports, and best-effort typing
// indicators along the way. Where the teacher drives its own in-process
// agent runtime directly, this orchestrator instead drives the flow
// resolver (C4) over HTTP and composes the generalized StreamingAdapter
// state machine (C5) instead of the inline streaming bookkeeping the
// teacher's processMessages used.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/core/internal/cache"
	"github.com/relaykit/core/internal/channels"
	"github.com/relaykit/core/internal/channels/telegram"
	"github.com/relaykit/core/internal/debounce"
	"github.com/relaykit/core/internal/observability"
	"github.com/relaykit/core/internal/ratelimit"
	"github.com/relaykit/core/internal/typing"
	"github.com/relaykit/core/pkg/models"
)

// maxConcurrentMessages bounds the number of inbound messages processed at
// once, following the teacher's own messageSem sizing rationale (bound
// resource use under a burst of inbound traffic).
const maxConcurrentMessages = 32

// ChatDriver is the subset of the flow resolver an orchestrator needs:
// StreamChat for the normal streaming path. It is an interface so tests can
// substitute a fake without standing up a full Resolver.
type ChatDriver interface {
	StreamChat(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, <-chan error)
}

// RequestTranslator builds a ChatRequest from an inbound platform message.
// The default translator (DefaultTranslate) covers the common case; callers
// with richer identity/session plumbing (linked users, container routing)
// can supply their own.
type RequestTranslator func(msg *models.Message) models.ChatRequest

// dedupeTTL bounds how long an inbound message ID is remembered for
// redelivery suppression, following the teacher's own webhook-retry
// handling rationale (platforms like Telegram/WhatsApp redeliver an update
// that wasn't acked quickly enough).
const dedupeTTL = 5 * time.Minute

// Orchestrator wires a channel registry's inbound messages to a ChatDriver
// and forwards the resulting stream back out through each channel's
// outbound/streaming adapter.
type Orchestrator struct {
	registry   *channels.Registry
	driver     ChatDriver
	translate  RequestTranslator
	logger     *slog.Logger
	messageSem chan struct{}

	seen      *cache.DedupeCache
	limiters  map[string]*ratelimit.Bucket
	limiterMu sync.Mutex
	rateLimit ratelimit.Config

	debouncer *debounce.Debouncer[models.Message]

	metrics *observability.Metrics
	tracer  *observability.Tracer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTranslator overrides the default inbound-message-to-ChatRequest
// mapping.
func WithTranslator(t RequestTranslator) Option {
	return func(o *Orchestrator) { o.translate = t }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithRateLimit bounds how many inbound messages per chat are forwarded to
// the flow resolver per second; a burst above BurstSize is dropped rather
// than queued, since a dropped inbound message simply waits for the user's
// next one.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(o *Orchestrator) { o.rateLimit = cfg }
}

// WithDebounce batches inbound messages arriving on the same chat within
// delay of each other into one ChatRequest (contents newline-joined),
// following the teacher's own burst-coalescing rationale for chat
// platforms where a user's multi-part thought arrives as several rapid
// messages.
func WithDebounce(delay time.Duration) Option {
	return func(o *Orchestrator) {
		if delay <= 0 {
			return
		}
		o.debouncer = debounce.NewDebouncer(
			debounce.WithDebounceDuration[models.Message](delay),
			debounce.WithBuildKey(func(m *models.Message) string { return string(m.Channel) + ":" + m.ChannelID }),
			debounce.WithOnFlush(func(items []*models.Message) error {
				if len(items) == 0 {
					return nil
				}
				merged := *items[0]
				if len(items) > 1 {
					texts := make([]string, len(items))
					for i, m := range items {
						texts[i] = m.Content
					}
					merged.Content = joinNonEmpty(texts, "\n")
				}
				o.dispatch(context.Background(), &merged)
				return nil
			}),
		)
	}
}

// WithObservability attaches the metrics and tracing collaborators
// (internal/observability). Either may be nil.
func WithObservability(m *observability.Metrics, t *observability.Tracer) Option {
	return func(o *Orchestrator) {
		o.metrics = m
		o.tracer = t
	}
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

// New builds an Orchestrator over registry, driven by driver.
func New(registry *channels.Registry, driver ChatDriver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		driver:     driver,
		translate:  DefaultTranslate,
		logger:     slog.Default(),
		messageSem: make(chan struct{}, maxConcurrentMessages),
		seen:       cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: dedupeTTL, MaxSize: 10000}),
		limiters:   make(map[string]*ratelimit.Bucket),
		rateLimit:  ratelimit.Config{Enabled: false},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// bucketFor returns (creating if necessary) the token bucket gating a chat's
// inbound rate.
func (o *Orchestrator) bucketFor(chatKey string) *ratelimit.Bucket {
	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()
	b, ok := o.limiters[chatKey]
	if !ok {
		b = ratelimit.NewBucket(o.rateLimit)
		o.limiters[chatKey] = b
	}
	return b
}

// DefaultTranslate builds a ChatRequest directly from a platform message's
// fields, using the channel/chat ID pair and any attachments already
// normalized onto msg. BotID defaults to the chat ID, matching spec.md
// §3's "in bot-scoped chats the two are equal"; callers running a
// multi-bot deployment supply their own RequestTranslator via
// WithTranslator to resolve a real BotID from routing configuration.
func DefaultTranslate(msg *models.Message) models.ChatRequest {
	return models.ChatRequest{
		BotID:             msg.ChannelID,
		ChatID:            msg.ChannelID,
		Query:             msg.Content,
		Attachments:       convertAttachments(msg.Attachments),
		CurrentChannel:    string(msg.Channel),
		ExternalMessageID: msg.ChannelID,
		DisplayName:       displayNameFromMetadata(msg.Metadata),
	}
}

func displayNameFromMetadata(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if name, ok := meta["displayName"].(string); ok {
		return name
	}
	return ""
}

func convertAttachments(atts []models.Attachment) []models.ChatAttachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]models.ChatAttachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, models.ChatAttachment{
			Type: chatAttachmentType(a.Type),
			URL:  a.URL,
			Name: a.Filename,
			Mime: a.MimeType,
		})
	}
	return out
}

func chatAttachmentType(t string) models.AttachmentType {
	switch t {
	case "image":
		return models.AttachmentImage
	case "audio":
		return models.AttachmentAudio
	case "video":
		return models.AttachmentVideo
	default:
		return models.AttachmentFile
	}
}

// Start begins consuming the registry's aggregated inbound messages until
// ctx is canceled.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go o.run(runCtx)
}

// Stop cancels the run loop and waits for in-flight messages to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.debouncer != nil {
		o.debouncer.Stop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	messages := o.registry.AggregateMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			o.intake(ctx, msg)
		}
	}
}

// intake applies redelivery dedup and (if configured) debouncing before a
// message reaches handle; dispatch runs it in a semaphore-bounded goroutine.
func (o *Orchestrator) intake(ctx context.Context, msg *models.Message) {
	dedupeKey := string(msg.Channel) + ":" + msg.ID
	if msg.ID != "" && o.seen.Check(dedupeKey) {
		o.logger.Debug("dropping redelivered message", "channel", msg.Channel, "id", msg.ID)
		return
	}
	if o.debouncer != nil {
		o.debouncer.Enqueue(msg)
		return
	}
	o.dispatch(ctx, msg)
}

func (o *Orchestrator) dispatch(ctx context.Context, msg *models.Message) {
	select {
	case o.messageSem <- struct{}{}:
		o.wg.Add(1)
		go func(m *models.Message) {
			defer func() {
				<-o.messageSem
				o.wg.Done()
			}()
			o.handle(ctx, m)
		}(msg)
	case <-ctx.Done():
	}
}

// handle implements spec.md §4.6's five-step sequence for one inbound
// message.
func (o *Orchestrator) handle(ctx context.Context, msg *models.Message) {
	req := o.translate(msg)
	if req.ChatID == "" || req.BotID == "" {
		o.logger.Warn("dropping inbound message with no chat/bot id", "channel", msg.Channel)
		return
	}

	if o.metrics != nil {
		o.metrics.MessageReceived(string(msg.Channel), "inbound")
	}
	if o.rateLimit.Enabled && !o.bucketFor(string(msg.Channel)+":"+req.ChatID).Allow() {
		o.logger.Warn("dropping inbound message: rate limit exceeded", "channel", msg.Channel, "chat_id", req.ChatID)
		if o.metrics != nil {
			o.metrics.RecordError("orchestrator", "rate_limited")
		}
		return
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceMessageProcessing(ctx, string(msg.Channel), "inbound", req.ChatID)
		defer span.End()
	}

	streamingAdapter, hasStreaming := o.registry.GetStreaming(msg.Channel)
	outboundAdapter, hasOutbound := o.registry.GetOutbound(msg.Channel)
	if !hasOutbound {
		o.logger.Error("no outbound adapter for channel", "channel", msg.Channel)
		return
	}

	replyTemplate := &models.Message{
		ID:        uuid.NewString(),
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Metadata:  msg.Metadata,
		CreatedAt: time.Now(),
	}

	if hasStreaming {
		o.processStreaming(ctx, req, streamingAdapter, replyTemplate)
		return
	}
	o.processBuffered(ctx, req, outboundAdapter, replyTemplate)
}

// processStreaming drives the resolver's StreamChat and forwards each
// event into a telegram-style StreamManager. Any channels.StreamingAdapter
// (not just Telegram's) can drive this state machine; it is instantiated
// from the telegram package because that is where C5 defined it, but it
// only depends on the channels.StreamingAdapter contract.
func (o *Orchestrator) processStreaming(ctx context.Context, req models.ChatRequest, adapter channels.StreamingAdapter, reply *models.Message) {
	tc := typing.NewTypingController(&typing.TypingControllerConfig{
		OnReplyStart: func() { _ = adapter.SendTypingIndicator(ctx, reply) },
	})
	tc.OnReplyStart()
	tc.StartTypingLoop()
	defer tc.Cleanup()

	sm := telegram.NewStreamManager(adapter, reply, o.logger)
	events, errs := o.driver.StreamChat(ctx, req)

	var streamErr error
	for ev := range events {
		tc.RefreshTypingTTL()
		switch ev.Type {
		case models.StreamTextDelta:
			if err := sm.OnTextDelta(ctx, ev.Delta); err != nil {
				o.logger.Warn("stream text delta failed", "error", err)
			}
		case models.StreamToolCallStart:
			if err := sm.OnToolCallStart(ctx); err != nil {
				o.logger.Warn("stream tool call start failed", "error", err)
			}
		case models.StreamToolCallEnd:
			if err := sm.OnToolCallEnd(ctx); err != nil {
				o.logger.Warn("stream tool call end failed", "error", err)
			}
		case models.StreamAttachmentDelta:
			sm.OnAttachments(ctx, toChannelAttachments(ev.Attachments))
		case models.StreamAgentEnd:
			if err := sm.Finalize(ctx, finalText(ev)); err != nil {
				o.logger.Warn("stream finalize failed", "error", err)
			}
		case models.StreamError:
			streamErr = FailProcessing(ev.Message)
			if err := sm.Error(ctx, ev.Message); err != nil {
				o.logger.Warn("stream error edit failed", "error", err)
			}
		}
	}
	tc.MarkRunComplete()
	for err := range errs {
		if err != nil {
			streamErr = err
			if sErr := sm.Error(ctx, err.Error()); sErr != nil {
				o.logger.Warn("stream error edit failed", "error", sErr)
			}
		}
	}

	if streamErr != nil {
		o.logger.Error("processing failed", "chat_id", req.ChatID, "error", streamErr)
		if o.metrics != nil {
			o.metrics.RecordError("orchestrator", "stream_failed")
		}
		return
	}
	if o.metrics != nil {
		o.metrics.MessageSent(req.CurrentChannel)
	}
	o.logger.Debug("processing completed", "chat_id", req.ChatID)
}

// processBuffered is the non-streaming fallback: accumulate the full reply
// and send it as a single outbound message once the stream terminates.
func (o *Orchestrator) processBuffered(ctx context.Context, req models.ChatRequest, adapter channels.OutboundAdapter, reply *models.Message) {
	events, errs := o.driver.StreamChat(ctx, req)

	var text string
	var atts []models.Attachment
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case models.StreamTextDelta:
			text += ev.Delta
		case models.StreamAttachmentDelta:
			atts = append(atts, toChannelAttachments(ev.Attachments)...)
		case models.StreamAgentEnd:
			if t := finalText(ev); t != "" {
				text = t
			}
		case models.StreamError:
			streamErr = FailProcessing(ev.Message)
			text = "Error: " + ev.Message
		}
	}
	for err := range errs {
		if err != nil {
			streamErr = err
			text = "Error: " + err.Error()
		}
	}

	reply.Content = text
	reply.Attachments = atts
	if err := adapter.Send(ctx, reply); err != nil {
		o.logger.Error("buffered send failed", "chat_id", req.ChatID, "error", err)
		if o.metrics != nil {
			o.metrics.RecordError("orchestrator", "send_failed")
		}
		return
	}
	if streamErr != nil {
		o.logger.Error("processing failed", "chat_id", req.ChatID, "error", streamErr)
		if o.metrics != nil {
			o.metrics.RecordError("orchestrator", "stream_failed")
		}
		return
	}
	if o.metrics != nil {
		o.metrics.MessageSent(req.CurrentChannel)
	}
	o.logger.Debug("processing completed", "chat_id", req.ChatID)
}

func toChannelAttachments(atts []models.ChatAttachment) []models.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, models.Attachment{
			ID:       uuid.NewString(),
			Type:     string(a.Type),
			URL:      a.URL,
			Filename: a.Name,
			MimeType: a.Mime,
		})
	}
	return out
}

// finalText extracts the assistant's reply text from an agent_end event's
// messages, concatenating every assistant-role message in the round.
func finalText(ev models.StreamEvent) string {
	var text string
	for _, m := range ev.Messages {
		if m.Role == "assistant" {
			text += m.TextContent()
		}
	}
	return text
}
