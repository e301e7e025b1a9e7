package telegram

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaykit/core/internal/channels"
	"github.com/relaykit/core/pkg/models"
)

// pendingSuffix marks a delivered message as still being composed, per
// spec.md §4.5.
const pendingSuffix = "\n……"

const (
	throttleWindow  = 5 * time.Second
	maxMessageRunes = 4096
	truncateSuffix  = "..."
	maxFinalRetries = 3
)

// StreamManager is the single-message-edit state machine described by
// spec.md §4.5 and §9: (noMsg) → sent → editing → finalizing → closed,
// driven by text deltas, tool-call phase boundaries, attachments, and the
// terminal agent_end/error events. It composes a channels.StreamingAdapter
// rather than talking to the Telegram Bot API directly, so the same state
// machine shape is reusable by any platform adapter that implements the
// three StreamingAdapter primitives.
type StreamManager struct {
	mu      sync.Mutex
	adapter channels.StreamingAdapter
	msg     *models.Message
	logger  *slog.Logger

	open             bool
	closed           bool
	messageID        string
	buffer           strings.Builder
	lastCommitted    string
	lastEditTime     time.Time
	rateLimitedUntil time.Time
}

// NewStreamManager builds a StreamManager that delivers into msg's
// channel/chat. msg is used as the send template (Channel, ChannelID,
// Metadata); its Content and Role are overwritten on every send.
func NewStreamManager(adapter channels.StreamingAdapter, msg *models.Message, logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &StreamManager{adapter: adapter, msg: msg, logger: logger}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// WasStarted reports whether any outbound message has been sent for this
// round.
func (m *StreamManager) WasStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open || m.closed
}

// OnTextDelta appends delta to the buffered reply and, subject to the
// throttle window, the dedup check, and any active rate-limit backoff,
// edits the outbound message to show it with a pending suffix. Ordinary
// delta edits never surface an error to the caller: a failed edit here
// only arms the rate-limit backoff and is retried on the next delta or
// committed for real at Finalize.
func (m *StreamManager) OnTextDelta(ctx context.Context, delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.buffer.WriteString(delta)

	if !m.open {
		id, err := m.adapter.StartStreamingResponse(ctx, m.msg)
		if err != nil {
			return channels.ErrInternal("failed to start streaming response", err)
		}
		m.messageID = id
		m.open = true
	}
	_ = m.adapter.SendTypingIndicator(ctx, m.msg)

	return m.throttledEdit(ctx)
}

// throttledEdit applies the dedup check (spec.md §8 property 7), the 5s
// throttle window (property 8), and rate-limit suppression (property 9)
// before issuing an edit with the pending suffix appended.
func (m *StreamManager) throttledEdit(ctx context.Context) error {
	candidate := strings.TrimSpace(m.buffer.String())
	if candidate == m.lastCommitted {
		return nil
	}

	now := time.Now()
	if !m.rateLimitedUntil.IsZero() && now.Before(m.rateLimitedUntil) {
		return nil
	}
	if !m.lastEditTime.IsZero() && now.Sub(m.lastEditTime) < throttleWindow {
		return nil
	}

	display := sanitizeTruncate(candidate + pendingSuffix)
	err := m.adapter.UpdateStreamingResponse(ctx, m.msg, m.messageID, display)
	if err != nil {
		if d, ok := retryAfter(err); ok {
			m.rateLimitedUntil = time.Now().Add(d)
		}
		return nil
	}
	m.lastEditTime = now
	m.lastCommitted = candidate
	return nil
}

// OnToolCallStart commits the currently buffered text as a final edit
// (dropping the pending suffix) and resets the state machine so the next
// text delta opens a fresh message, per spec.md §9: "tool_call_start forces
// a finalizing then jumps back to noMsg".
func (m *StreamManager) OnToolCallStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	content := strings.TrimSpace(m.buffer.String())
	var err error
	if m.open && content != "" {
		err = m.finalCommit(ctx, content)
	}
	m.resetForNextMessage()
	return err
}

// OnToolCallEnd resets the state machine without emitting anything.
func (m *StreamManager) OnToolCallEnd(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.resetForNextMessage()
	return nil
}

func (m *StreamManager) resetForNextMessage() {
	m.open = false
	m.messageID = ""
	m.buffer.Reset()
	m.lastCommitted = ""
	m.lastEditTime = time.Time{}
	m.rateLimitedUntil = time.Time{}
}

// OnAttachments dispatches each attachment as its own platform message.
// Failures are logged and do not stop the remaining attachments
// (spec.md §6 "attachment" row).
func (m *StreamManager) OnAttachments(ctx context.Context, atts []models.Attachment) {
	m.mu.Lock()
	base := *m.msg
	m.mu.Unlock()

	for _, a := range atts {
		out := base
		out.Role = models.RoleAssistant
		out.Direction = models.DirectionOutbound
		out.Attachments = []models.Attachment{a}
		if err := m.adapter.Send(ctx, &out); err != nil {
			m.logger.Warn("attachment send failed", "filename", a.Filename, "error", err)
		}
	}
}

// Finalize ensures a message exists, then performs an untrottled final
// edit (bounded retries honoring a server RetryAfter), and closes the
// state machine.
func (m *StreamManager) Finalize(ctx context.Context, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	defer func() { m.closed = true }()

	trimmed := strings.TrimSpace(content)
	if trimmed == "" && !m.open {
		return nil
	}
	if !m.open {
		id, err := m.adapter.StartStreamingResponse(ctx, m.msg)
		if err != nil {
			return channels.ErrInternal("failed to start streaming response", err)
		}
		m.messageID = id
		m.open = true
	}
	return m.finalCommit(ctx, trimmed)
}

// Error ensures a message exists, then edits it to show the error text in
// place of any partial reply, and closes the state machine.
func (m *StreamManager) Error(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	defer func() { m.closed = true }()

	if !m.open {
		id, err := m.adapter.StartStreamingResponse(ctx, m.msg)
		if err != nil {
			return channels.ErrInternal("failed to start streaming response", err)
		}
		m.messageID = id
		m.open = true
	}
	return m.finalCommit(ctx, "Error: "+text)
}

// finalCommit performs an untrottled edit with up to maxFinalRetries
// attempts, sleeping the server-reported RetryAfter between attempts on a
// 429 and giving up immediately on any other error.
func (m *StreamManager) finalCommit(ctx context.Context, content string) error {
	display := sanitizeTruncate(strings.TrimSpace(content))
	var lastErr error
	for attempt := 0; attempt < maxFinalRetries; attempt++ {
		err := m.adapter.UpdateStreamingResponse(ctx, m.msg, m.messageID, display)
		if err == nil {
			m.lastCommitted = strings.TrimSpace(content)
			m.lastEditTime = time.Now()
			return nil
		}
		lastErr = err
		d, ok := retryAfter(err)
		if !ok {
			break
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func sanitizeTruncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageRunes {
		return s
	}
	cut := maxMessageRunes - len([]rune(truncateSuffix))
	if cut < 0 {
		cut = 0
	}
	return string(r[:cut]) + truncateSuffix
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry.?after[:\s]*([0-9]+)`)

// retryAfter reports whether err is a rate-limit error and, if so, how
// long the caller should wait before trying again. When the upstream error
// text does not carry an explicit duration, a 1s default backoff is used.
func retryAfter(err error) (time.Duration, bool) {
	if err == nil || !isRateLimitError(err) {
		return 0, false
	}
	if m := retryAfterPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	return time.Second, true
}
