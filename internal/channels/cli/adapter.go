// Package cli provides a minimal stdin/stdout channel adapter, grounded
// in the same channels.Adapter/InboundAdapter/OutboundAdapter shape the
// teacher's platform-backed adapters (nostr, mattermost, telegram) follow,
// for local/offline exercise of the flow resolver without a live chat
// platform (SPEC_FULL.md §3 "CLI channel").
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/core/internal/channels"
	"github.com/relaykit/core/pkg/models"
)

// sessionChatID is the fixed conversation identity a CLI session maps to;
// there is exactly one "chat" per adapter instance.
const sessionChatID = "cli"

// Config configures the CLI adapter.
type Config struct {
	// In is the reader lines are scanned from (defaults to os.Stdin at
	// construction time if nil).
	In io.Reader
	// Out is the writer replies are printed to (defaults to os.Stdout).
	Out io.Writer
	// Prompt is printed before each read, when In is a terminal-like
	// stream; left empty to disable.
	Prompt string
	Logger *slog.Logger
}

// Adapter implements channels.Adapter/LifecycleAdapter/InboundAdapter/
// OutboundAdapter/HealthAdapter by scanning lines from In and writing
// replies to Out.
type Adapter struct {
	cfg      Config
	messages chan *models.Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	outMu    sync.Mutex
	logger   *slog.Logger
	health   *channels.BaseHealthAdapter
}

// New creates a CLI adapter.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		messages: make(chan *models.Message, 8),
		logger:   cfg.Logger,
		health:   channels.NewBaseHealthAdapter(models.ChannelCLI, cfg.Logger),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelCLI }

// Messages implements channels.InboundAdapter.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Start implements channels.LifecycleAdapter: it begins scanning In for
// lines and emits one inbound models.Message per non-empty line.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.health.SetStatus(true, "")

	a.wg.Add(1)
	go a.scan(runCtx)
	return nil
}

// Stop implements channels.LifecycleAdapter.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.health.SetStatus(false, "")
	close(a.messages)
	return nil
}

func (a *Adapter) scan(ctx context.Context) {
	defer a.wg.Done()
	scanner := bufio.NewScanner(a.cfg.In)
	lines := make(chan string)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		if a.cfg.Prompt != "" {
			a.writeRaw(a.cfg.Prompt)
		}
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			msg := &models.Message{
				ID:        uuid.NewString(),
				Channel:   models.ChannelCLI,
				ChannelID: sessionChatID,
				Direction: models.DirectionInbound,
				Role:      models.RoleUser,
				Content:   line,
				CreatedAt: time.Now(),
			}
			a.health.RecordMessageReceived()
			select {
			case a.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Send implements channels.OutboundAdapter by writing the message content
// to Out.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil
	}
	a.writeRaw(msg.Content + "\n")
	for _, att := range msg.Attachments {
		a.writeRaw(fmt.Sprintf("[attachment: %s (%s)]\n", att.Filename, att.URL))
	}
	a.health.RecordMessageSent()
	return nil
}

func (a *Adapter) writeRaw(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprint(a.cfg.Out, s)
}

// Status implements channels.HealthAdapter.
func (a *Adapter) Status() channels.Status { return a.health.Status() }

// HealthCheck implements channels.HealthAdapter.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics implements channels.HealthAdapter.
func (a *Adapter) Metrics() channels.MetricsSnapshot { return a.health.Metrics() }
