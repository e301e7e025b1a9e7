package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaykit/core/internal/backoff"
	"github.com/relaykit/core/internal/channels"
	"github.com/relaykit/core/internal/channels/cli"
	"github.com/relaykit/core/internal/channels/discord"
	"github.com/relaykit/core/internal/channels/email"
	"github.com/relaykit/core/internal/channels/matrix"
	"github.com/relaykit/core/internal/channels/mattermost"
	"github.com/relaykit/core/internal/channels/nostr"
	"github.com/relaykit/core/internal/channels/slack"
	"github.com/relaykit/core/internal/channels/telegram"
	"github.com/relaykit/core/internal/channels/whatsapp"
	"github.com/relaykit/core/internal/config"
	"github.com/relaykit/core/internal/cron"
	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/internal/flowstore"
	"github.com/relaykit/core/internal/identity"
	"github.com/relaykit/core/internal/memory"
	"github.com/relaykit/core/internal/observability"
	"github.com/relaykit/core/internal/orchestrator"
	"github.com/relaykit/core/internal/sessions"
	"github.com/relaykit/core/internal/skills"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway",
		Long: `Start the relay gateway with all configured channel adapters.

The server will:
1. Load configuration from the specified file
2. Connect to the transcript store and optional memory/skills backends
3. Start every channel adapter named under "channels:"
4. Drive inbound messages through the flow resolver and stream replies back
5. Run any configured cron jobs

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Observability)
	slog.SetDefault(logger)
	logger.Info("starting relay gateway", "version", version, "commit", commit, "config", configPath)

	messages, closeMessages, err := newMessageStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("init message store: %w", err)
	}
	defer closeMessages()

	memManager, err := memory.NewManager(&cfg.Memory)
	if err != nil {
		return fmt.Errorf("init memory manager: %w", err)
	}
	skillManager, err := skills.NewManager(&cfg.Skills, "", nil)
	if err != nil {
		return fmt.Errorf("init skills manager: %w", err)
	}
	sessionStore, err := newSessionStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	identityStore := identity.NewMemoryStore()
	settings := flowstore.NewConfigSettingsStore(cfg)

	resolver := flow.NewResolver(settings, settings, messages,
		flow.WithGatewayBaseURL(cfg.Gateway.BaseURL),
		flow.WithTimeout(cfg.Gateway.Timeout),
		flow.WithLogger(logger),
		flow.WithRetryPolicy(backoff.BackoffPolicy{InitialMs: 500, MaxMs: 10000, Factor: 2, Jitter: 0.2}, 3),
	)
	resolver.
		WithMemory(flowstore.NewMemoryAdapter(memManager)).
		WithSkills(flowstore.NewSkillsAdapter(skillManager)).
		WithIdentity(flowstore.NewIdentityAdapter(identityStore)).
		WithContainer(flowstore.NewContainerAdapter(sessionStore))

	registry := channels.NewRegistry()
	if err := registerChannels(registry, cfg.Channels, logger); err != nil {
		return fmt.Errorf("register channels: %w", err)
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	orch := orchestrator.New(registry, resolver,
		orchestrator.WithLogger(logger),
		orchestrator.WithObservability(metrics, tracer),
	)

	scheduler, err := cron.NewScheduler(cfg.Cron,
		cron.WithLogger(logger),
		cron.WithAgentRunner(cron.NewFlowRunner(resolver, registry, cfg.Gateway.Token)),
	)
	if err != nil {
		return fmt.Errorf("init cron scheduler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	orch.Start(ctx)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", cfg.Observability.MetricsAddr)
	}

	logger.Info("relay gateway started")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	orch.Stop()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("cron scheduler shutdown error", "error", err)
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("relay gateway stopped")
	return nil
}

func newLogger(cfg config.ObservabilityConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: observability.LogLevelFromString(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// newMessageStore opens the transcript store named by cfg.Driver. "postgres"
// is the only backend flowstore implements today (flowstore.PostgresMessages);
// any other driver is a configuration error.
func newMessageStore(ctx context.Context, cfg config.StoreConfig) (flow.MessageStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := flowstore.NewPostgresMessages(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// newSessionStore backs the container resolver (flowstore.ContainerAdapter).
// It reuses the transcript store's DSN for the postgres driver; any other
// driver falls back to an in-process store, since the container-routing
// lookup it serves is best-effort.
func newSessionStore(cfg config.StoreConfig) (sessions.Store, error) {
	if cfg.Driver == "postgres" && cfg.DSN != "" {
		return sessions.NewCockroachStoreFromDSN(cfg.DSN, nil)
	}
	return sessions.NewMemoryStore(), nil
}

func registerChannels(registry *channels.Registry, cfg config.ChannelsConfig, logger *slog.Logger) error {
	if cfg.Telegram != nil {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token: cfg.Telegram.BotToken,
			Mode:  telegram.ModeLongPolling,
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Discord != nil {
		adapter, err := discord.NewAdapter(discord.Config{Token: cfg.Discord.BotToken})
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Slack != nil {
		registry.Register(slack.NewAdapter(slack.Config{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
		}))
	}
	if cfg.WhatsApp != nil {
		adapter, err := whatsapp.New(&whatsapp.Config{
			SessionPath:  cfg.WhatsApp.SessionPath,
			MediaPath:    cfg.WhatsApp.MediaPath,
			SyncContacts: cfg.WhatsApp.SyncContacts,
		}, logger)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Matrix != nil {
		adapter, err := matrix.NewAdapter(matrix.Config{
			Homeserver:  cfg.Matrix.HomeserverURL,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
		})
		if err != nil {
			return fmt.Errorf("matrix: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Mattermost != nil {
		adapter, err := mattermost.NewAdapter(mattermost.Config{
			ServerURL: cfg.Mattermost.ServerURL,
			Token:     cfg.Mattermost.BotToken,
			TeamName:  cfg.Mattermost.TeamName,
		})
		if err != nil {
			return fmt.Errorf("mattermost: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Nostr != nil {
		adapter, err := nostr.NewAdapter(nostr.Config{
			PrivateKey: cfg.Nostr.PrivateKey,
			Relays:     cfg.Nostr.Relays,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("nostr: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Email != nil {
		adapter, err := email.NewAdapter(email.Config{
			TenantID:     cfg.Email.TenantID,
			ClientID:     cfg.Email.ClientID,
			ClientSecret: cfg.Email.ClientSecret,
			UserEmail:    cfg.Email.Mailbox,
			PollInterval: cfg.Email.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.CLI != nil {
		registry.Register(cli.New(cli.Config{
			In:     os.Stdin,
			Out:    os.Stdout,
			Prompt: cfg.CLI.Prompt,
			Logger: logger,
		}))
	}
	return nil
}
