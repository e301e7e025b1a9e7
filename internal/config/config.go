// Package config loads the gateway's YAML configuration (with $include
// merging via loader.go, grounded on the teacher's own include-resolution
// style) into a Config scoped to what this repository actually runs:
// channel adapter credentials, the flow resolver's gateway/store/memory/
// skills collaborators, observability, and cron schedules.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relaykit/core/internal/memory"
	"github.com/relaykit/core/internal/skills"
)

// Config is the top-level, fully-decoded configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Store         StoreConfig         `yaml:"store"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Bots          map[string]BotConfig `yaml:"bots"`
	Models        []ModelConfig       `yaml:"models"`
	Memory        memory.Config       `yaml:"memory"`
	Skills        skills.SkillsConfig `yaml:"skills"`
	Observability ObservabilityConfig `yaml:"observability"`
	Cron          CronConfig          `yaml:"cron"`
}

// ServerConfig configures the optional local admin/health HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// GatewayConfig points the flow resolver (C4) at the external agent
// gateway it drives over HTTP.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig selects and configures the transcript message store
// (internal/flowstore).
type StoreConfig struct {
	Driver string `yaml:"driver"` // "postgres" (default) — flowstore.PostgresMessages
	DSN    string `yaml:"dsn"`
}

// ChannelsConfig holds one optional config block per supported channel
// adapter; a nil/zero-value block is simply not registered at startup.
type ChannelsConfig struct {
	Telegram   *TelegramConfig   `yaml:"telegram,omitempty"`
	Discord    *DiscordConfig    `yaml:"discord,omitempty"`
	Slack      *SlackConfig      `yaml:"slack,omitempty"`
	WhatsApp   *WhatsAppConfig   `yaml:"whatsapp,omitempty"`
	Matrix     *MatrixConfig     `yaml:"matrix,omitempty"`
	Mattermost *MattermostConfig `yaml:"mattermost,omitempty"`
	Nostr      *NostrConfig      `yaml:"nostr,omitempty"`
	Email      *EmailConfig      `yaml:"email,omitempty"`
	CLI        *CLIConfig        `yaml:"cli,omitempty"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type WhatsAppConfig struct {
	SessionPath  string `yaml:"session_path"`
	MediaPath    string `yaml:"media_path"`
	SyncContacts bool   `yaml:"sync_contacts"`
}

type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	BotToken  string `yaml:"bot_token"`
	TeamName  string `yaml:"team_name"`
}

type NostrConfig struct {
	PrivateKey string   `yaml:"private_key"`
	Relays     []string `yaml:"relays"`
}

type EmailConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Mailbox      string `yaml:"mailbox"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type CLIConfig struct {
	Prompt string `yaml:"prompt"`
}

// BotConfig is the resolver's per-bot default settings
// (flow.BotSettings), keyed by bot ID in Config.Bots.
type BotConfig struct {
	ChatModelID        string `yaml:"chat_model_id"`
	MaxContextLoadTime int    `yaml:"max_context_load_time"`
}

// ModelConfig is one entry of the static model catalog
// (flow.ModelRecord).
type ModelConfig struct {
	ID              string   `yaml:"id"`
	Kind            string   `yaml:"kind"`
	ClientType      string   `yaml:"client_type"`
	Provider        string   `yaml:"provider"`
	InputModalities []string `yaml:"input_modalities"`
}

// ObservabilityConfig configures logging, metrics, and tracing
// (internal/observability).
type ObservabilityConfig struct {
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// CronConfig and its Job* fields mirror the shape internal/cron's
// Scheduler/buildJob already decode (internal/cron/types.go,
// internal/cron/scheduler.go), reproduced here now that this package no
// longer carries the teacher's full schema.
type CronConfig struct {
	Jobs []CronJobConfig `yaml:"jobs"`
}

type CronJobConfig struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Type     string             `yaml:"type"`
	Enabled  bool               `yaml:"enabled"`
	Schedule CronScheduleConfig `yaml:"schedule"`
	Message  *CronMessageConfig `yaml:"message,omitempty"`
	Webhook  *CronWebhookConfig `yaml:"webhook,omitempty"`
	Custom   *CronCustomConfig  `yaml:"custom,omitempty"`
	Retry    CronRetryConfig    `yaml:"retry"`
}

type CronScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`
}

type CronMessageConfig struct {
	Channel   string         `yaml:"channel"`
	ChannelID string         `yaml:"channel_id"`
	Content   string         `yaml:"content"`
	Template  string         `yaml:"template"`
	Data      map[string]any `yaml:"data"`
	Tools     []string       `yaml:"tools,omitempty"`
}

type CronWebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Timeout time.Duration     `yaml:"timeout"`
	Auth    *CronWebhookAuth  `yaml:"auth,omitempty"`
}

type CronWebhookAuth struct {
	Type   string `yaml:"type"`
	Token  string `yaml:"token,omitempty"`
	User   string `yaml:"user,omitempty"`
	Pass   string `yaml:"pass,omitempty"`
	Header string `yaml:"header,omitempty"`
}

type CronCustomConfig struct {
	Handler string         `yaml:"handler"`
	Args    map[string]any `yaml:"args"`
}

type CronRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Load reads and merges path (resolving $include directives per
// loader.go), decodes it into a Config, applies defaults, applies
// RELAY_-prefixed environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 30 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "relay-gateway"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// applyEnvOverrides lets deployment secrets stay out of the config file,
// following the teacher's own env-override convention of layering process
// environment on top of the decoded file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("RELAY_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("RELAY_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RELAY_TELEGRAM_BOT_TOKEN"); v != "" && cfg.Channels.Telegram != nil {
		cfg.Channels.Telegram.BotToken = v
	}
}

// ValidationError reports a config value that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return &ValidationError{Field: "gateway.base_url", Reason: "required"}
	}
	switch cfg.Store.Driver {
	case "postgres", "sqlite":
	default:
		return &ValidationError{Field: "store.driver", Reason: "must be postgres or sqlite"}
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" {
		return &ValidationError{Field: "store.dsn", Reason: "required"}
	}
	return nil
}
