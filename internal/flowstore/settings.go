package flowstore

import (
	"context"
	"fmt"

	"github.com/relaykit/core/internal/config"
	"github.com/relaykit/core/internal/flow"
)

// ConfigSettingsStore implements flow.SettingsStore and flow.ModelStore over
// the static config.Config.Bots/Models tables. Unlike the other adapters in
// this package, there is no teacher subsystem to wrap: config.BotConfig and
// config.ModelConfig were already shaped to mirror flow.BotSettings and
// flow.ModelRecord field-for-field, so this is a direct lookup rather than a
// bridge over a richer backend.
//
// There is no per-chat settings source in config.Config, so GetChatSettings
// always returns the zero value; the resolver treats an empty ChatSettings as
// "no chat-level override" and falls back to the bot defaults.
type ConfigSettingsStore struct {
	bots   map[string]config.BotConfig
	models map[string]config.ModelConfig
}

// NewConfigSettingsStore indexes cfg's bot and model tables by ID.
func NewConfigSettingsStore(cfg *config.Config) *ConfigSettingsStore {
	models := make(map[string]config.ModelConfig, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m.ID] = m
	}
	return &ConfigSettingsStore{bots: cfg.Bots, models: models}
}

// GetBotSettings implements flow.SettingsStore.
func (s *ConfigSettingsStore) GetBotSettings(ctx context.Context, botID string) (flow.BotSettings, error) {
	bot, ok := s.bots[botID]
	if !ok {
		return flow.BotSettings{}, fmt.Errorf("bot %q not configured", botID)
	}
	return flow.BotSettings{
		ChatModelID:        bot.ChatModelID,
		MaxContextLoadTime: bot.MaxContextLoadTime,
	}, nil
}

// GetChatSettings implements flow.SettingsStore. See type doc: config.Config
// carries no per-chat overrides, so this always returns the zero value.
func (s *ConfigSettingsStore) GetChatSettings(ctx context.Context, chatID string) (flow.ChatSettings, error) {
	return flow.ChatSettings{}, nil
}

// GetModel implements flow.ModelStore.
func (s *ConfigSettingsStore) GetModel(ctx context.Context, modelID string) (flow.ModelRecord, error) {
	model, ok := s.models[modelID]
	if !ok {
		return flow.ModelRecord{}, fmt.Errorf("model %q not configured", modelID)
	}
	return flow.ModelRecord{
		ID:              model.ID,
		Kind:            model.Kind,
		ClientType:      model.ClientType,
		Provider:        model.Provider,
		InputModalities: model.InputModalities,
	}, nil
}

var (
	_ flow.SettingsStore = (*ConfigSettingsStore)(nil)
	_ flow.ModelStore    = (*ConfigSettingsStore)(nil)
)
