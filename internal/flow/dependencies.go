package flow

import (
	"context"
	"time"

	"github.com/relaykit/core/pkg/models"
)

// BotSettings holds the bot-level defaults the resolve step falls back to
// when a request or chat does not override them.
type BotSettings struct {
	ChatModelID        string
	MaxContextLoadTime int // minutes; 0 means "use the package default"
}

// ChatSettings holds the chat-level defaults, checked before BotSettings.
type ChatSettings struct {
	ModelID            string
	MaxContextLoadTime int
}

// ModelRecord is the subset of a configured model's metadata the resolver
// needs: its wire client type and declared input modalities.
type ModelRecord struct {
	ID              string
	Kind            string // must be "chat" for the resolver to accept it
	ClientType      string
	Provider        string
	InputModalities []string
}

// SettingsStore loads bot- and chat-level configuration.
type SettingsStore interface {
	GetBotSettings(ctx context.Context, botID string) (BotSettings, error)
	GetChatSettings(ctx context.Context, chatID string) (ChatSettings, error)
}

// ModelStore resolves a model by ID, and picks a bot's/chat's default model
// when none is explicitly requested.
type ModelStore interface {
	GetModel(ctx context.Context, modelID string) (ModelRecord, error)
}

// MessageStore persists transcript rows and reloads recent history.
type MessageStore interface {
	ListSince(ctx context.Context, chatID string, since time.Time) ([]models.PersistedMessage, error)
	Persist(ctx context.Context, row models.PersistedMessage) error
}

// MemoryMatch is one memory search result.
type MemoryMatch struct {
	ID        string
	Namespace string
	Text      string
	Score     float64
}

// MemoryMessage is one role-tagged message extracted from a completed
// round for memory indexing.
type MemoryMessage struct {
	Role    string
	Content string
}

// MemoryStore backs the memory-context assembly step and post-round
// extraction.
type MemoryStore interface {
	Search(ctx context.Context, filter map[string]string, limit int) ([]MemoryMatch, error)
	Add(ctx context.Context, botID, chatID string, messages []MemoryMessage) error
}

// SkillEntry is one loaded skill, normalized per spec.md §4.4 step 9.
type SkillEntry struct {
	Name        string
	Description string
	Content     string
	Metadata    map[string]any
}

// SkillLoader is the external skill source a bot is configured with.
type SkillLoader interface {
	LoadSkills(ctx context.Context, botID string) ([]SkillEntry, error)
}

// IdentityStore resolves and validates the sender identities StoreRound
// attaches to persisted messages. Existence checks are deliberate: a
// caller-supplied ID that does not resolve is silently demoted to empty
// rather than propagated, so a dangling foreign key is never written
// (spec.md §9 "Identity existence checks").
type IdentityStore interface {
	ChannelIdentityExists(ctx context.Context, id string) bool
	UserExists(ctx context.Context, id string) bool
	LinkedUserID(ctx context.Context, channelIdentityID string) (string, bool)
	DisplayName(ctx context.Context, channelIdentityID, userID string) (string, bool)
}

// ContainerResolver maps a bot to the container/sandbox ID the gateway
// forwards to its tool plugins.
type ContainerResolver interface {
	ContainerIDForBot(ctx context.Context, botID string) (string, bool)
}
