package models

import "time"

// AttachmentType enumerates the attachment kinds a ChatRequest may carry.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentFile  AttachmentType = "file"
)

// ConversationType distinguishes a one-on-one chat from a group chat.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ChatAttachment is one inbound or outbound attachment reference attached
// to a ChatRequest. Exactly one of Base64, Path, URL, or ContentHash is
// normally populated; callers that supply more than one leave the router
// to pick in the priority order documented on Route.
type ChatAttachment struct {
	Type        AttachmentType `json:"type"`
	Base64      string         `json:"base64,omitempty"`
	Path        string         `json:"path,omitempty"`
	URL         string         `json:"url,omitempty"`
	ContentHash string         `json:"contentHash,omitempty"`
	Mime        string         `json:"mime,omitempty"`
	Name        string         `json:"name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ChatRequest is the input to the flow resolver (C4). It is produced by a
// channel orchestrator (C6) from an inbound platform message, or directly
// by the inbound HTTP API.
type ChatRequest struct {
	BotID  string `json:"botId"`
	ChatID string `json:"chatId"`

	Query       string           `json:"query,omitempty"`
	Attachments []ChatAttachment `json:"attachments,omitempty"`
	Messages    []ModelMessage   `json:"messages,omitempty"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	Skills []string `json:"skills,omitempty"`

	Channels         []string         `json:"channels,omitempty"`
	CurrentChannel   string           `json:"currentChannel,omitempty"`
	ConversationType ConversationType `json:"conversationType,omitempty"`

	SourceChannelIdentityID string `json:"sourceChannelIdentityId,omitempty"`
	UserID                  string `json:"userId,omitempty"`
	DisplayName             string `json:"displayName,omitempty"`
	ExternalMessageID       string `json:"externalMessageId,omitempty"`
	RouteID                 string `json:"routeId,omitempty"`
	ContainerID             string `json:"containerId,omitempty"`

	Token string `json:"-"`

	// MaxContextLoadTime is minutes of history to include. Negative means
	// skip history entirely; zero/unset means use the bot's configured
	// default (24h).
	MaxContextLoadTime int `json:"maxContextLoadTime,omitempty"`

	// UserMessagePersisted is set once the resolver has durably written the
	// user's turn, so a retried StreamChat call does not duplicate it.
	UserMessagePersisted bool `json:"-"`
}

// ChatResponse is the blocking Chat() result.
type ChatResponse struct {
	Messages []ModelMessage `json:"messages"`
	Skills   []string       `json:"skills"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
}

// SchedulePayload is the trigger-schedule sub-object forwarded to the
// gateway's /chat/trigger-schedule endpoint.
type SchedulePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	MaxCalls    *int   `json:"maxCalls,omitempty"`
	Command     string `json:"command"`
	OwnerUserID string `json:"-"`
}

// PersistedMessage is a single row returned by a message store's
// ListSince, carrying enough metadata to reconstruct a ModelMessage and
// the routing/identity context it was recorded with.
type PersistedMessage struct {
	ID                      string
	BotID                   string
	ChatID                  string
	Role                    string
	Content                 []byte // marshaled ModelMessage
	RouteID                 string
	Platform                string
	SenderChannelIdentityID string
	SenderUserID            string
	ExternalMessageID       string
	SourceReplyToMessageID  string
	CreatedAt               time.Time
}
