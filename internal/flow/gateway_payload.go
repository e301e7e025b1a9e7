package flow

import "github.com/relaykit/core/pkg/models"

// gatewayModelConfig is the model selection the resolver forwards to the
// agent gateway: which wire client to speak and which input modalities it
// declared, so the gateway need not re-resolve the model record itself.
type gatewayModelConfig struct {
	ModelID    string   `json:"modelId"`
	ClientType string   `json:"clientType"`
	Input      []string `json:"input"`
}

// gatewayIdentity carries the routing/identity context the gateway needs to
// persist and display its own reply, without the resolver exposing its
// internal identity store to the gateway process.
type gatewayIdentity struct {
	BotID                   string `json:"botId"`
	ChannelIdentityID       string `json:"channelIdentityId,omitempty"`
	DisplayName             string `json:"displayName,omitempty"`
	CurrentPlatform         string `json:"currentPlatform,omitempty"`
	ConversationType        string `json:"conversationType,omitempty"`
	ContainerID             string `json:"containerId,omitempty"`
}

type gatewaySkill struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// gatewayRequest is the payload posted to the agent gateway's /chat/ and
// /chat/stream endpoints, per spec.md §4.4 step 10.
type gatewayRequest struct {
	Model              gatewayModelConfig     `json:"model"`
	ActiveContextTime  int                    `json:"activeContextTime,omitempty"`
	Channels           []string               `json:"channels,omitempty"`
	CurrentChannel     string                 `json:"currentChannel,omitempty"`
	AllowedActions     []string               `json:"allowedActions,omitempty"`
	Messages           []models.ModelMessage  `json:"messages"`
	Skills             []string               `json:"skills,omitempty"`
	UsableSkills       []gatewaySkill         `json:"usableSkills,omitempty"`
	Query              string                 `json:"query,omitempty"`
	Identity           gatewayIdentity        `json:"identity"`
	Attachments        []models.ChatAttachment `json:"attachments"`
}

type gatewayResponse struct {
	Messages []models.ModelMessage `json:"messages"`
	Skills   []string              `json:"skills"`
}

// gatewaySchedule mirrors spec.md's SchedulePayload on the wire.
type gatewaySchedule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	MaxCalls    *int   `json:"maxCalls,omitempty"`
	Command     string `json:"command"`
}

type triggerScheduleRequest struct {
	gatewayRequest
	Schedule gatewaySchedule `json:"schedule"`
}
