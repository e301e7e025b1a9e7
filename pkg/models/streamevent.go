package models

import "encoding/json"

// StreamEventType identifies the kind of event the flow resolver (C4)
// emits to a channel orchestrator (C6) while resolving one streaming
// round. See spec.md §3 "Stream event" for the full tagged union and its
// start/end balance invariants.
type StreamEventType string

const (
	StreamAgentStart     StreamEventType = "agent_start"
	StreamReasoningStart StreamEventType = "reasoning_start"
	StreamReasoningDelta StreamEventType = "reasoning_delta"
	StreamReasoningEnd   StreamEventType = "reasoning_end"
	StreamTextStart      StreamEventType = "text_start"
	StreamTextDelta      StreamEventType = "text_delta"
	StreamTextEnd        StreamEventType = "text_end"
	StreamToolCallStart  StreamEventType = "tool_call_start"
	StreamToolCallEnd    StreamEventType = "tool_call_end"
	StreamAttachmentDelta StreamEventType = "attachment_delta"
	StreamAgentEnd       StreamEventType = "agent_end"
	StreamError          StreamEventType = "error"
)

// StreamEvent is the normalized event the resolver forwards downstream.
// Exactly one of the optional payload fields is populated, matching
// Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// reasoning_delta / text_delta
	Delta string `json:"delta,omitempty"`

	// tool_call_start / tool_call_end
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// attachment_delta
	Attachments []ChatAttachment `json:"attachments,omitempty"`

	// agent_end
	Messages []ModelMessage `json:"messages,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	Usage     *UsageSummary `json:"usage,omitempty"`
	Skills    []string      `json:"skills,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// Raw is the exact bytes of the gateway SSE "data:" payload this event
	// was decoded from, forwarded verbatim by C4 alongside the typed form
	// (spec.md §4.4 "forwards each SSE data: payload verbatim and
	// inspects it").
	Raw json.RawMessage `json:"-"`
}

// UsageSummary carries token accounting reported on agent_end.
type UsageSummary struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// IsTerminal reports whether this event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == StreamAgentEnd || e.Type == StreamError
}
