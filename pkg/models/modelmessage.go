package models

import (
	"encoding/json"
	"strings"
)

// ModelMessage is one turn in the transcript exchanged with the agent
// gateway. Content is kept as a raw JSON value (either a JSON string or a
// JSON array of typed parts) rather than a strongly-typed Go union so
// that C3's payload pruner can rewrite specific leaf strings inside a
// tool-result part while preserving every other field byte-for-byte,
// including provider-specific fields this package has no model for.
type ModelMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content"`
	ToolCallID string            `json:"toolCallId,omitempty"`
	ToolCalls  []MessageToolCall `json:"toolCalls,omitempty"`

	// UsageInputTokens is cleared by the payload pruner (C3) whenever this
	// message or an earlier one is altered, since the upstream token count
	// is no longer accurate after pruning. A present-but-null field must
	// still serialize as "usageInputTokens":null, so this is a pointer to
	// a pointer: nil means "field absent", non-nil-pointing-to-nil means
	// "field present and explicitly cleared".
	UsageInputTokens **int `json:"-"`
}

// MessageToolCall mirrors a single assistant tool invocation recorded on
// ToolCalls, distinct from the inline tool-call ContentPart some providers
// emit inside Content itself.
type MessageToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ContentPartType enumerates the discriminated part kinds a tool message's
// array-form Content holds.
type ContentPartType string

const (
	PartText       ContentPartType = "text"
	PartToolCall   ContentPartType = "tool-call"
	PartToolResult ContentPartType = "tool-result"
	PartReasoning  ContentPartType = "reasoning"
	PartImage      ContentPartType = "image"
)

// ToolResultOutputType enumerates the output.type discriminator the
// pruner (C3) inspects inside a tool-result part.
type ToolResultOutputType string

const (
	OutputText      ToolResultOutputType = "text"
	OutputErrorText ToolResultOutputType = "error-text"
	OutputJSON      ToolResultOutputType = "json"
	OutputErrorJSON ToolResultOutputType = "error-json"
	OutputContent   ToolResultOutputType = "content"
)

// NewTextContent builds a plain JSON-string content value.
func NewTextContent(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

// NewPartsContent marshals a slice of generic parts (map[string]any) into
// an array-form content value.
func NewPartsContent(parts []map[string]any) json.RawMessage {
	if parts == nil {
		parts = []map[string]any{}
	}
	b, _ := json.Marshal(parts)
	return b
}

// TextContent extracts the visible text from a message: the plain string
// form verbatim, or the concatenation of "text"-typed parts from the array
// form. Any decode failure yields "".
func (m ModelMessage) TextContent() string {
	trimmed := strings.TrimSpace(string(m.Content))
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			return s
		}
		return ""
	}
	var parts []map[string]any
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if t, _ := p["type"].(string); t == string(PartText) {
			if text, ok := p["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	return sb.String()
}

// HasContent reports whether the message carries any visible payload.
func (m ModelMessage) HasContent() bool {
	trimmed := strings.TrimSpace(string(m.Content))
	if trimmed == "" || trimmed == "null" {
		return false
	}
	if trimmed[0] == '"' {
		return strings.TrimSpace(m.TextContent()) != ""
	}
	return trimmed != "[]"
}

// IsArrayContent reports whether Content is a JSON array (the shape
// required of a Role="tool" message per the package invariant).
func (m ModelMessage) IsArrayContent() bool {
	trimmed := strings.TrimSpace(string(m.Content))
	return strings.HasPrefix(trimmed, "[")
}

// messageAlias avoids infinite recursion in custom (Un)MarshalJSON below.
type messageAlias ModelMessage

// messageWire is the wire shape including the optional, nullable
// usageInputTokens field that ModelMessage models with a **int.
type messageWire struct {
	messageAlias
	UsageInputTokens json.RawMessage `json:"usageInputTokens,omitempty"`
}

// MarshalJSON emits usageInputTokens only when the field was set (present,
// possibly explicitly null) on this message.
func (m ModelMessage) MarshalJSON() ([]byte, error) {
	w := messageWire{messageAlias: messageAlias(m)}
	if m.UsageInputTokens != nil {
		if *m.UsageInputTokens == nil {
			w.UsageInputTokens = []byte("null")
		} else {
			b, err := json.Marshal(**m.UsageInputTokens)
			if err != nil {
				return nil, err
			}
			w.UsageInputTokens = b
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON records whether usageInputTokens was present on the wire
// so MarshalJSON can round-trip the distinction between "absent" and
// "present and null".
func (m *ModelMessage) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = ModelMessage(w.messageAlias)
	if w.UsageInputTokens == nil {
		m.UsageInputTokens = nil
		return nil
	}
	if strings.TrimSpace(string(w.UsageInputTokens)) == "null" {
		var nilInt *int
		m.UsageInputTokens = &nilInt
		return nil
	}
	var v int
	if err := json.Unmarshal(w.UsageInputTokens, &v); err != nil {
		return err
	}
	vp := &v
	m.UsageInputTokens = &vp
	return nil
}

// ClearUsageTokens marks usageInputTokens as present-and-null, the
// pruner's cache-coherence action.
func (m *ModelMessage) ClearUsageTokens() {
	var nilInt *int
	m.UsageInputTokens = &nilInt
}
