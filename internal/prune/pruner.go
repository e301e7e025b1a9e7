// Package prune implements the gateway payload pruner (C3): bounding the
// size of tool-result values and tool-call arguments in a transcript before
// it is sent upstream, while preserving JSON schema shape byte-for-byte
// everywhere else. See spec.md §4.3.
package prune

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/relaykit/core/pkg/models"
)

const (
	// ToolResultMax is the size ceiling for a single tool-result string
	// value (head+tail of the envelope below).
	ToolResultMax  = 64 * 1024
	toolResultHead = 32 * 1024
	toolResultTail = 8 * 1024

	// ToolArgsMax is the size ceiling for a single tool-call's
	// function.arguments string.
	ToolArgsMax  = 16 * 1024
	toolArgsHead = 8 * 1024
	toolArgsTail = 2 * 1024

	prunedMarker = "[memoh pruned]"
)

// Prune returns a pruned copy of messages: history order and length are
// untouched, every part keeps its original "type", and every field other
// than a truncated value (including providerOptions, wherever nested) is
// preserved verbatim. Any message altered by pruning, and every message
// after it, has its usageInputTokens cleared (spec.md §4.3 cache-coherence
// rule, §8 property 4).
func Prune(messages []models.ModelMessage) []models.ModelMessage {
	out := make([]models.ModelMessage, len(messages))
	copy(out, messages)

	firstAltered := -1
	for i := range out {
		altered := pruneMessage(&out[i])
		if altered && firstAltered == -1 {
			firstAltered = i
		}
	}
	if firstAltered >= 0 {
		for i := firstAltered; i < len(out); i++ {
			out[i].ClearUsageTokens()
		}
	}
	return out
}

func pruneMessage(m *models.ModelMessage) bool {
	altered := false

	if m.Role == "tool" {
		trimmed := strings.TrimSpace(string(m.Content))
		switch {
		case strings.HasPrefix(trimmed, "["):
			if newContent, did, err := pruneToolArrayContent(m.Content); err == nil && did {
				m.Content = newContent
				altered = true
			}
		case strings.HasPrefix(trimmed, `"`):
			var s string
			if err := json.Unmarshal(m.Content, &s); err == nil {
				if pruned, did := truncate(s, ToolResultMax, toolResultHead, toolResultTail); did {
					if b, err := json.Marshal(pruned); err == nil {
						m.Content = b
						altered = true
					}
				}
			}
		}
	}

	if len(m.ToolCalls) > 0 {
		calls := append([]models.MessageToolCall(nil), m.ToolCalls...)
		for i := range calls {
			if pruned, did := truncate(calls[i].Function.Arguments, ToolArgsMax, toolArgsHead, toolArgsTail); did {
				calls[i].Function.Arguments = pruned
				altered = true
			}
		}
		m.ToolCalls = calls
	}

	return altered
}

// pruneToolArrayContent prunes the tool-result parts of a Role="tool"
// message's array-form Content, descending into each part's "output" as
// spec.md §4.3 describes. Fields this function does not recognize are
// copied through untouched via the generic map[string]any decode.
func pruneToolArrayContent(content json.RawMessage) (json.RawMessage, bool, error) {
	var parts []map[string]any
	if err := json.Unmarshal(content, &parts); err != nil {
		return content, false, err
	}

	altered := false
	for i, part := range parts {
		if t, _ := part["type"].(string); t != "tool-result" {
			continue
		}
		output, ok := part["output"].(map[string]any)
		if !ok {
			continue
		}
		if pruneOutput(output) {
			altered = true
		}
		part["output"] = output
		parts[i] = part
	}
	if !altered {
		return content, false, nil
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return content, false, err
	}
	return b, true, nil
}

// pruneOutput mutates output in place per its "type" discriminator and
// reports whether anything was truncated.
func pruneOutput(output map[string]any) bool {
	outType, _ := output["type"].(string)
	switch outType {
	case "text", "error-text":
		val, ok := output["value"].(string)
		if !ok {
			return false
		}
		pruned, did := truncate(val, ToolResultMax, toolResultHead, toolResultTail)
		if !did {
			return false
		}
		output["value"] = pruned
		return true

	case "json", "error-json":
		raw, err := json.Marshal(output["value"])
		if err != nil {
			return false
		}
		pruned, did := truncate(string(raw), ToolResultMax, toolResultHead, toolResultTail)
		if !did {
			return false
		}
		// The pruned form is no longer valid JSON for the original type;
		// spec.md §4.3 keeps it as a string in the same schema slot.
		output["value"] = pruned
		return true

	case "content":
		arr, ok := output["value"].([]any)
		if !ok {
			return false
		}
		altered := false
		for i, elemAny := range arr {
			elem, ok := elemAny.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := elem["type"].(string); t != "text" {
				continue
			}
			text, ok := elem["text"].(string)
			if !ok {
				continue
			}
			pruned, did := truncate(text, ToolResultMax, toolResultHead, toolResultTail)
			if !did {
				continue
			}
			elem["text"] = pruned
			arr[i] = elem
			altered = true
		}
		if altered {
			output["value"] = arr
		}
		return altered

	default:
		return false
	}
}

// truncate returns s unchanged if it is within max bytes, otherwise a
// head...tail envelope carrying the literal marker "[memoh pruned]" and the
// original byte length, cut only on UTF-8 rune boundaries.
func truncate(s string, max, head, tail int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	h := utf8SafePrefix(s, head)
	t := utf8SafeSuffix(s, tail)
	return fmt.Sprintf("%s\n[...snip...]\n%s\n%s (original length %d bytes)", h, t, prunedMarker, len(s)), true
}

func utf8SafePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8SafeSuffix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
