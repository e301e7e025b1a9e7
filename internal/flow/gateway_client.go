package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/relaykit/core/internal/backoff"
	"github.com/relaykit/core/internal/sse"
	"github.com/relaykit/core/pkg/models"
)

// logTruncateBytes bounds how much of a gateway response/request body is
// logged on error, grounded on the conversation-flow-resolver reference's
// 200-byte truncated error logging.
const logTruncateBytes = 200

func (r *Resolver) newRequest(ctx context.Context, method, path string, body []byte, token string) (*http.Request, error) {
	url := strings.TrimRight(r.gatewayBaseURL, "/") + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// postChat posts payload to the gateway's blocking /chat/ endpoint,
// retrying transient/rate-limited failures per the resolver's retry policy.
func (r *Resolver) postChat(ctx context.Context, payload any, token string) (gatewayResponse, error) {
	return retryGatewayCall(ctx, r, func() (gatewayResponse, error) {
		return r.postChatOnce(ctx, payload, token)
	})
}

// retryGatewayCall retries call up to r.maxAttempts times, sleeping between
// attempts per r.retryPolicy, but only for errors call's *Error reports as
// IsRetryable (ErrCodeTransient/ErrCodeRateLimited) — a validation or
// gateway-parse failure is returned immediately.
func retryGatewayCall(ctx context.Context, r *Resolver, call func() (gatewayResponse, error)) (gatewayResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		fe, ok := err.(*Error)
		if !ok || !fe.IsRetryable() || attempt == r.maxAttempts {
			return gatewayResponse{}, err
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, r.retryPolicy, attempt); sleepErr != nil {
			return gatewayResponse{}, sleepErr
		}
	}
	return gatewayResponse{}, lastErr
}

func (r *Resolver) postChatOnce(ctx context.Context, payload any, token string) (gatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewayResponse{}, FailGatewayParse("marshal gateway request", err)
	}

	httpReq, err := r.newRequest(ctx, http.MethodPost, "/chat/", body, token)
	if err != nil {
		return gatewayResponse{}, FailGateway("build gateway request", err)
	}

	client := r.httpClient
	resp, err := client.Do(httpReq)
	if err != nil {
		return gatewayResponse{}, FailTransient("call agent gateway", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayResponse{}, FailTransient("read gateway response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Error("agent gateway returned non-2xx", "status", resp.StatusCode, "body", truncateForLog(respBody))
		return gatewayResponse{}, FailGateway(fmt.Sprintf("agent gateway error: %s", truncateForLog(respBody)), nil)
	}

	var out gatewayResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return gatewayResponse{}, FailGatewayParse("decode gateway response", err)
	}
	return out, nil
}

// postTriggerSchedule posts to /chat/trigger-schedule, retried the same way
// as postChat.
func (r *Resolver) postTriggerSchedule(ctx context.Context, payload triggerScheduleRequest, token string) (gatewayResponse, error) {
	return retryGatewayCall(ctx, r, func() (gatewayResponse, error) {
		return r.postTriggerScheduleOnce(ctx, payload, token)
	})
}

func (r *Resolver) postTriggerScheduleOnce(ctx context.Context, payload triggerScheduleRequest, token string) (gatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewayResponse{}, FailGatewayParse("marshal trigger-schedule request", err)
	}
	httpReq, err := r.newRequest(ctx, http.MethodPost, "/chat/trigger-schedule", body, token)
	if err != nil {
		return gatewayResponse{}, FailGateway("build trigger-schedule request", err)
	}
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return gatewayResponse{}, FailTransient("call agent gateway", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayResponse{}, FailTransient("read gateway response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayResponse{}, FailGateway(fmt.Sprintf("agent gateway error: %s", truncateForLog(respBody)), nil)
	}
	var out gatewayResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return gatewayResponse{}, FailGatewayParse("decode gateway response", err)
	}
	return out, nil
}

// openStream posts to /chat/stream and returns the live response for the
// caller to decode with internal/sse, requesting an SSE stream per
// spec.md §4.1.
func (r *Resolver) openStream(ctx context.Context, payload any, token string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, FailGatewayParse("marshal gateway request", err)
	}
	httpReq, err := r.newRequest(ctx, http.MethodPost, "/chat/stream", body, token)
	if err != nil {
		return nil, FailGateway("build gateway stream request", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, FailTransient("open gateway stream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, logTruncateBytes))
		return nil, FailGateway(fmt.Sprintf("agent gateway stream error: %s", truncateForLog(respBody)), nil)
	}
	return resp, nil
}

func truncateForLog(b []byte) string {
	if len(b) <= logTruncateBytes {
		return string(b)
	}
	return string(b[:logTruncateBytes]) + "..."
}

// parseStreamEvent decodes one SSE event into the normalized StreamEvent,
// preferring the SSE "event:" field for the type and falling back to a
// "type" key inside the JSON payload. Raw carries the exact data: bytes
// verbatim for downstream duck-typed inspection (spec.md §9).
func parseStreamEvent(ev sse.Event) models.StreamEvent {
	var se models.StreamEvent
	_ = json.Unmarshal(ev.Data, &se)
	if ev.Type != "" {
		se.Type = models.StreamEventType(ev.Type)
	} else if se.Type == "" {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(ev.Data, &probe)
		se.Type = models.StreamEventType(probe.Type)
	}
	se.Raw = append(json.RawMessage(nil), ev.Data...)
	return se
}

// decodeGatewayEnvelope implements spec.md §9's duck-typed triple fallback
// for detecting the terminal envelope's persisted-message payload:
//  1. an "event: done" SSE event whose data is {messages}
//  2. a {type, data, messages, skills} envelope where type is "agent_end"
//     or "done" and messages is populated directly, or type is "done" with
//     messages nested inside "data"
//  3. a bare {messages} fallback
//
// Each shape is tried in full; a shape that parses but yields no messages
// falls through to the next rather than being treated as a match.
func decodeGatewayEnvelope(ev sse.Event) ([]models.ModelMessage, bool) {
	if ev.Type == "done" {
		var withMessages struct {
			Messages []models.ModelMessage `json:"messages"`
		}
		if err := json.Unmarshal(ev.Data, &withMessages); err == nil && len(withMessages.Messages) > 0 {
			return withMessages.Messages, true
		}
	}

	var envelope struct {
		Type     string                 `json:"type"`
		Data     json.RawMessage        `json:"data"`
		Messages []models.ModelMessage  `json:"messages"`
		Skills   []string               `json:"skills"`
	}
	if err := json.Unmarshal(ev.Data, &envelope); err == nil {
		if (envelope.Type == "agent_end" || envelope.Type == "done") && len(envelope.Messages) > 0 {
			return envelope.Messages, true
		}
		if envelope.Type == "done" && len(envelope.Data) > 0 {
			var inner struct {
				Messages []models.ModelMessage `json:"messages"`
			}
			if err := json.Unmarshal(envelope.Data, &inner); err == nil && len(inner.Messages) > 0 {
				return inner.Messages, true
			}
		}
	}

	var bare struct {
		Messages []models.ModelMessage `json:"messages"`
	}
	if err := json.Unmarshal(ev.Data, &bare); err == nil && len(bare.Messages) > 0 {
		return bare.Messages, true
	}
	return nil, false
}
