package flow

import (
	"context"

	"github.com/relaykit/core/internal/sse"
	"github.com/relaykit/core/pkg/models"
)

// Chat implements the blocking operation: resolve, call the gateway once,
// persist the round, and return the transcript.
func (r *Resolver) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	resolved, err := r.resolve(ctx, req)
	if err != nil {
		return models.ChatResponse{}, err
	}

	if !req.UserMessagePersisted {
		if err := r.persistUserMessage(ctx, req); err != nil {
			r.logger.Warn("persistUserMessage failed", "chat_id", req.ChatID, "error", err)
		}
		req.UserMessagePersisted = true
	}

	resp, err := r.postChat(ctx, resolved.payload, req.Token)
	if err != nil {
		return models.ChatResponse{}, err
	}

	if err := r.storeRound(ctx, req, resp.Messages); err != nil {
		r.logger.Warn("storeRound failed", "chat_id", req.ChatID, "error", err)
	}

	return models.ChatResponse{
		Messages: resp.Messages,
		Skills:   resp.Skills,
		Model:    resolved.payload.Model.ModelID,
		Provider: resolved.model.Provider,
	}, nil
}

// TriggerSchedule implements the scheduler-initiated operation: builds a
// request with DisplayName="Scheduler" and routes to the gateway's
// schedule endpoint.
func (r *Resolver) TriggerSchedule(ctx context.Context, botID string, schedule models.SchedulePayload, token string) (models.ChatResponse, error) {
	req := models.ChatRequest{
		BotID:       botID,
		ChatID:      botID,
		Query:       schedule.Command,
		DisplayName: "Scheduler",
		Token:       token,
	}
	resolved, err := r.resolve(ctx, req)
	if err != nil {
		return models.ChatResponse{}, err
	}

	payload := triggerScheduleRequest{
		gatewayRequest: resolved.payload,
		Schedule: gatewaySchedule{
			ID:          schedule.ID,
			Name:        schedule.Name,
			Description: schedule.Description,
			Pattern:     schedule.Pattern,
			MaxCalls:    schedule.MaxCalls,
			Command:     schedule.Command,
		},
	}

	resp, err := r.postTriggerSchedule(ctx, payload, token)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if err := r.storeRound(ctx, req, resp.Messages); err != nil {
		r.logger.Warn("storeRound failed", "chat_id", req.ChatID, "error", err)
	}
	return models.ChatResponse{Messages: resp.Messages, Skills: resp.Skills}, nil
}

// StreamChat implements the streaming operation. Events are forwarded in
// gateway-emitted order on the returned channel; a fatal error is sent on
// the error channel and both channels are then closed. Persistence of the
// round's messages completes before the terminal event (agent_end or
// error) is sent on the events channel (spec.md §8 property 6).
func (r *Resolver) StreamChat(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, <-chan error) {
	events := make(chan models.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		resolved, err := r.resolve(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		if !req.UserMessagePersisted {
			if err := r.persistUserMessage(ctx, req); err != nil {
				r.logger.Warn("persistUserMessage failed", "chat_id", req.ChatID, "error", err)
			}
			req.UserMessagePersisted = true
		}

		resp, err := r.openStream(ctx, resolved.payload, req.Token)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		dec := sse.NewDecoder(resp.Body)
		for {
			ev, ok, decErr := dec.Next()
			if decErr != nil {
				errs <- FailStreamDecode("decode gateway stream", decErr)
				return
			}
			if !ok {
				return
			}

			se := parseStreamEvent(ev)
			terminal := se.IsTerminal()

			if terminal && se.Type == models.StreamAgentEnd {
				if msgs, found := decodeGatewayEnvelope(ev); found {
					if err := r.storeRound(ctx, req, msgs); err != nil {
						r.logger.Warn("storeRound failed", "chat_id", req.ChatID, "error", err)
					}
				}
			}

			select {
			case events <- se:
			case <-ctx.Done():
				return
			}
			if terminal {
				return
			}
		}
	}()

	return events, errs
}
