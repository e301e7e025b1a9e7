package cron

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaykit/core/internal/channels"
	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/pkg/models"
)

// FlowRunner implements AgentRunner by turning a due agent job into a
// flow.Resolver.TriggerSchedule call, and, when the job names a delivery
// channel, forwarding the resulting reply through the channel registry the
// same way an inbound round's output reaches a platform.
type FlowRunner struct {
	resolver *flow.Resolver
	registry *channels.Registry
	token    string
}

// NewFlowRunner wires resolver and registry for scheduled agent jobs. token
// is the gateway credential attached to every triggered round, matching the
// one inbound rounds carry on models.ChatRequest.Token.
func NewFlowRunner(resolver *flow.Resolver, registry *channels.Registry, token string) *FlowRunner {
	return &FlowRunner{resolver: resolver, registry: registry, token: token}
}

// Run implements AgentRunner.
func (r *FlowRunner) Run(ctx context.Context, job *Job) error {
	if job == nil || job.Message == nil {
		return fmt.Errorf("cron: agent job missing message payload")
	}
	botID := botIDForJob(job)
	payload := models.SchedulePayload{
		ID:      job.ID,
		Name:    job.Name,
		Command: job.Message.Content,
	}

	resp, err := r.resolver.TriggerSchedule(ctx, botID, payload, r.token)
	if err != nil {
		return fmt.Errorf("trigger schedule %s: %w", job.ID, err)
	}

	channel := strings.TrimSpace(job.Message.Channel)
	channelID := strings.TrimSpace(job.Message.ChannelID)
	if channel == "" || channelID == "" || r.registry == nil {
		return nil
	}
	text := lastAssistantText(resp.Messages)
	if text == "" {
		return nil
	}
	adapter, ok := r.registry.GetOutbound(models.ChannelType(channel))
	if !ok {
		return fmt.Errorf("cron: channel %q not registered for job %s", channel, job.ID)
	}
	return adapter.Send(ctx, &models.Message{
		Channel:   models.ChannelType(channel),
		ChannelID: channelID,
		Content:   text,
	})
}

// botIDForJob resolves the bot a scheduled job runs as. A "botId" entry in
// the job's message data takes precedence; otherwise the job ID itself
// doubles as the bot ID, matching how config-driven jobs are usually named
// after the bot they belong to.
func botIDForJob(job *Job) string {
	if job.Message.Data != nil {
		if id, ok := job.Message.Data["botId"].(string); ok && strings.TrimSpace(id) != "" {
			return id
		}
	}
	return job.ID
}

func lastAssistantText(msgs []models.ModelMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			return msgs[i].TextContent()
		}
	}
	return ""
}
