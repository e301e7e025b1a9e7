package flow

import (
	"context"
	"strings"

	"github.com/relaykit/core/pkg/models"
)

// loadSkills implements spec.md §4.4 step 9: load the bot's skills via the
// external SkillLoader, normalize each to {name, description, content},
// and dedup by name.
func (r *Resolver) loadSkills(ctx context.Context, req models.ChatRequest) ([]gatewaySkill, []string) {
	requested := dedupStrings(req.Skills)
	if r.skills == nil {
		return nil, requested
	}
	entries, err := r.skills.LoadSkills(ctx, req.BotID)
	if err != nil {
		r.logger.Warn("skill load failed, continuing without skills", "bot_id", req.BotID, "error", err)
		return nil, requested
	}

	seen := make(map[string]bool, len(entries))
	out := make([]gatewaySkill, 0, len(entries))
	for _, e := range entries {
		gs := normalizeGatewaySkill(e)
		if gs.Name == "" || seen[gs.Name] {
			continue
		}
		seen[gs.Name] = true
		out = append(out, gs)
	}
	return out, requested
}

func normalizeGatewaySkill(e SkillEntry) gatewaySkill {
	name := strings.TrimSpace(e.Name)
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = name
	}
	content := strings.TrimSpace(e.Content)
	if content == "" {
		content = desc
	}
	return gatewaySkill{Name: name, Description: desc, Content: content, Metadata: e.Metadata}
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
