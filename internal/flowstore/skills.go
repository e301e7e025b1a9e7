package flowstore

import (
	"context"

	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/internal/skills"
)

// SkillsAdapter implements flow.SkillLoader over the teacher's
// internal/skills.Manager (discovery.go/manager.go/gating.go), reusing its
// eligibility gating instead of re-deriving it. The manager gates
// skills against a single process-wide GatingContext rather than per bot,
// so botID is accepted for interface conformance but does not currently
// narrow the result; a future per-bot gating context would thread it
// through Manager.RefreshEligible.
type SkillsAdapter struct {
	manager *skills.Manager
}

// NewSkillsAdapter wraps an already-discovered Manager. A nil manager
// yields an adapter that reports no skills.
func NewSkillsAdapter(manager *skills.Manager) *SkillsAdapter {
	return &SkillsAdapter{manager: manager}
}

// LoadSkills implements flow.SkillLoader.
func (a *SkillsAdapter) LoadSkills(ctx context.Context, botID string) ([]flow.SkillEntry, error) {
	if a.manager == nil {
		return nil, nil
	}
	eligible := a.manager.ListEligible()
	out := make([]flow.SkillEntry, 0, len(eligible))
	for _, s := range eligible {
		content := s.Content
		if content == "" {
			if loaded, err := a.manager.LoadContent(s.Name); err == nil {
				content = loaded
			}
		}
		out = append(out, flow.SkillEntry{
			Name:        s.Name,
			Description: s.Description,
			Content:     content,
			Metadata:    skillMetadataMap(s),
		})
	}
	return out, nil
}

func skillMetadataMap(s *skills.SkillEntry) map[string]any {
	if s.Metadata == nil {
		return nil
	}
	return map[string]any{
		"emoji":  s.Metadata.Emoji,
		"always": s.Metadata.Always,
	}
}

var _ flow.SkillLoader = (*SkillsAdapter)(nil)
