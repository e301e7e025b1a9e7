package flowstore

import (
	"context"

	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/internal/sessions"
	"github.com/relaykit/core/pkg/models"
)

// containerMetadataKey is the models.Session.Metadata key a container ID is
// stored under once assigned, following the teacher's own pattern of
// stashing routing data in a session's free-form metadata map
// (internal/sessions/store.go's Session.Metadata).
const containerMetadataKey = "containerId"

// ContainerAdapter implements flow.ContainerResolver over the teacher's
// internal/sessions.Store, treating a bot ID as a session key under a fixed
// "relay" channel namespace and reading/assigning the container ID from the
// resulting session's Metadata.
type ContainerAdapter struct {
	store sessions.Store
}

// NewContainerAdapter wraps store. A nil store yields a resolver that never
// finds a container, letting the gateway fall back to its own
// "mcp-"+botID default (internal/flow/resolver.go).
func NewContainerAdapter(store sessions.Store) *ContainerAdapter {
	return &ContainerAdapter{store: store}
}

// ContainerIDForBot implements flow.ContainerResolver.
func (a *ContainerAdapter) ContainerIDForBot(ctx context.Context, botID string) (string, bool) {
	if a.store == nil || botID == "" {
		return "", false
	}
	key := sessions.SessionKey(botID, models.ChannelType("relay"), botID)
	sess, err := a.store.GetOrCreate(ctx, key, botID, models.ChannelType("relay"), botID)
	if err != nil || sess == nil {
		return "", false
	}
	id, ok := sess.Metadata[containerMetadataKey].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

var _ flow.ContainerResolver = (*ContainerAdapter)(nil)
