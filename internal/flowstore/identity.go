package flowstore

import (
	"context"
	"strings"

	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/internal/identity"
)

// IdentityAdapter implements flow.IdentityStore over the teacher's
// internal/identity.Store (a canonical-identity-with-linked-peers model).
// The resolver's ChannelIdentityID/UserID distinction does not exist in
// that model directly, so it is bridged here: a channel identity ID is
// treated as a "channel:peerID" linked-peer key, and a user ID is treated
// as a canonical identity ID.
type IdentityAdapter struct {
	store identity.Store
}

// NewIdentityAdapter wraps store.
func NewIdentityAdapter(store identity.Store) *IdentityAdapter {
	return &IdentityAdapter{store: store}
}

func splitPeerKey(channelIdentityID string) (channel, peerID string, ok bool) {
	idx := strings.IndexByte(channelIdentityID, ':')
	if idx < 0 {
		return "", "", false
	}
	return channelIdentityID[:idx], channelIdentityID[idx+1:], true
}

// ChannelIdentityExists implements flow.IdentityStore.
func (a *IdentityAdapter) ChannelIdentityExists(ctx context.Context, id string) bool {
	if a.store == nil || id == "" {
		return false
	}
	channel, peer, ok := splitPeerKey(id)
	if !ok {
		return false
	}
	found, err := a.store.ResolveByPeer(ctx, channel, peer)
	return err == nil && found != nil
}

// UserExists implements flow.IdentityStore.
func (a *IdentityAdapter) UserExists(ctx context.Context, id string) bool {
	if a.store == nil || id == "" {
		return false
	}
	found, err := a.store.Get(ctx, id)
	return err == nil && found != nil
}

// LinkedUserID implements flow.IdentityStore.
func (a *IdentityAdapter) LinkedUserID(ctx context.Context, channelIdentityID string) (string, bool) {
	if a.store == nil {
		return "", false
	}
	channel, peer, ok := splitPeerKey(channelIdentityID)
	if !ok {
		return "", false
	}
	found, err := a.store.ResolveByPeer(ctx, channel, peer)
	if err != nil || found == nil {
		return "", false
	}
	return found.CanonicalID, true
}

// DisplayName implements flow.IdentityStore, preferring the resolved
// user's own identity record before falling back to the channel identity's.
func (a *IdentityAdapter) DisplayName(ctx context.Context, channelIdentityID, userID string) (string, bool) {
	if a.store == nil {
		return "", false
	}
	if userID != "" {
		if found, err := a.store.Get(ctx, userID); err == nil && found != nil && found.DisplayName != "" {
			return found.DisplayName, true
		}
	}
	if channel, peer, ok := splitPeerKey(channelIdentityID); ok {
		if found, err := a.store.ResolveByPeer(ctx, channel, peer); err == nil && found != nil && found.DisplayName != "" {
			return found.DisplayName, true
		}
	}
	return "", false
}

var _ flow.IdentityStore = (*IdentityAdapter)(nil)
