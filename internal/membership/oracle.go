// Package membership answers "is this user allowed here" for workspaces and
// channels. Answers come from the repositories through a short positive
// cache, so a revoked membership stops authorizing within the freshness
// window even before the eviction event lands.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/workspace"
)

var (
	// ErrNotMember is the single negative answer. Callers translate it to
	// Forbidden or NotFound themselves; the oracle does not distinguish
	// "no such scope" from "not yours to see".
	ErrNotMember = errors.New("not a member")

	// ErrUnavailable means the store could not answer. Callers must treat
	// the user as a non-member and surface a retryable error.
	ErrUnavailable = errors.New("membership store unavailable")
)

// DefaultTTL bounds how stale a cached grant may be.
const DefaultTTL = 5 * time.Second

// ChannelGrant is a positive channel-membership answer. WorkspaceID lets
// callers confirm the channel actually belongs to the workspace they were
// asked about.
type ChannelGrant struct {
	WorkspaceID string
	Role        string
	Muted       bool
	ReadOnly    bool
}

// WorkspaceStore is the slice of the workspace repository the oracle needs.
type WorkspaceStore interface {
	GetMembership(ctx context.Context, userID, workspaceID string) (*workspace.Membership, error)
}

// ChannelStore is the slice of the channel repository the oracle needs.
type ChannelStore interface {
	GrantFor(ctx context.Context, userID, channelID string) (*channel.Grant, error)
	ChannelIDsOfUser(ctx context.Context, userID, workspaceID string) ([]string, error)
}

type Oracle struct {
	workspaces WorkspaceStore
	channels   ChannelStore
	cache      *cache
	ttl        time.Duration
}

func NewOracle(workspaces WorkspaceStore, channels ChannelStore, ttl time.Duration) *Oracle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Oracle{
		workspaces: workspaces,
		channels:   channels,
		cache:      newCache(),
		ttl:        ttl,
	}
}

func workspaceKey(userID, workspaceID string) string { return "ws:" + userID + ":" + workspaceID }
func channelKey(userID, channelID string) string     { return "ch:" + userID + ":" + channelID }
func listKey(userID, workspaceID string) string      { return "chlist:" + userID + ":" + workspaceID }

// WorkspaceRole returns the user's role in the workspace, or ErrNotMember.
// Only positive answers are cached; a miss or a negative always goes back
// to the store on the next call.
func (o *Oracle) WorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error) {
	key := workspaceKey(userID, workspaceID)
	if v, ok := o.cache.get(key); ok {
		return v.(string), nil
	}

	m, err := o.workspaces.GetMembership(ctx, userID, workspaceID)
	if errors.Is(err, workspace.ErrNotAMember) {
		return "", ErrNotMember
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	o.cache.set(key, m.Role, o.ttl)
	return m.Role, nil
}

// ChannelRole returns the user's grant for the channel, or ErrNotMember.
func (o *Oracle) ChannelRole(ctx context.Context, userID, channelID string) (ChannelGrant, error) {
	key := channelKey(userID, channelID)
	if v, ok := o.cache.get(key); ok {
		return v.(ChannelGrant), nil
	}

	g, err := o.channels.GrantFor(ctx, userID, channelID)
	if errors.Is(err, channel.ErrNotChannelMember) {
		return ChannelGrant{}, ErrNotMember
	}
	if err != nil {
		return ChannelGrant{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	grant := ChannelGrant{WorkspaceID: g.WorkspaceID, Role: g.Role, Muted: g.IsMuted, ReadOnly: g.IsReadOnly}
	o.cache.set(key, grant, o.ttl)
	return grant, nil
}

// ChannelsOf lists the channels the user belongs to in the workspace.
// An empty set is a valid positive answer and is cached.
func (o *Oracle) ChannelsOf(ctx context.Context, userID, workspaceID string) ([]string, error) {
	key := listKey(userID, workspaceID)
	if v, ok := o.cache.get(key); ok {
		return v.([]string), nil
	}

	ids, err := o.channels.ChannelIDsOfUser(ctx, userID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	o.cache.set(key, ids, o.ttl)
	return ids, nil
}

// InvalidateWorkspace evicts the user's workspace grant and channel list.
func (o *Oracle) InvalidateWorkspace(userID, workspaceID string) {
	o.cache.delete(workspaceKey(userID, workspaceID), listKey(userID, workspaceID))
}

// InvalidateChannel evicts the user's channel grant and, because channel
// membership feeds the per-workspace channel list, that list as well.
func (o *Oracle) InvalidateChannel(userID, channelID, workspaceID string) {
	o.cache.delete(channelKey(userID, channelID), listKey(userID, workspaceID))
}

// InvalidateScope evicts every cached answer mentioning the given channel
// or workspace ID, across all users.
func (o *Oracle) InvalidateScope(scopeID string) {
	o.cache.deleteScope(scopeID)
}
