package membership

import (
	"encoding/json"
	"log/slog"

	"github.com/echochat/api/internal/bus"
	"github.com/echochat/api/internal/event"
)

// AttachInvalidator subscribes the oracle to the membership-change stream so
// cached grants are evicted as soon as the event propagates, rather than
// waiting out the TTL. Decode failures only log: the TTL remains the
// correctness backstop.
func (o *Oracle) AttachInvalidator(b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(bus.WorkspaceWildcard(), o.handleEvent)
}

func (o *Oracle) handleEvent(topic string, data []byte) {
	env, err := event.Decode(data)
	if err != nil {
		slog.Warn("membership invalidator: bad envelope", "topic", topic, "error", err)
		return
	}

	switch env.Name {
	case event.EventWorkspaceMemberJoined:
		var p event.WorkspaceMemberJoinedPayload
		if unmarshalPayload(env, &p) {
			o.InvalidateWorkspace(p.User.ID, p.WorkspaceID)
		}

	case event.EventWorkspaceMemberLeft:
		var p event.WorkspaceMemberLeftPayload
		if unmarshalPayload(env, &p) {
			o.InvalidateWorkspace(p.UserID, p.WorkspaceID)
		}

	case event.EventChannelMemberJoined:
		var p event.ChannelMemberJoinedPayload
		if unmarshalPayload(env, &p) {
			o.InvalidateChannel(p.User.ID, p.ChannelID, p.WorkspaceID)
		}

	case event.EventChannelMemberLeft:
		var p event.ChannelMemberLeftPayload
		if unmarshalPayload(env, &p) {
			o.InvalidateChannel(p.UserID, p.ChannelID, p.WorkspaceID)
		}

	case event.EventChannelDeleted:
		var p event.ChannelDeletedPayload
		if unmarshalPayload(env, &p) {
			o.InvalidateScope(p.ChannelID)
			o.InvalidateScope(p.WorkspaceID)
		}

	case event.EventWorkspaceDeleted:
		var p event.WorkspaceDeletedPayload
		if unmarshalPayload(env, &p) {
			o.InvalidateScope(p.WorkspaceID)
			for _, channelID := range p.ChannelIDs {
				o.InvalidateScope(channelID)
			}
		}
	}
}

func unmarshalPayload(env *event.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		slog.Warn("membership invalidator: bad payload", "event", env.Name, "error", err)
		return false
	}
	return true
}
