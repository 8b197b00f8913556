package event

import (
	"context"
	"log/slog"

	"github.com/echochat/api/internal/bus"
	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/receipt"
	"github.com/echochat/api/internal/user"
)

// Router turns committed domain changes into bus publications. One method
// per commit-side event; callers invoke it after the transaction lands, on
// the request goroutine, so publish order within a topic matches commit
// order. Publish failures are logged and dropped: there is no retry queue,
// and clients recover through pull-based resync.
type Router struct {
	bus bus.Bus
}

func NewRouter(b bus.Bus) *Router {
	return &Router{bus: b}
}

func (r *Router) publish(ctx context.Context, topic, name string, payload any) {
	data, err := Marshal(name, payload)
	if err != nil {
		slog.Error("marshaling event", "event", name, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, topic, data); err != nil {
		slog.Warn("dropping event after publish failure", "event", name, "topic", topic, "error", err)
	}
}

// MessageCreated fans a fresh message out to everyone watching the channel.
// The payload carries the correlation ID so optimistic senders can reconcile.
func (r *Router) MessageCreated(ctx context.Context, msg *message.MessageWithAuthor) {
	r.publish(ctx, bus.ChannelTopic(msg.WorkspaceID, msg.ChannelID), EventMessageCreated, msg)
}

// MessageUpdated covers both user edits and out-of-band enrichment such as
// resolved link previews.
func (r *Router) MessageUpdated(ctx context.Context, msg *message.MessageWithAuthor) {
	r.publish(ctx, bus.ChannelTopic(msg.WorkspaceID, msg.ChannelID), EventMessageUpdated, msg)
}

func (r *Router) MessageDeleted(ctx context.Context, msg *message.Message, deletedBy string) {
	r.publish(ctx, bus.ChannelTopic(msg.WorkspaceID, msg.ChannelID), EventMessageDeleted, MessageDeletedPayload{
		WorkspaceID: msg.WorkspaceID,
		ChannelID:   msg.ChannelID,
		MessageID:   msg.ID,
		MessageNo:   msg.MessageNo,
		DeletedBy:   deletedBy,
	})
}

// ChannelCreated announces a public channel on the workspace topic. Private
// and direct channels are invisible at workspace scope, so those go to each
// member's inbox instead.
func (r *Router) ChannelCreated(ctx context.Context, ch *channel.Channel, memberIDs []string) {
	payload := ChannelCreatedPayload{Channel: *ch, MemberIDs: memberIDs, CreatedBy: ch.CreatedBy}

	if ch.Type == channel.TypePublic {
		r.publish(ctx, bus.WorkspaceTopic(ch.WorkspaceID), EventChannelCreated, payload)
		return
	}
	for _, userID := range memberIDs {
		r.publish(ctx, bus.UserTopic(userID), EventChannelCreated, payload)
	}
}

func (r *Router) ChannelDeleted(ctx context.Context, ch *channel.Channel, deletedBy string) {
	r.publish(ctx, bus.WorkspaceTopic(ch.WorkspaceID), EventChannelDeleted, ChannelDeletedPayload{
		WorkspaceID: ch.WorkspaceID,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		DeletedBy:   deletedBy,
	})
}

func (r *Router) WorkspaceDeleted(ctx context.Context, workspaceID string, channelIDs, memberIDs []string, deletedBy string) {
	payload := WorkspaceDeletedPayload{WorkspaceID: workspaceID, ChannelIDs: channelIDs, DeletedBy: deletedBy}

	r.publish(ctx, bus.WorkspaceTopic(workspaceID), EventWorkspaceDeleted, payload)
	for _, userID := range memberIDs {
		r.publish(ctx, bus.UserTopic(userID), EventWorkspaceDeleted, payload)
	}
}

func (r *Router) WorkspaceMemberJoined(ctx context.Context, workspaceID string, u user.Snapshot, role string) {
	payload := WorkspaceMemberJoinedPayload{WorkspaceID: workspaceID, User: u, Role: role}

	r.publish(ctx, bus.WorkspaceTopic(workspaceID), EventWorkspaceMemberJoined, payload)
	r.publish(ctx, bus.UserTopic(u.ID), EventWorkspaceMemberJoined, payload)
}

// WorkspaceMemberLeft reaches the departed user's inbox as well as the
// workspace, which is what lets that user's own sessions evict themselves.
func (r *Router) WorkspaceMemberLeft(ctx context.Context, workspaceID, userID string) {
	payload := WorkspaceMemberLeftPayload{WorkspaceID: workspaceID, UserID: userID}

	r.publish(ctx, bus.WorkspaceTopic(workspaceID), EventWorkspaceMemberLeft, payload)
	r.publish(ctx, bus.UserTopic(userID), EventWorkspaceMemberLeft, payload)
}

func (r *Router) ChannelMemberJoined(ctx context.Context, ch *channel.Channel, u user.Snapshot, role string) {
	payload := ChannelMemberJoinedPayload{
		WorkspaceID: ch.WorkspaceID,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		User:        u,
		Role:        role,
	}

	r.publish(ctx, bus.ChannelTopic(ch.WorkspaceID, ch.ID), EventChannelMemberJoined, payload)
	if ch.Type != channel.TypePublic {
		r.publish(ctx, bus.UserTopic(u.ID), EventChannelMemberJoined, payload)
	}
}

func (r *Router) ChannelMemberLeft(ctx context.Context, workspaceID, channelID, userID string) {
	payload := ChannelMemberLeftPayload{WorkspaceID: workspaceID, ChannelID: channelID, UserID: userID}

	r.publish(ctx, bus.ChannelTopic(workspaceID, channelID), EventChannelMemberLeft, payload)
	r.publish(ctx, bus.UserTopic(userID), EventChannelMemberLeft, payload)
}

// ReadReceiptUpdated goes only to the reader's own inbox; it exists to
// reconcile unread state across that user's devices.
func (r *Router) ReadReceiptUpdated(ctx context.Context, rcpt *receipt.Receipt) {
	r.publish(ctx, bus.UserTopic(rcpt.UserID), EventReadReceiptUpdated, rcpt)
}

func (r *Router) MessageMention(ctx context.Context, mentionedIDs []string, channelName string, msg *message.MessageWithAuthor) {
	payload := MentionPayload{
		WorkspaceID: msg.WorkspaceID,
		ChannelID:   msg.ChannelID,
		ChannelName: channelName,
		Message:     *msg,
	}
	for _, userID := range mentionedIDs {
		if userID == msg.UserID {
			continue
		}
		r.publish(ctx, bus.UserTopic(userID), EventMessageMention, payload)
	}
}

func (r *Router) InviteAccepted(ctx context.Context, inviterID, workspaceID string, u user.Snapshot, email string) {
	r.publish(ctx, bus.UserTopic(inviterID), EventInviteAccepted, InviteAcceptedPayload{
		WorkspaceID: workspaceID,
		User:        u,
		Email:       email,
	})
}

func (r *Router) PresenceChanged(ctx context.Context, workspaceID, userID, status string) {
	r.publish(ctx, bus.WorkspaceTopic(workspaceID), EventPresenceChanged, PresencePayload{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Status:      status,
	})
}
