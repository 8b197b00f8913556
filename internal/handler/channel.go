package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/workspace"
)

type createChannelRequest struct {
	Name        string   `json:"name"`
	DisplayName *string  `json:"displayName,omitempty"`
	Type        string   `json:"type"`
	IsReadOnly  bool     `json:"isReadOnly,omitempty"`
	MemberIDs   []string `json:"memberIds,omitempty"`
}

// CreateChannel creates a channel in the workspace. For direct and group DM
// types the member list is the participant set, and repeat creates converge
// on the existing channel instead of erroring.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	var req createChannelRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	if _, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.Type == "" {
		req.Type = channel.TypePublic
	}
	if !channel.ValidType(req.Type) {
		h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "invalid channel type")
		return
	}

	members, err := h.vetMembers(ctx, workspaceID, p.UserID, req.MemberIDs)
	if errors.Is(err, workspace.ErrNotAMember) {
		h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "every listed member must belong to the workspace")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	switch req.Type {
	case channel.TypeDirect, channel.TypeGroupDM:
		participants := append([]string{p.UserID}, members...)
		ch, created, err := h.channels.CreateDirect(ctx, workspaceID, p.UserID, participants)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
			h.events.ChannelCreated(r.Context(), ch, participants)
		}
		h.respond(w, status, ch)

	default:
		ch := &channel.Channel{
			WorkspaceID: workspaceID,
			Name:        req.Name,
			DisplayName: req.DisplayName,
			Type:        req.Type,
			IsReadOnly:  req.IsReadOnly,
			CreatedBy:   p.UserID,
		}
		if err := h.channels.Create(ctx, ch, members...); err != nil {
			h.fail(w, r, err)
			return
		}
		h.events.ChannelCreated(r.Context(), ch, append(members, p.UserID))
		h.respond(w, http.StatusCreated, ch)
	}
}

// vetMembers checks every listed user belongs to the workspace and returns
// the list deduplicated, with the creator taken out.
func (h *Handler) vetMembers(ctx context.Context, workspaceID, creatorID string, ids []string) ([]string, error) {
	var out []string
	seen := map[string]bool{creatorID: true}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := h.workspaces.GetMembership(ctx, id, workspaceID); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ListChannels returns the channels visible to the caller: all public ones
// plus the private, direct, and group channels they belong to.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	if _, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID); err != nil {
		h.fail(w, r, err)
		return
	}

	channels, err := h.channels.ListForWorkspace(ctx, workspaceID, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, channels)
}

// JoinChannel adds the caller to a public channel. Private channels answer
// the privacy 404, membership there is by creation or workspace admin action.
func (h *Handler) JoinChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	if _, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID); err != nil {
		h.fail(w, r, err)
		return
	}

	ch, err := h.channels.GetByID(ctx, workspaceID, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ch.Private() {
		h.notFound(w)
		return
	}

	mem, err := h.channels.AddMember(ctx, channelID, p.UserID, channel.RoleMember)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.users.GetByID(ctx, p.UserID)
	if err != nil {
		slog.Warn("loading joiner for channel event", "user_id", p.UserID, "error", err)
	} else {
		h.events.ChannelMemberJoined(r.Context(), ch, u.Snapshot(), mem.Role)
	}
	h.respond(w, http.StatusOK, mem)
}

// LeaveChannel removes the caller from the channel. Leaving general is not
// allowed; membership there lasts as long as workspace membership.
func (h *Handler) LeaveChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	grant, err := h.oracle.ChannelRole(ctx, p.UserID, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if grant.WorkspaceID != workspaceID {
		h.notFound(w)
		return
	}

	if err := h.channels.RemoveMember(ctx, channelID, p.UserID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.events.ChannelMemberLeft(r.Context(), workspaceID, channelID, p.UserID)
	h.respond(w, http.StatusOK, map[string]any{"channelId": channelID, "left": true})
}

// DeleteChannel deletes a channel. Requires a workspace role that can manage
// channels; general can never be deleted.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	role, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !workspace.CanManageChannels(role) {
		h.respondError(w, http.StatusForbidden, errcode.Forbidden, "admin role required to delete channels")
		return
	}

	ch, err := h.channels.GetByID(ctx, workspaceID, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.channels.Delete(ctx, workspaceID, channelID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.events.ChannelDeleted(r.Context(), ch, p.UserID)
	h.respond(w, http.StatusOK, map[string]any{"id": channelID, "deleted": true})
}
