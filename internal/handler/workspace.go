package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/workspace"
)

// inviteTTL is how long a workspace invite stays acceptable.
const inviteTTL = 72 * time.Hour

type createWorkspaceRequest struct {
	Name        string  `json:"name"`
	DisplayName *string `json:"displayName,omitempty"`
}

// CreateWorkspace creates a workspace with its general channel and makes the
// caller owner.
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createWorkspaceRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	ws := &workspace.Workspace{Name: req.Name, DisplayName: req.DisplayName, OwnerID: p.UserID}
	generalID, err := h.workspaces.Create(ctx, ws)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respond(w, http.StatusCreated, map[string]any{
		"workspace":        ws,
		"generalChannelId": generalID,
	})
}

// ListWorkspaces returns the caller's workspaces with their role in each.
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	list, err := h.workspaces.ListForUser(ctx, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, list)
}

// GetWorkspace returns one workspace. Non-members get the privacy 404.
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	role, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ws, err := h.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, workspace.WorkspaceWithRole{Workspace: *ws, Role: role})
}

// DeleteWorkspace deletes the workspace and everything under it. Owner only.
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	role, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !workspace.CanDeleteWorkspace(role) {
		h.respondError(w, http.StatusForbidden, errcode.Forbidden, "only the owner can delete a workspace")
		return
	}

	result, err := h.workspaces.Delete(ctx, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.events.WorkspaceDeleted(r.Context(), workspaceID, result.ChannelIDs, result.MemberIDs, p.UserID)
	h.respond(w, http.StatusOK, map[string]any{"id": workspaceID, "deleted": true})
}

// ListWorkspaceMembers returns the roster. Any member may read it.
func (h *Handler) ListWorkspaceMembers(w http.ResponseWriter, r *http.Request) {
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

	members, err := h.workspaces.ListMembers(ctx, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, members)
}

// RemoveWorkspaceMember removes a member (admin or owner), or lets a member
// leave when the target is themself. The owner can never be removed.
func (h *Handler) RemoveWorkspaceMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	targetID := chi.URLParam(r, "userID")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	role, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if targetID != p.UserID && !workspace.CanManageMembers(role) {
		h.respondError(w, http.StatusForbidden, errcode.Forbidden, "admin role required to remove members")
		return
	}

	if err := h.workspaces.RemoveMember(ctx, targetID, workspaceID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.events.WorkspaceMemberLeft(r.Context(), workspaceID, targetID)
	h.respond(w, http.StatusOK, map[string]any{"userId": targetID, "removed": true})
}

type createInviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// CreateInvite issues a single-use invite token. Admin or owner only. Mail
// delivery is not this server's concern; the token comes back to the caller.
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	var req createInviteRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	role, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !workspace.CanManageMembers(role) {
		h.respondError(w, http.StatusForbidden, errcode.Forbidden, "admin role required to invite members")
		return
	}

	inviteRole := req.Role
	if inviteRole == "" {
		inviteRole = workspace.RoleMember
	}
	if inviteRole == workspace.RoleOwner || !workspace.ValidRole(inviteRole) {
		h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "invite role must be admin or member")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "a valid email is required")
		return
	}

	invite := &workspace.Invite{
		WorkspaceID: workspaceID,
		Email:       email,
		Role:        inviteRole,
		InvitedBy:   p.UserID,
		ExpiresAt:   time.Now().UTC().Add(inviteTTL),
	}
	if err := h.workspaces.CreateInvite(ctx, invite); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, invite)
}

// AcceptInvite consumes an invite token and joins the caller to the
// workspace and its general channel.
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	invite, mem, err := h.workspaces.AcceptInvite(ctx, token, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.users.GetByID(ctx, p.UserID)
	if err != nil {
		slog.Warn("loading accepter for join events", "user_id", p.UserID, "error", err)
	} else {
		snap := u.Snapshot()
		h.events.WorkspaceMemberJoined(r.Context(), invite.WorkspaceID, snap, mem.Role)
		h.events.InviteAccepted(r.Context(), invite.InvitedBy, invite.WorkspaceID, snap, invite.Email)
	}
	h.respond(w, http.StatusOK, mem)
}

// WorkspacePresence returns the live presence map for the workspace. Users
// absent from the map are offline.
func (h *Handler) WorkspacePresence(w http.ResponseWriter, r *http.Request) {
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
	h.respond(w, http.StatusOK, map[string]any{"presence": h.presence.WorkspaceSnapshot(workspaceID)})
}
