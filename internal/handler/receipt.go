package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type advanceReceiptRequest struct {
	MessageNo int64   `json:"messageNo"`
	MessageID *string `json:"messageId,omitempty"`
}

// AdvanceReadReceipt moves the caller's read position forward. Stale
// positions are absorbed, not errors: the response always carries the
// post-state, which may be further along than the request.
func (h *Handler) AdvanceReadReceipt(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")
	var req advanceReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}

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

	rcpt, err := h.receipts.Advance(ctx, p.UserID, workspaceID, channelID, req.MessageNo, req.MessageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.events.ReadReceiptUpdated(r.Context(), rcpt)
	h.respond(w, http.StatusOK, rcpt)
}

// GetReadReceipt returns the caller's read position in the channel, or null
// when the channel has never been read.
func (h *Handler) GetReadReceipt(w http.ResponseWriter, r *http.Request) {
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

	rcpt, err := h.receipts.Get(ctx, p.UserID, workspaceID, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, rcpt)
}

// UnreadCounts summarizes unread messages per channel. Without a channelIds
// filter it covers every channel the caller belongs to; with one, IDs the
// caller is not a member of are silently dropped.
func (h *Handler) UnreadCounts(w http.ResponseWriter, r *http.Request) {
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

	mine, err := h.oracle.ChannelsOf(ctx, p.UserID, workspaceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	channelIDs := mine
	if raw := r.URL.Query().Get("channelIds"); raw != "" {
		member := make(map[string]bool, len(mine))
		for _, id := range mine {
			member[id] = true
		}
		filtered := make([]string, 0, len(mine))
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id != "" && member[id] {
				filtered = append(filtered, id)
			}
		}
		channelIDs = filtered
	}

	channels, total, err := h.receipts.UnreadForWorkspace(ctx, p.UserID, workspaceID, channelIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"channels":    channels,
		"totalUnread": total,
	})
}
