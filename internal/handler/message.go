package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/linkpreview"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/notification"
	"github.com/echochat/api/internal/workspace"
)

// previewFetchTimeout bounds the detached link preview fetch.
const previewFetchTimeout = 15 * time.Second

type createMessageRequest struct {
	Content                    string  `json:"content"`
	ContentType                string  `json:"contentType,omitempty"`
	ClientMessageCorrelationID string  `json:"clientMessageCorrelationId"`
	ParentMessageID            *string `json:"parentMessageId,omitempty"`
}

// CreateMessage appends a message to the channel. Resends carrying an
// already-seen correlation ID return the original message with 200 instead
// of 201, and publish nothing.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")
	var req createMessageRequest
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
	if grant.ReadOnly && grant.Role == channel.RoleMember {
		h.respondError(w, http.StatusForbidden, errcode.Forbidden, "channel is read-only")
		return
	}

	msg, created, err := h.messages.Append(ctx, message.AppendParams{
		WorkspaceID:     workspaceID,
		ChannelID:       channelID,
		UserID:          p.UserID,
		Content:         req.Content,
		ContentType:     req.ContentType,
		ParentMessageID: req.ParentMessageID,
		CorrelationID:   req.ClientMessageCorrelationID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	full, err := h.messages.GetWithAuthor(ctx, workspaceID, channelID, msg.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if err := h.channels.TouchActivity(ctx, channelID, msg.CreatedAt); err != nil {
			slog.Warn("touching channel activity", "channel_id", channelID, "error", err)
		}
		h.events.MessageCreated(r.Context(), full)
		h.notifyMentions(ctx, workspaceID, channelID, full)
		if h.previewsOn {
			go h.resolvePreview(full)
		}
	}
	h.respond(w, status, full)
}

// notifyMentions resolves @username mentions and publishes a mention event
// to each user's inbox. For private channels the targets are cut down to
// channel members so content never leaves its audience. Mention failures
// never fail the send.
func (h *Handler) notifyMentions(ctx context.Context, workspaceID, channelID string, msg *message.MessageWithAuthor) {
	ids, err := notification.ParseMentions(ctx, h.users, workspaceID, msg.Content)
	if err != nil {
		slog.Warn("resolving mentions", "message_id", msg.ID, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	ch, err := h.channels.GetByID(ctx, workspaceID, channelID)
	if err != nil {
		slog.Warn("loading channel for mention event", "channel_id", channelID, "error", err)
		return
	}
	if ch.Private() {
		members, err := h.channels.MemberIDs(ctx, channelID)
		if err != nil {
			slog.Warn("loading members for mention event", "channel_id", channelID, "error", err)
			return
		}
		inChannel := make(map[string]bool, len(members))
		for _, id := range members {
			inChannel[id] = true
		}
		kept := ids[:0]
		for _, id := range ids {
			if inChannel[id] {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	if len(ids) > 0 {
		h.events.MessageMention(ctx, ids, ch.Name, msg)
	}
}

// resolvePreview runs detached after the response is sent, so it must not
// borrow the request context. When a preview lands, the decorated message
// goes out as message:updated.
func (h *Handler) resolvePreview(msg *message.MessageWithAuthor) {
	url := linkpreview.ExtractFirstURL(msg.Content)
	if url == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), previewFetchTimeout)
	defer cancel()

	preview, err := h.fetcher.FetchPreview(ctx, url)
	if err != nil {
		slog.Debug("fetching link preview", "url", url, "error", err)
		return
	}
	if preview == nil {
		return
	}

	preview.MessageID = msg.ID
	if err := h.previews.CreatePreview(ctx, preview); err != nil {
		slog.Warn("storing link preview", "message_id", msg.ID, "error", err)
		return
	}

	decorated := *msg
	decorated.LinkPreview = preview
	h.events.MessageUpdated(ctx, &decorated)
}

// ListMessages returns one history page in ascending sequence order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
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

	q := r.URL.Query()
	opts := message.HistoryOptions{Direction: q.Get("direction")}
	if v := q.Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "cursor must be a non-negative integer")
			return
		}
		opts.Cursor = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	page, err := h.messages.History(ctx, workspaceID, channelID, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.attachPreviews(ctx, page.Messages)
	h.respond(w, http.StatusOK, page)
}

// attachPreviews decorates a history page in one batch query. Preview
// trouble degrades to bare messages rather than failing the read.
func (h *Handler) attachPreviews(ctx context.Context, msgs []message.MessageWithAuthor) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	previews, err := h.previews.ListForMessages(ctx, ids)
	if err != nil {
		slog.Warn("loading link previews", "error", err)
		return
	}
	if len(previews) == 0 {
		return
	}
	for i := range msgs {
		if pv, ok := previews[msgs[i].ID]; ok {
			msgs[i].LinkPreview = pv
		}
	}
}

// GetMessage returns a single message with its author and preview.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")

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

	full, err := h.messages.GetWithAuthor(ctx, workspaceID, channelID, messageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pv, err := h.previews.GetForMessage(ctx, messageID); err == nil && pv != nil {
		full.LinkPreview = pv
	}
	h.respond(w, http.StatusOK, full)
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

// UpdateMessage edits a message's content. Author only.
func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	var req updateMessageRequest
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

	existing, err := h.messages.GetByID(ctx, workspaceID, channelID, messageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if existing.UserID != p.UserID {
		h.respondError(w, http.StatusForbidden, errcode.Forbidden, "only the author can edit a message")
		return
	}

	if _, err := h.messages.Update(ctx, workspaceID, channelID, messageID, req.Content); err != nil {
		h.fail(w, r, err)
		return
	}

	full, err := h.messages.GetWithAuthor(ctx, workspaceID, channelID, messageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pv, err := h.previews.GetForMessage(ctx, messageID); err == nil && pv != nil {
		full.LinkPreview = pv
	}

	h.events.MessageUpdated(r.Context(), full)
	h.respond(w, http.StatusOK, full)
}

// DeleteMessage tombstones a message. The author may delete their own; a
// workspace role that can manage channels may delete anyone's.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")

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

	existing, err := h.messages.GetByID(ctx, workspaceID, channelID, messageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if existing.UserID != p.UserID {
		role, err := h.oracle.WorkspaceRole(ctx, p.UserID, workspaceID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !workspace.CanManageChannels(role) {
			h.respondError(w, http.StatusForbidden, errcode.Forbidden, "only the author or an admin can delete a message")
			return
		}
	}

	if err := h.messages.Delete(ctx, workspaceID, channelID, messageID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.events.MessageDeleted(r.Context(), existing, p.UserID)
	h.respond(w, http.StatusOK, map[string]any{"id": messageID, "deleted": true})
}

// GetThread returns a thread root with its replies in sequence order.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")

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

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "limit must be a positive integer")
			return
		}
		limit = n
	}

	th, err := h.threads.Get(ctx, workspaceID, channelID, messageID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, th)
}
