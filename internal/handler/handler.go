// Package handler implements the REST command surface. Every operation is
// gated on membership before it touches state, and every committed mutation
// is handed to the event router for fan-out.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/event"
	"github.com/echochat/api/internal/linkpreview"
	"github.com/echochat/api/internal/membership"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/presence"
	"github.com/echochat/api/internal/receipt"
	"github.com/echochat/api/internal/thread"
	"github.com/echochat/api/internal/user"
	"github.com/echochat/api/internal/workspace"
)

// maxBodyBytes caps request bodies well above the largest legal message.
const maxBodyBytes = 1 << 20

// Handler serves the HTTP API.
type Handler struct {
	authService *auth.Service
	users       *user.Repository
	workspaces  *workspace.Repository
	channels    *channel.Repository
	messages    *message.Repository
	receipts    *receipt.Repository
	threads     *thread.Repository
	previews    *linkpreview.Repository
	fetcher     *linkpreview.Fetcher
	oracle      *membership.Oracle
	events      *event.Router
	presence    *presence.Manager

	queryTimeout time.Duration
	previewsOn   bool
}

// Dependencies holds everything a Handler needs.
type Dependencies struct {
	AuthService *auth.Service
	Users       *user.Repository
	Workspaces  *workspace.Repository
	Channels    *channel.Repository
	Messages    *message.Repository
	Receipts    *receipt.Repository
	Threads     *thread.Repository
	Previews    *linkpreview.Repository
	Fetcher     *linkpreview.Fetcher
	Oracle      *membership.Oracle
	Events      *event.Router
	Presence    *presence.Manager

	// QueryTimeout bounds each handler's store work.
	QueryTimeout time.Duration
	// LinkPreviews enables the asynchronous preview fetch on new messages.
	LinkPreviews bool
}

// New creates a Handler.
func New(deps Dependencies) *Handler {
	if deps.QueryTimeout <= 0 {
		deps.QueryTimeout = 5 * time.Second
	}
	return &Handler{
		authService:  deps.AuthService,
		users:        deps.Users,
		workspaces:   deps.Workspaces,
		channels:     deps.Channels,
		messages:     deps.Messages,
		receipts:     deps.Receipts,
		threads:      deps.Threads,
		previews:     deps.Previews,
		fetcher:      deps.Fetcher,
		oracle:       deps.Oracle,
		events:       deps.Events,
		presence:     deps.Presence,
		queryTimeout: deps.QueryTimeout,
		previewsOn:   deps.LinkPreviews,
	}
}

// respond writes the success envelope.
func (h *Handler) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError writes the error envelope.
func (h *Handler) respondError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"message":    msg,
		"code":       code,
		"statusCode": status,
		"retryable":  errcode.Retryable(code),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// fail classifies a domain error and writes the envelope. Unknown errors are
// logged and reported as Internal without leaking detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if code == errcode.Internal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.respondError(w, status, code, msg)
}

// notFound writes the privacy 404. Callers that lack membership get the same
// answer as callers asking about resources that do not exist.
func (h *Handler) notFound(w http.ResponseWriter) {
	h.respondError(w, http.StatusNotFound, errcode.NotFound, "not found")
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, errcode.InvalidArgument, "invalid request body")
		return false
	}
	return true
}

// principal returns the authenticated identity, answering 401 itself when a
// request reached a protected handler without one.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, errcode.AuthInvalid, "authentication required")
		return nil, false
	}
	return p, true
}

// storeCtx bounds store work so a wedged store surfaces as Timeout instead
// of a hung request.
func (h *Handler) storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.queryTimeout)
}
