package handler

import (
	"net/http"

	"github.com/echochat/api/internal/auth"
)

// Register creates an account and signs the caller in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var input auth.RegisterInput
	if !h.decode(w, r, &input) {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	session, err := h.authService.Register(ctx, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, session)
}

// Login exchanges credentials for a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var input auth.LoginInput
	if !h.decode(w, r, &input) {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	session, err := h.authService.Login(ctx, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, session)
}

// Me returns the caller's account, re-checked against the store so a
// deactivated user cannot keep an unexpired token useful here.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.storeCtx(r)
	defer cancel()

	u, err := h.authService.GetCurrentUser(ctx, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, u)
}
