package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/echochat/api/internal/errcode"
)

type contextKey struct{}

func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the verified identity attached by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// Middleware verifies a bearer token when one is present and attaches the
// principal to the request context. A bad token stops the request here; a
// missing token passes through anonymous so public routes share the chain.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := TokenFromRequest(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p, err := v.Verify(token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					writeUnauthorized(w, errcode.AuthExpired, "token expired, sign in again")
					return
				}
				writeUnauthorized(w, errcode.AuthInvalid, "invalid credentials")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAuth rejects anonymous requests. Mount after Middleware.
func RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := PrincipalFromContext(r.Context()); !ok {
				writeUnauthorized(w, errcode.AuthInvalid, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"message":    message,
		"code":       code,
		"statusCode": http.StatusUnauthorized,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
