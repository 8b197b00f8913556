package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/handler"
	"github.com/echochat/api/internal/ratelimit"
)

// NewRouter assembles the HTTP surface: the REST command routes under /api,
// the websocket upgrade at /ws, and the liveness probe. The gateway
// authenticates during its own handshake, so it mounts outside the auth
// middleware; register and login sit outside RequireAuth but inside the
// rate limiter.
func NewRouter(h *handler.Handler, gateway http.Handler, verifier *auth.Verifier, limiter *ratelimit.Limiter, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         86400,
		}))
	}

	r.Use(ratelimit.Middleware(limiter))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Method(http.MethodGet, "/ws", gateway)

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", h.Register)
		api.Post("/auth/login", h.Login)

		api.Group(func(priv chi.Router) {
			priv.Use(auth.Middleware(verifier))
			priv.Use(auth.RequireAuth())

			priv.Get("/auth/me", h.Me)

			priv.Post("/invites/{token}/accept", h.AcceptInvite)

			priv.Post("/workspaces", h.CreateWorkspace)
			priv.Get("/workspaces", h.ListWorkspaces)

			priv.Route("/workspaces/{workspaceID}", func(ws chi.Router) {
				ws.Get("/", h.GetWorkspace)
				ws.Delete("/", h.DeleteWorkspace)
				ws.Get("/presence", h.WorkspacePresence)
				ws.Get("/unread-counts", h.UnreadCounts)
				ws.Get("/members", h.ListWorkspaceMembers)
				ws.Delete("/members/{userID}", h.RemoveWorkspaceMember)
				ws.Post("/invites", h.CreateInvite)

				ws.Post("/channels", h.CreateChannel)
				ws.Get("/channels", h.ListChannels)

				ws.Route("/channels/{channelID}", func(ch chi.Router) {
					ch.Delete("/", h.DeleteChannel)
					ch.Post("/join", h.JoinChannel)
					ch.Post("/leave", h.LeaveChannel)

					ch.Post("/read-receipt", h.AdvanceReadReceipt)
					ch.Get("/read-receipt", h.GetReadReceipt)

					ch.Post("/messages", h.CreateMessage)
					ch.Get("/messages", h.ListMessages)
					ch.Get("/messages/{messageID}", h.GetMessage)
					ch.Patch("/messages/{messageID}", h.UpdateMessage)
					ch.Delete("/messages/{messageID}", h.DeleteMessage)
					ch.Get("/messages/{messageID}/thread", h.GetThread)
				})
			})
		})
	})

	return r
}

// RequestLogger emits one slog line per completed request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
