// Package gateway owns the duplex side of the API: websocket upgrades,
// per-connection sessions, and the coordinated drain at shutdown. Sessions
// authenticate before the upgrade, join rooms by command, and receive
// whatever the rooms hand them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/event"
	"github.com/echochat/api/internal/membership"
	"github.com/echochat/api/internal/room"
)

// Memberships is the slice of the membership oracle the gateway needs.
type Memberships interface {
	WorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error)
	ChannelRole(ctx context.Context, userID, channelID string) (membership.ChannelGrant, error)
}

// ChannelHeads answers the highest committed messageNo per channel, served
// by the message repository.
type ChannelHeads interface {
	Head(ctx context.Context, workspaceID, channelID string) (int64, error)
}

// Presence hears about workspace occupancy changes and heartbeats.
type Presence interface {
	Connected(ctx context.Context, workspaceID, userID string)
	Disconnected(ctx context.Context, workspaceID, userID string)
	Touch(ctx context.Context, userID string)
}

// Dependencies wires the gateway into the rest of the process.
type Dependencies struct {
	Verifier    *auth.Verifier
	Memberships Memberships
	Heads       ChannelHeads
	Rooms       *room.Manager
	Presence    Presence
}

// Options tune connection behavior. Zero values fall back to defaults.
type Options struct {
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
	DrainTimeout           time.Duration
	ShutdownGrace          time.Duration
	OutboundQueueCapacity  int

	// ReorderWindow bounds how long a message:created frame waits for its
	// predecessor; zero disables receive-side reordering.
	ReorderWindow   time.Duration
	ReorderCapacity int

	// CommandTimeout bounds the store and oracle work behind one inbound
	// command.
	CommandTimeout time.Duration

	// AllowedOrigins lists acceptable Origin headers; empty accepts any.
	AllowedOrigins []string

	// UpgradesPerMinute caps upgrade attempts per client IP.
	UpgradesPerMinute int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatMissThreshold <= 0 {
		o.HeartbeatMissThreshold = 2
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 20 * time.Second
	}
	if o.OutboundQueueCapacity <= 0 {
		o.OutboundQueueCapacity = 1024
	}
	if o.ReorderCapacity <= 0 {
		o.ReorderCapacity = 64
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.UpgradesPerMinute <= 0 {
		o.UpgradesPerMinute = 60
	}
	return o
}

type Gateway struct {
	verifier    *auth.Verifier
	memberships Memberships
	heads       ChannelHeads
	rooms       *room.Manager
	presence    Presence
	opts        Options
	upgrader    websocket.Upgrader
	limiter     *ipLimiter
	metrics     *instruments

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
}

func New(deps Dependencies, opts Options) *Gateway {
	opts = opts.withDefaults()
	g := &Gateway{
		verifier:    deps.Verifier,
		memberships: deps.Memberships,
		heads:       deps.Heads,
		rooms:       deps.Rooms,
		presence:    deps.Presence,
		opts:        opts,
		limiter:     newIPLimiter(opts.UpgradesPerMinute),
		metrics:     newInstruments(),
		sessions:    make(map[string]*Session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return g
}

// readWait is the read deadline: the client may miss a few heartbeats
// before we call it dead.
func (g *Gateway) readWait() time.Duration {
	return g.opts.HeartbeatInterval * time.Duration(g.opts.HeartbeatMissThreshold+1)
}

// ServeHTTP authenticates, upgrades, and runs the session to completion.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	draining := g.draining
	g.mu.Unlock()
	if draining {
		respondError(w, http.StatusServiceUnavailable, errcode.Unavailable, "server is shutting down")
		return
	}

	if !g.limiter.allow(clientIP(r)) {
		respondError(w, http.StatusTooManyRequests, errcode.Unavailable, "too many connection attempts")
		return
	}

	token, ok := auth.TokenFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, errcode.AuthInvalid, "missing credentials")
		return
	}
	principal, err := g.verifier.Verify(token)
	if err != nil {
		code := errcode.AuthInvalid
		if errors.Is(err, auth.ErrTokenExpired) {
			code = errcode.AuthExpired
		}
		respondError(w, http.StatusUnauthorized, code, "invalid credentials")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		slog.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(g, principal, conn)
	slog.Info("socket connected", "session_id", s.id, "user_id", principal.UserID)
	s.run()
	slog.Info("socket closed", "session_id", s.id, "user_id", principal.UserID)
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
}

func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
}

// SessionCount reports how many sessions are currently open.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new upgrades, hints every session to reconnect later,
// and waits for them to close, forcing the stragglers at the grace
// deadline or when ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.draining = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	slog.Info("draining sockets", "sessions", len(sessions))

	hint, err := event.Marshal(event.EventServerShutdown, event.ServerShutdownPayload{
		ReconnectAfterMs: 1000,
	})
	for _, s := range sessions {
		if err == nil {
			s.TryEnqueue("", hint)
		}
		s.beginClose(websocket.CloseGoingAway, "server shutting down")
	}

	grace := time.NewTimer(g.opts.ShutdownGrace)
	defer grace.Stop()
	for i, s := range sessions {
		select {
		case <-s.done:
		case <-grace.C:
			g.forceClose(sessions[i:])
			return
		case <-ctx.Done():
			g.forceClose(sessions[i:])
			return
		}
	}
}

func (g *Gateway) forceClose(sessions []*Session) {
	for _, s := range sessions {
		select {
		case <-s.done:
		default:
			s.conn.Close()
		}
	}
}

// respondError writes the standard error envelope. Kept local to avoid
// pulling the HTTP handler layer into the gateway.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"message":    message,
		"code":       code,
		"statusCode": status,
		"retryable":  errcode.Retryable(code),
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter throttles upgrade attempts per client IP. Entries idle past
// ipLimiterIdle are pruned whenever the map has grown noticeably.
const (
	ipLimiterIdle      = 10 * time.Minute
	ipLimiterSweepSize = 4096
)

type ipLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	perIP map[string]*ipLimiterEntry
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	burst := perMinute / 6
	if burst < 3 {
		burst = 3
	}
	return &ipLimiter{
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		perIP: make(map[string]*ipLimiterEntry),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.perIP) >= ipLimiterSweepSize {
		cutoff := now.Add(-ipLimiterIdle)
		for k, e := range l.perIP {
			if e.lastSeen.Before(cutoff) {
				delete(l.perIP, k)
			}
		}
	}

	e := l.perIP[ip]
	if e == nil {
		e = &ipLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.perIP[ip] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}
