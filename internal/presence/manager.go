// Package presence tracks which users are online in which workspaces and
// announces transitions on the workspace topic. State is process-local: a
// user shows online wherever one of their sockets joined the workspace, and
// cross-node readers see whatever their node saw. Sessions refresh liveness
// with pings; the sweeper ages out sockets that went quiet without closing.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/echochat/api/internal/event"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Options tune liveness decay.
type Options struct {
	// TTL is how long a user stays online after their last touch.
	TTL time.Duration

	// SweepInterval is how often stale entries are re-checked.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

type entry struct {
	sessions int
	status   string
	lastSeen time.Time
}

type Manager struct {
	router *event.Router
	opts   Options

	mu sync.Mutex
	// workspaceID -> userID -> entry
	workspaces map[string]map[string]*entry
}

func NewManager(router *event.Router, opts Options) *Manager {
	return &Manager{
		router:     router,
		opts:       opts.withDefaults(),
		workspaces: make(map[string]map[string]*entry),
	}
}

// Connected records one socket joining the workspace. The first concurrent
// socket flips the user online and publishes the change.
func (m *Manager) Connected(ctx context.Context, workspaceID, userID string) {
	m.mu.Lock()
	ws := m.workspaces[workspaceID]
	if ws == nil {
		ws = make(map[string]*entry)
		m.workspaces[workspaceID] = ws
	}
	e := ws[userID]
	if e == nil {
		e = &entry{status: StatusOffline}
		ws[userID] = e
	}
	e.sessions++
	e.lastSeen = time.Now().UTC()
	wentOnline := e.status != StatusOnline
	if wentOnline {
		e.status = StatusOnline
	}
	m.mu.Unlock()

	if wentOnline {
		m.router.PresenceChanged(ctx, workspaceID, userID, StatusOnline)
	}
}

// Disconnected records one socket leaving the workspace. When the last
// socket goes, the user flips offline.
func (m *Manager) Disconnected(ctx context.Context, workspaceID, userID string) {
	m.mu.Lock()
	ws := m.workspaces[workspaceID]
	var wentOffline bool
	if ws != nil {
		if e := ws[userID]; e != nil {
			e.sessions--
			if e.sessions <= 0 {
				wentOffline = e.status == StatusOnline
				delete(ws, userID)
			}
		}
		if len(ws) == 0 {
			delete(m.workspaces, workspaceID)
		}
	}
	m.mu.Unlock()

	if wentOffline {
		m.router.PresenceChanged(ctx, workspaceID, userID, StatusOffline)
	}
}

// Touch refreshes the user's liveness in every workspace they occupy.
// Sessions call it on each heartbeat. A user the sweeper flipped offline
// while their socket stayed up comes back online here.
func (m *Manager) Touch(ctx context.Context, userID string) {
	now := time.Now().UTC()

	m.mu.Lock()
	var revived []string
	for workspaceID, ws := range m.workspaces {
		if e := ws[userID]; e != nil {
			e.lastSeen = now
			if e.status != StatusOnline && e.sessions > 0 {
				e.status = StatusOnline
				revived = append(revived, workspaceID)
			}
		}
	}
	m.mu.Unlock()

	for _, workspaceID := range revived {
		m.router.PresenceChanged(ctx, workspaceID, userID, StatusOnline)
	}
}

// Status reports a single user's presence in a workspace.
func (m *Manager) Status(workspaceID, userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws := m.workspaces[workspaceID]; ws != nil {
		if e := ws[userID]; e != nil {
			return e.status
		}
	}
	return StatusOffline
}

// WorkspaceSnapshot lists every tracked user in the workspace with their
// status. Users with no live socket are simply absent.
func (m *Manager) WorkspaceSnapshot(workspaceID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]string)
	if ws := m.workspaces[workspaceID]; ws != nil {
		for userID, e := range ws {
			snapshot[userID] = e.status
		}
	}
	return snapshot
}

// Run sweeps until the context ends. A user whose sockets stopped touching
// for longer than the TTL flips offline even though the connection count
// says otherwise; a wedged TCP session should not pin someone online.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	type change struct {
		workspaceID, userID string
	}
	cutoff := time.Now().UTC().Add(-m.opts.TTL)

	m.mu.Lock()
	var stale []change
	for workspaceID, ws := range m.workspaces {
		for userID, e := range ws {
			if e.status == StatusOnline && e.lastSeen.Before(cutoff) {
				e.status = StatusOffline
				stale = append(stale, change{workspaceID, userID})
			}
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		m.router.PresenceChanged(ctx, c.workspaceID, c.userID, StatusOffline)
	}
}
