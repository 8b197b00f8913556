// Package room maps bus topics to the sockets on this process that want
// them. The manager subscribes to a topic when local interest appears and
// unsubscribes shortly after it disappears, so a node only receives traffic
// it can deliver somewhere.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echochat/api/internal/bus"
)

// ErrClosed is returned by Join after the manager has shut down.
var ErrClosed = errors.New("room manager closed")

// Socket is the manager's view of one gateway connection. TryEnqueue must
// not block: it offers the frame to the session's bounded outbound queue
// and reports whether it was accepted. CloseSlow must also return without
// blocking; it asks the session to tear itself down with a SlowConsumer
// close, after which the session leaves its rooms through the usual path.
type Socket interface {
	SessionID() string
	TryEnqueue(topic string, data []byte) bool
	CloseSlow()
}

// Options tune the manager.
type Options struct {
	// LingerWindow delays the bus unsubscribe after a room empties, so a
	// client bouncing between channels does not thrash the subscription.
	LingerWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.LingerWindow <= 0 {
		o.LingerWindow = 2 * time.Second
	}
	return o
}

// Manager tracks per-topic rooms. The manager lock guards the room map;
// each room guards its own socket set, and delivery snapshots that set
// before enqueueing so no lock is held across socket handoff.
type Manager struct {
	bus  bus.Bus
	opts Options

	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool
}

func NewManager(b bus.Bus, opts Options) *Manager {
	return &Manager{
		bus:   b,
		opts:  opts.withDefaults(),
		rooms: make(map[string]*room),
	}
}

type room struct {
	topic string
	sub   bus.Subscription

	mu      sync.Mutex
	sockets map[string]Socket
	linger  *time.Timer
	closed  bool
}

// Join adds the socket to the topic's room, creating the room and the bus
// subscription when this is the first local interest. Joining a room the
// socket already belongs to is a no-op.
func (m *Manager) Join(topic string, s Socket) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		r, ok := m.rooms[topic]
		if !ok {
			r = &room{topic: topic, sockets: make(map[string]Socket)}
			sub, err := m.bus.Subscribe(topic, r.deliver)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("subscribing room %q: %w", topic, err)
			}
			r.sub = sub
			m.rooms[topic] = r
		}
		m.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			// Lost a race with the linger reaper; the map no longer
			// holds this room, so take another pass.
			r.mu.Unlock()
			continue
		}
		if r.linger != nil {
			r.linger.Stop()
			r.linger = nil
		}
		r.sockets[s.SessionID()] = s
		r.mu.Unlock()
		return nil
	}
}

// Leave removes the socket from the topic's room. When the room empties it
// stays subscribed for the linger window before the manager lets it go.
// Leaving a room the socket is not in is a no-op.
func (m *Manager) Leave(topic, sessionID string) {
	m.mu.RLock()
	r := m.rooms[topic]
	closed := m.closed
	m.mu.RUnlock()
	if r == nil || closed {
		return
	}

	r.mu.Lock()
	delete(r.sockets, sessionID)
	if len(r.sockets) == 0 && !r.closed && r.linger == nil {
		r.linger = time.AfterFunc(m.opts.LingerWindow, func() { m.reap(r) })
	}
	r.mu.Unlock()
}

// reap drops an empty room after its linger window. A rejoin during the
// window wins: the timer re-checks membership under the lock and backs off.
func (m *Manager) reap(r *room) {
	m.mu.Lock()
	if m.rooms[r.topic] != r {
		m.mu.Unlock()
		return
	}
	r.mu.Lock()
	if len(r.sockets) > 0 {
		r.linger = nil
		r.mu.Unlock()
		m.mu.Unlock()
		return
	}
	r.closed = true
	delete(m.rooms, r.topic)
	r.mu.Unlock()
	m.mu.Unlock()

	if err := r.sub.Unsubscribe(); err != nil {
		slog.Warn("unsubscribing empty room", "topic", r.topic, "error", err)
	}
}

// deliver runs on a bus goroutine. Snapshot under the lock, enqueue outside
// it; a socket that cannot absorb the frame is cut loose so the room never
// waits on its slowest member.
func (r *room) deliver(topic string, data []byte) {
	r.mu.Lock()
	if r.closed || len(r.sockets) == 0 {
		r.mu.Unlock()
		return
	}
	sockets := make([]Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	r.mu.Unlock()

	for _, s := range sockets {
		if !s.TryEnqueue(topic, data) {
			slog.Warn("outbound queue full, disconnecting slow consumer",
				"topic", topic, "session_id", s.SessionID())
			s.CloseSlow()
		}
	}
}

// MemberCount reports how many sockets are in the topic's room.
func (m *Manager) MemberCount(topic string) int {
	m.mu.RLock()
	r := m.rooms[topic]
	m.mu.RUnlock()
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// RoomCount reports how many topics currently hold a bus subscription.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Close unsubscribes every room and rejects further joins. Sessions are not
// closed here; the gateway owns connection teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := m.rooms
	m.rooms = make(map[string]*room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.closed = true
		if r.linger != nil {
			r.linger.Stop()
			r.linger = nil
		}
		r.sockets = make(map[string]Socket)
		r.mu.Unlock()

		if err := r.sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribing room during close", "topic", r.topic, "error", err)
		}
	}
}
