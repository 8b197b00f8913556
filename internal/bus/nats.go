package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig controls the connection to the NATS cluster.
type NATSConfig struct {
	URL string

	// SubjectPrefix namespaces every subject so several deployments can
	// share a cluster. Defaults to "echo".
	SubjectPrefix string

	// MaxReconnects below zero means retry forever.
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "echo"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = 500 * time.Millisecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 3
	}
	return c
}

// NATS is the multi-node Bus. Topics map to subjects by swapping ":" for "."
// under the configured prefix, so "workspace:w1:channel:c2" publishes to
// "echo.workspace.w1.channel.c2".
type NATS struct {
	conn   *nats.Conn
	prefix string

	mu     sync.RWMutex
	subs   map[uint64]*nats.Subscription
	nextID uint64
	closed bool
}

// NewNATS connects and installs reconnect handlers. The connection retries
// forever by default; a node that loses the broker keeps serving reads and
// surfaces ErrUnavailable on writes until the reconnect lands.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	cfg = cfg.withDefaults()

	b := &NATS{
		prefix: cfg.SubjectPrefix,
		subs:   make(map[uint64]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
				return
			}
			slog.Info("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Error("nats async error", "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	b.conn = conn

	slog.Info("connected to nats", "url", conn.ConnectedUrl(), "prefix", b.prefix)
	return b, nil
}

func (b *NATS) subject(topic string) string {
	return b.prefix + "." + strings.ReplaceAll(topic, ":", ".")
}

// topicOf inverts subject: wildcard subscribers need the concrete topic of
// each message, not the pattern they subscribed with.
func (b *NATS) topicOf(subject string) string {
	trimmed := strings.TrimPrefix(subject, b.prefix+".")
	return strings.ReplaceAll(trimmed, ".", ":")
}

func (b *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if err := b.conn.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("%w: publish %q: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (b *NATS) Subscribe(topic string, fn Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub, err := b.conn.Subscribe(b.subject(topic), func(msg *nats.Msg) {
		fn(b.topicOf(msg.Subject), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %q: %v", ErrUnavailable, topic, err)
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = sub

	return &natsSub{bus: b, id: id, sub: sub}, nil
}

// Close drops every subscription and closes the connection. Buffered
// outbound publishes are flushed first so a draining node does not lose
// its final events.
func (b *NATS) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*nats.Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("nats unsubscribe during close", "error", err)
		}
	}
	if err := b.conn.Drain(); err != nil {
		slog.Warn("nats drain", "error", err)
		b.conn.Close()
	}
}

// Connected reports whether the underlying connection is currently up.
func (b *NATS) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSub struct {
	bus *NATS
	id  uint64
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	if s.bus.closed {
		s.bus.mu.Unlock()
		return nil
	}
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}
