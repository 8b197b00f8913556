package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// memorySubBuffer bounds the pending events per subscriber. Single-node
// traffic stays far below this; an overflow means a handler has stalled
// and the oldest guarantee we can keep is to drop rather than block the
// publisher.
const memorySubBuffer = 1024

// Memory is a single-process Bus for tests and single-node deployments.
// Events reach subscribers in publish order, each on the subscriber's own
// goroutine, so the publish path never runs handler code.
type Memory struct {
	mu        sync.Mutex
	subs      map[string][]*memorySub
	wildcards []*memorySub
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySub)}
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBusClosed
	}
	subs := make([]*memorySub, 0, len(m.subs[topic]))
	subs = append(subs, m.subs[topic]...)
	for _, s := range m.wildcards {
		if strings.HasPrefix(topic, s.topic[:len(s.topic)-1]) {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(topic, data)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, fn Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrBusClosed
	}

	s := &memorySub{
		bus:   m,
		topic: topic,
		fn:    fn,
		ch:    make(chan memoryEvent, memorySubBuffer),
		done:  make(chan struct{}),
	}
	if strings.HasSuffix(topic, ">") {
		m.wildcards = append(m.wildcards, s)
	} else {
		m.subs[topic] = append(m.subs[topic], s)
	}
	go s.pump()
	return s, nil
}

func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	wildcards := m.wildcards
	m.subs = nil
	m.wildcards = nil
	m.mu.Unlock()

	for _, list := range subs {
		for _, s := range list {
			s.stop()
		}
	}
	for _, s := range wildcards {
		s.stop()
	}
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if strings.HasSuffix(s.topic, ">") {
		for i, cur := range m.wildcards {
			if cur == s {
				m.wildcards = append(m.wildcards[:i], m.wildcards[i+1:]...)
				break
			}
		}
		return
	}
	list := m.subs[s.topic]
	for i, cur := range list {
		if cur == s {
			m.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[s.topic]) == 0 {
		delete(m.subs, s.topic)
	}
}

type memoryEvent struct {
	topic string
	data  []byte
}

type memorySub struct {
	bus   *Memory
	topic string
	fn    Handler
	ch    chan memoryEvent
	done  chan struct{}
	once  sync.Once
}

// deliver hands the event to the subscriber goroutine. The concrete publish
// topic rides along so wildcard subscribers see it rather than the pattern
// they subscribed with.
func (s *memorySub) deliver(topic string, data []byte) {
	select {
	case s.ch <- memoryEvent{topic: topic, data: data}:
	case <-s.done:
	default:
		slog.Warn("memory bus subscriber overflow, dropping event", "topic", topic)
	}
}

func (s *memorySub) pump() {
	for {
		select {
		case ev := <-s.ch:
			s.fn(ev.topic, ev.data)
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}
