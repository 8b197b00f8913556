package gateway

import (
	"sort"
	"time"
)

// reorderStage briefly holds message:created frames that arrive ahead of
// sequence, so a transport that scrambles a topic still hits the wire in
// messageNo order. A frame whose predecessor does not show up within the
// window is flushed anyway; clients render by messageNo regardless, the
// stage just spares them the visual shuffle. Frames at or below the last
// written number pass straight through.
//
// Owned by the write pump; not safe for concurrent use.
type reorderStage struct {
	window   time.Duration
	capacity int

	last map[string]int64
	held map[string][]heldFrame
}

type heldFrame struct {
	no       int64
	data     []byte
	deadline time.Time
}

func newReorderStage(window time.Duration, capacity int) *reorderStage {
	if capacity <= 0 {
		capacity = 64
	}
	return &reorderStage{
		window:   window,
		capacity: capacity,
		last:     make(map[string]int64),
		held:     make(map[string][]heldFrame),
	}
}

func (s *reorderStage) enabled() bool { return s.window > 0 }

// offer accepts one sequenced frame and returns whatever is ready to write,
// in order. The first frame seen on a topic seeds the sequence.
func (s *reorderStage) offer(topic string, no int64, data []byte, now time.Time) [][]byte {
	if !s.enabled() {
		return [][]byte{data}
	}

	last, seen := s.last[topic]
	if !seen {
		s.last[topic] = no
		return [][]byte{data}
	}
	if no <= last {
		// Late or duplicate: deliver as-is without regressing the cursor.
		return [][]byte{data}
	}

	if no == last+1 {
		out := [][]byte{data}
		s.last[topic] = no
		return append(out, s.drain(topic)...)
	}

	// Gap: hold until the predecessor arrives or the window closes.
	held := s.held[topic]
	i := sort.Search(len(held), func(i int) bool { return held[i].no >= no })
	held = append(held, heldFrame{})
	copy(held[i+1:], held[i:])
	held[i] = heldFrame{no: no, data: data, deadline: now.Add(s.window)}

	if len(held) > s.capacity {
		s.held[topic] = held
		return s.flush(topic)
	}
	s.held[topic] = held
	return nil
}

// drain releases held frames that became consecutive after the cursor moved.
func (s *reorderStage) drain(topic string) [][]byte {
	held := s.held[topic]
	var out [][]byte
	for len(held) > 0 && held[0].no <= s.last[topic]+1 {
		f := held[0]
		held = held[1:]
		if f.no == s.last[topic]+1 {
			s.last[topic] = f.no
		}
		out = append(out, f.data)
	}
	if len(held) == 0 {
		delete(s.held, topic)
	} else {
		s.held[topic] = held
	}
	return out
}

// flush gives up on a topic's gap and releases everything held, in order.
func (s *reorderStage) flush(topic string) [][]byte {
	held := s.held[topic]
	if len(held) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(held))
	for _, f := range held {
		out = append(out, f.data)
		if f.no > s.last[topic] {
			s.last[topic] = f.no
		}
	}
	delete(s.held, topic)
	return out
}

// flushAll releases every held frame across topics; used at session drain.
func (s *reorderStage) flushAll() [][]byte {
	var out [][]byte
	for topic := range s.held {
		out = append(out, s.flush(topic)...)
	}
	return out
}

// expire flushes every topic whose oldest hold deadline has passed.
func (s *reorderStage) expire(now time.Time) [][]byte {
	var out [][]byte
	for topic, held := range s.held {
		if len(held) > 0 && !held[0].deadline.After(now) {
			out = append(out, s.flush(topic)...)
		}
	}
	return out
}

// nextDeadline reports the earliest hold deadline across topics.
func (s *reorderStage) nextDeadline() (time.Time, bool) {
	var min time.Time
	for _, held := range s.held {
		for _, f := range held {
			if min.IsZero() || f.deadline.Before(min) {
				min = f.deadline
			}
		}
	}
	return min, !min.IsZero()
}

// forget drops all state for a topic, used when the session leaves it.
func (s *reorderStage) forget(topic string) {
	delete(s.last, topic)
	delete(s.held, topic)
}
