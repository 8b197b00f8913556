package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/bus"
	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/event"
	"github.com/echochat/api/internal/membership"
)

// Socket command names.
const (
	cmdJoinWorkspace  = "join_workspace"
	cmdLeaveWorkspace = "leave_workspace"
	cmdJoinChannel    = "join_channel"
	cmdLeaveChannel   = "leave_channel"
	cmdPing           = "ping"
)

// Application close codes, in the 4000+ range the RFC leaves to us.
// Standard codes cover ordinary and going-away closes.
const (
	closeCodeAuthExpired  = 4401
	closeCodeTimeout      = 4408
	closeCodeSlowConsumer = 4429
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// maxCommandBytes bounds inbound frames; commands are tiny.
	maxCommandBytes = 4096
)

// State tracks the session lifecycle. Transitions only move forward.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Command is one inbound client frame. RequestID is client-chosen and echoed
// on the matching ack or error.
type Command struct {
	RequestID string          `json:"requestId,omitempty"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// outFrame is one queued outbound frame. Topic is empty for frames the
// session generated itself (ready, acks, errors, pong).
type outFrame struct {
	topic string
	data  []byte
}

// Session owns one websocket connection: the read pump handles commands in
// receipt order, the write pump serializes every outbound frame, and the
// rooms the session joined hand frames to its bounded queue.
type Session struct {
	id        string
	principal *auth.Principal
	conn      *websocket.Conn
	gw        *Gateway

	queue   chan outFrame
	closing chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	state     State
	topics    map[string]struct{}
	closeCode int
	closeText string

	closeOnce sync.Once
}

func newSession(gw *Gateway, principal *auth.Principal, conn *websocket.Conn) *Session {
	return &Session{
		id:        ulid.Make().String(),
		principal: principal,
		conn:      conn,
		gw:        gw,
		queue:     make(chan outFrame, gw.opts.OutboundQueueCapacity),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateAuthenticated,
		topics:    make(map[string]struct{}),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if st > s.state {
		s.state = st
	}
	s.mu.Unlock()
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID implements room.Socket.
func (s *Session) SessionID() string { return s.id }

// TryEnqueue implements room.Socket. A closing session absorbs frames
// without queueing them; reporting full there would read as slow.
func (s *Session) TryEnqueue(topic string, data []byte) bool {
	select {
	case <-s.closing:
		return true
	default:
	}
	select {
	case s.queue <- outFrame{topic: topic, data: data}:
		return true
	default:
		return false
	}
}

// CloseSlow implements room.Socket.
func (s *Session) CloseSlow() {
	s.beginClose(closeCodeSlowConsumer, "outbound queue overflow")
}

// beginClose moves the session to Closing exactly once. The write pump
// picks up the signal, drains, and closes the connection, which in turn
// unblocks the read pump.
func (s *Session) beginClose(code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state < StateClosing {
			s.state = StateClosing
		}
		s.closeCode = code
		s.closeText = text
		s.mu.Unlock()
		close(s.closing)
	})
}

// run drives the session to completion and blocks until teardown is done.
// Runs on the upgrade handler's goroutine.
func (s *Session) run() {
	s.gw.register(s)
	s.gw.metrics.sessionOpened(context.Background())

	s.setState(StateActive)
	s.send(event.EventReady, event.ReadyPayload{
		UserID:     s.principal.UserID,
		ServerTime: time.Now().UTC(),
	})

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump()
	}()
	s.readPump()
	<-writeDone

	s.teardown()
	s.gw.unregister(s)

	s.mu.Lock()
	code := s.closeCode
	s.mu.Unlock()
	s.gw.metrics.sessionClosed(context.Background(), closeReason(code))

	close(s.done)
}

// teardown leaves every joined room and settles presence.
func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateClosed
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = make(map[string]struct{})
	s.mu.Unlock()

	ctx := context.Background()
	for _, topic := range topics {
		s.gw.rooms.Leave(topic, s.id)
		if workspaceID, ok := bus.WorkspaceFromTopic(topic); ok {
			s.gw.presence.Disconnected(ctx, workspaceID, s.principal.UserID)
		}
	}
}

// joinTopic adds the session to a room, reporting whether it was newly
// joined. Rejoining is a no-op.
func (s *Session) joinTopic(topic string) (bool, error) {
	s.mu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if err := s.gw.rooms.Join(topic, s); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	return true, nil
}

// leaveTopic removes the session from a room and settles presence when the
// topic was a workspace topic. Leaving an unjoined topic is a no-op.
func (s *Session) leaveTopic(ctx context.Context, topic string) {
	s.mu.Lock()
	_, ok := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.gw.rooms.Leave(topic, s.id)
	if workspaceID, isWorkspace := bus.WorkspaceFromTopic(topic); isWorkspace {
		s.gw.presence.Disconnected(ctx, workspaceID, s.principal.UserID)
	}
}

// leaveWorkspaceTopics drops the workspace topic and every channel topic
// under it; used for self-eviction after workspace:member:left.
func (s *Session) leaveWorkspaceTopics(ctx context.Context, workspaceID string) {
	s.mu.Lock()
	var matched []string
	for topic := range s.topics {
		if bus.BelongsToWorkspace(topic, workspaceID) {
			matched = append(matched, topic)
		}
	}
	s.mu.Unlock()

	for _, topic := range matched {
		s.leaveTopic(ctx, topic)
	}
}

// send marshals and queues a session-generated frame.
func (s *Session) send(name string, payload any) {
	data, err := event.Marshal(name, payload)
	if err != nil {
		slog.Error("marshaling socket frame", "event", name, "error", err)
		return
	}
	if !s.TryEnqueue("", data) {
		s.CloseSlow()
	}
}

func (s *Session) sendAck(p event.AckPayload) {
	s.send(event.EventAck, p)
}

func (s *Session) sendError(requestID, code, message string) {
	s.send(event.EventError, event.ErrorPayload{
		RequestID: requestID,
		Code:      code,
		Message:   message,
		Retryable: errcode.Retryable(code),
	})
}

// readPump processes inbound frames in receipt order until the connection
// errors, the heartbeat stops, or the session starts closing.
func (s *Session) readPump() {
	defer s.beginClose(websocket.CloseNormalClosure, "")

	readWait := s.gw.readWait()
	s.conn.SetReadLimit(maxCommandBytes)
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		s.gw.presence.Touch(context.Background(), s.principal.UserID)
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.beginClose(closeCodeTimeout, "heartbeat timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				slog.Debug("socket read failed", "session_id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))

		select {
		case <-s.closing:
			return
		default:
		}
		s.handleCommand(raw)
	}
}

func (s *Session) handleCommand(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError("", errcode.InvalidArgument, "malformed command")
		return
	}

	if !s.principal.ExpiresAt.IsZero() && time.Now().After(s.principal.ExpiresAt) {
		s.sendError(cmd.RequestID, errcode.AuthExpired, "token expired, reconnect with a fresh one")
		s.beginClose(closeCodeAuthExpired, "token expired")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.gw.opts.CommandTimeout)
	defer cancel()
	ctx, span := commandSpan(ctx, cmd.Name)
	defer span.End()
	s.gw.metrics.command(ctx, cmd.Name)

	switch cmd.Name {
	case cmdJoinWorkspace:
		s.handleJoinWorkspace(ctx, cmd)
	case cmdLeaveWorkspace:
		s.handleLeaveWorkspace(ctx, cmd)
	case cmdJoinChannel:
		s.handleJoinChannel(ctx, cmd)
	case cmdLeaveChannel:
		s.handleLeaveChannel(ctx, cmd)
	case cmdPing:
		s.handlePing(ctx, cmd)
	default:
		s.sendError(cmd.RequestID, errcode.InvalidArgument, "unknown command")
	}
}

func (s *Session) handleJoinWorkspace(ctx context.Context, cmd Command) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.WorkspaceID == "" {
		s.sendError(cmd.RequestID, errcode.InvalidArgument, "workspaceId is required")
		return
	}

	if _, err := s.gw.memberships.WorkspaceRole(ctx, s.principal.UserID, p.WorkspaceID); err != nil {
		s.sendMembershipError(cmd.RequestID, err)
		return
	}

	joined, err := s.joinTopic(bus.WorkspaceTopic(p.WorkspaceID))
	if err != nil {
		s.sendError(cmd.RequestID, errcode.Unavailable, "could not join workspace")
		return
	}
	if _, err := s.joinTopic(bus.UserTopic(s.principal.UserID)); err != nil {
		s.sendError(cmd.RequestID, errcode.Unavailable, "could not join inbox")
		return
	}
	if joined {
		s.gw.presence.Connected(ctx, p.WorkspaceID, s.principal.UserID)
	}

	s.sendAck(event.AckPayload{
		RequestID:   cmd.RequestID,
		Command:     cmdJoinWorkspace,
		WorkspaceID: p.WorkspaceID,
	})
}

func (s *Session) handleJoinChannel(ctx context.Context, cmd Command) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
		ChannelID   string `json:"channelId"`
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.WorkspaceID == "" || p.ChannelID == "" {
		s.sendError(cmd.RequestID, errcode.InvalidArgument, "workspaceId and channelId are required")
		return
	}

	grant, err := s.gw.memberships.ChannelRole(ctx, s.principal.UserID, p.ChannelID)
	if err != nil {
		s.sendMembershipError(cmd.RequestID, err)
		return
	}
	if grant.WorkspaceID != p.WorkspaceID {
		s.sendError(cmd.RequestID, errcode.Forbidden, "not a member of this channel")
		return
	}

	head, err := s.gw.heads.Head(ctx, p.WorkspaceID, p.ChannelID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.sendError(cmd.RequestID, errcode.Timeout, "channel head lookup timed out")
		} else {
			s.sendError(cmd.RequestID, errcode.Unavailable, "channel head unavailable")
		}
		return
	}

	if _, err := s.joinTopic(bus.ChannelTopic(p.WorkspaceID, p.ChannelID)); err != nil {
		s.sendError(cmd.RequestID, errcode.Unavailable, "could not join channel")
		return
	}

	s.sendAck(event.AckPayload{
		RequestID:   cmd.RequestID,
		Command:     cmdJoinChannel,
		WorkspaceID: p.WorkspaceID,
		ChannelID:   p.ChannelID,
		Head:        &head,
	})
}

func (s *Session) handleLeaveWorkspace(ctx context.Context, cmd Command) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.WorkspaceID == "" {
		s.sendError(cmd.RequestID, errcode.InvalidArgument, "workspaceId is required")
		return
	}

	s.leaveTopic(ctx, bus.WorkspaceTopic(p.WorkspaceID))
	s.sendAck(event.AckPayload{
		RequestID:   cmd.RequestID,
		Command:     cmdLeaveWorkspace,
		WorkspaceID: p.WorkspaceID,
	})
}

func (s *Session) handleLeaveChannel(ctx context.Context, cmd Command) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
		ChannelID   string `json:"channelId"`
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.WorkspaceID == "" || p.ChannelID == "" {
		s.sendError(cmd.RequestID, errcode.InvalidArgument, "workspaceId and channelId are required")
		return
	}

	s.leaveTopic(ctx, bus.ChannelTopic(p.WorkspaceID, p.ChannelID))
	s.sendAck(event.AckPayload{
		RequestID:   cmd.RequestID,
		Command:     cmdLeaveChannel,
		WorkspaceID: p.WorkspaceID,
		ChannelID:   p.ChannelID,
	})
}

func (s *Session) handlePing(ctx context.Context, cmd Command) {
	s.gw.presence.Touch(ctx, s.principal.UserID)
	s.send(event.EventPong, event.PongPayload{
		RequestID:  cmd.RequestID,
		ServerTime: time.Now().UTC(),
	})
}

func (s *Session) sendMembershipError(requestID string, err error) {
	switch {
	case errors.Is(err, membership.ErrNotMember):
		s.sendError(requestID, errcode.Forbidden, "not a member")
	case errors.Is(err, membership.ErrUnavailable):
		s.sendError(requestID, errcode.Unavailable, "membership check unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		s.sendError(requestID, errcode.Timeout, "membership check timed out")
	default:
		s.sendError(requestID, errcode.Internal, "membership check failed")
	}
}

// writePump owns every write to the socket: queued frames, heartbeat pings,
// reorder flushes, and the final close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.gw.opts.HeartbeatInterval)
	stage := newReorderStage(s.gw.opts.ReorderWindow, s.gw.opts.ReorderCapacity)
	flushTimer := time.NewTimer(time.Hour)
	flushTimer.Stop()

	defer func() {
		ticker.Stop()
		flushTimer.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f := <-s.queue:
			for _, data := range s.outbound(stage, f) {
				if err := s.write(data); err != nil {
					s.beginClose(websocket.CloseAbnormalClosure, "write failed")
					return
				}
			}
			s.rearmFlush(stage, flushTimer)

		case <-flushTimer.C:
			for _, data := range stage.expire(time.Now()) {
				if err := s.write(data); err != nil {
					s.beginClose(websocket.CloseAbnormalClosure, "write failed")
					return
				}
			}
			s.rearmFlush(stage, flushTimer)

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.beginClose(websocket.CloseAbnormalClosure, "ping failed")
				return
			}

		case <-s.closing:
			s.drainAndClose(stage)
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) rearmFlush(stage *reorderStage, t *time.Timer) {
	if deadline, ok := stage.nextDeadline(); ok {
		t.Reset(time.Until(deadline))
	}
}

// outbound turns one queued frame into the frames to write now. Bus frames
// pass through self-eviction inspection and, for message:created, the
// reorder stage.
func (s *Session) outbound(stage *reorderStage, f outFrame) [][]byte {
	if f.topic == "" {
		return [][]byte{f.data}
	}

	env, err := event.Decode(f.data)
	if err != nil {
		return [][]byte{f.data}
	}

	switch env.Name {
	case event.EventChannelMemberLeft:
		var p event.ChannelMemberLeftPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID == s.principal.UserID {
			topic := bus.ChannelTopic(p.WorkspaceID, p.ChannelID)
			s.leaveTopic(context.Background(), topic)
			stage.forget(topic)
		}

	case event.EventWorkspaceMemberLeft:
		var p event.WorkspaceMemberLeftPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID == s.principal.UserID {
			s.leaveWorkspaceTopics(context.Background(), p.WorkspaceID)
			for topic := range stage.last {
				if bus.BelongsToWorkspace(topic, p.WorkspaceID) {
					stage.forget(topic)
				}
			}
		}

	case event.EventWorkspaceDeleted:
		// The workspace is gone for everyone, so every session drops its
		// topics, not just the actor's.
		var p event.WorkspaceDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.WorkspaceID != "" {
			s.leaveWorkspaceTopics(context.Background(), p.WorkspaceID)
			for topic := range stage.last {
				if bus.BelongsToWorkspace(topic, p.WorkspaceID) {
					stage.forget(topic)
				}
			}
		}

	case event.EventMessageCreated:
		if stage.enabled() {
			var meta struct {
				MessageNo int64 `json:"messageNo"`
			}
			if json.Unmarshal(env.Payload, &meta) == nil && meta.MessageNo > 0 {
				return stage.offer(f.topic, meta.MessageNo, f.data, time.Now())
			}
		}
	}

	return [][]byte{f.data}
}

// drainAndClose flushes what it can inside the drain window, then says
// goodbye properly. A peer too slow to drain gets cut at the deadline.
func (s *Session) drainAndClose(stage *reorderStage) {
	deadline := time.Now().Add(s.gw.opts.DrainTimeout)

	for _, data := range stage.flushAll() {
		s.conn.SetWriteDeadline(deadline)
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

drain:
	for time.Now().Before(deadline) {
		select {
		case f := <-s.queue:
			s.conn.SetWriteDeadline(deadline)
			if err := s.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		default:
			break drain
		}
	}

	s.mu.Lock()
	code, text := s.closeCode, s.closeText
	s.mu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
