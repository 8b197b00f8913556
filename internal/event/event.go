// Package event defines every payload pushed to connected clients and the
// routing from committed domain changes to bus topics. The envelope shape is
// shared by bus-carried events and gateway-local frames so clients run a
// single decoder.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/user"
)

const (
	EventReady          = "ready"
	EventAck            = "ack"
	EventError          = "error"
	EventPong           = "pong"
	EventServerShutdown = "server:shutdown"

	EventMessageCreated = "message:created"
	EventMessageUpdated = "message:updated"
	EventMessageDeleted = "message:deleted"
	EventMessageMention = "message:mention"

	EventChannelCreated      = "channel:created"
	EventChannelDeleted      = "channel:deleted"
	EventChannelMemberJoined = "channel:member:joined"
	EventChannelMemberLeft   = "channel:member:left"

	EventWorkspaceDeleted      = "workspace:deleted"
	EventWorkspaceMemberJoined = "workspace:member:joined"
	EventWorkspaceMemberLeft   = "workspace:member:left"

	EventReadReceiptUpdated = "read-receipt:updated"
	EventInviteAccepted     = "invite:accepted"
	EventPresenceChanged    = "presence:changed"
)

// Envelope wraps every pushed event. Payload stays raw so relays (room
// manager, gateway) forward bytes without re-marshaling.
type Envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// Marshal builds an envelope around payload and encodes it.
func Marshal(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	data, err := json.Marshal(Envelope{Name: name, Payload: raw, TS: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", name, err)
	}
	return data, nil
}

// Decode parses an envelope without touching the payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	return &env, nil
}

type ReadyPayload struct {
	UserID     string    `json:"userId"`
	ServerTime time.Time `json:"serverTime"`
}

// AckPayload answers a successful socket command. Head is only set for
// join_channel, where it anchors the client's history resync.
type AckPayload struct {
	RequestID   string `json:"requestId,omitempty"`
	Command     string `json:"command"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	Head        *int64 `json:"head,omitempty"`
}

// ErrorPayload answers a failed socket command without closing the
// connection (auth expiry excepted).
type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type PongPayload struct {
	RequestID  string    `json:"requestId,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

type ServerShutdownPayload struct {
	ReconnectAfterMs int `json:"reconnectAfterMs"`
}

type MessageDeletedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId"`
	MessageNo   int64  `json:"messageNo"`
	DeletedBy   string `json:"deletedBy"`
}

type ChannelCreatedPayload struct {
	Channel   channel.Channel `json:"channel"`
	MemberIDs []string        `json:"memberIds"`
	CreatedBy string          `json:"createdBy"`
}

type ChannelDeletedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	DeletedBy   string `json:"deletedBy"`
}

type WorkspaceDeletedPayload struct {
	WorkspaceID string   `json:"workspaceId"`
	ChannelIDs  []string `json:"channelIds"`
	DeletedBy   string   `json:"deletedBy"`
}

type WorkspaceMemberJoinedPayload struct {
	WorkspaceID string        `json:"workspaceId"`
	User        user.Snapshot `json:"user"`
	Role        string        `json:"role"`
}

type WorkspaceMemberLeftPayload struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

type ChannelMemberJoinedPayload struct {
	WorkspaceID string        `json:"workspaceId"`
	ChannelID   string        `json:"channelId"`
	ChannelName string        `json:"channelName"`
	User        user.Snapshot `json:"user"`
	Role        string        `json:"role"`
}

type ChannelMemberLeftPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
}

type MentionPayload struct {
	WorkspaceID string                    `json:"workspaceId"`
	ChannelID   string                    `json:"channelId"`
	ChannelName string                    `json:"channelName"`
	Message     message.MessageWithAuthor `json:"message"`
}

type InviteAcceptedPayload struct {
	WorkspaceID string        `json:"workspaceId"`
	User        user.Snapshot `json:"user"`
	Email       string        `json:"email"`
}

type PresencePayload struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Status      string `json:"status"`
}
