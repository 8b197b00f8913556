// Package bus carries events between processes. Every payload is an opaque
// byte slice; topics are logical names that each backend maps to its own
// addressing scheme. Delivery is at-least-once with no persistence: an event
// published while a subscriber is down is gone, and consumers reconcile
// through the HTTP API instead of replay.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means the backend could not accept the publish.
	ErrUnavailable = errors.New("event bus unavailable")

	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("event bus closed")
)

// Handler receives a single event. Handlers run on bus-owned goroutines and
// must not block for long; hand off to a queue for anything slow.
type Handler func(topic string, data []byte)

// Bus is the fan-out seam between the HTTP write path and gateway sessions.
type Bus interface {
	// Publish sends data to every current subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers fn for events on topic. Multiple subscriptions
	// per topic are independent; each receives every event. A topic ending
	// in ">" is a wildcard matching everything under its prefix, mirroring
	// NATS subject semantics.
	Subscribe(topic string, fn Handler) (Subscription, error)

	// Close tears down all subscriptions and the underlying connection.
	Close()
}

// Subscription is a handle for a single Subscribe call.
type Subscription interface {
	Unsubscribe() error
}

// WorkspaceTopic carries workspace-wide events: membership changes,
// channel creation and deletion, workspace deletion.
func WorkspaceTopic(workspaceID string) string {
	return fmt.Sprintf("workspace:%s", workspaceID)
}

// ChannelTopic carries message traffic and channel membership changes
// for a single channel.
func ChannelTopic(workspaceID, channelID string) string {
	return fmt.Sprintf("workspace:%s:channel:%s", workspaceID, channelID)
}

// UserTopic is the per-user inbox: read receipts from the user's other
// devices, mentions, and workspace-deleted notices.
func UserTopic(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// WorkspaceWildcard matches every workspace and channel topic. Cache
// invalidators subscribe here to see the full membership-change stream.
func WorkspaceWildcard() string {
	return "workspace:>"
}

// WorkspaceFromTopic extracts the workspace ID when topic addresses a
// workspace as a whole; channel and user topics report false.
func WorkspaceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "workspace:")
	if !ok || rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}

// BelongsToWorkspace reports whether topic is the workspace's own topic or
// one of its channel topics.
func BelongsToWorkspace(topic, workspaceID string) bool {
	ws := WorkspaceTopic(workspaceID)
	return topic == ws || strings.HasPrefix(topic, ws+":channel:")
}
