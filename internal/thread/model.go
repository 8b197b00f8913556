package thread

import (
	"errors"

	"github.com/echochat/api/internal/message"
)

var ErrRootNotFound = errors.New("thread root message not found")

// Thread is a root message with its replies in messageNo order. Replies
// hang off the root regardless of nesting depth; ThreadDepth records how
// far down the reply chain each message sits.
type Thread struct {
	Root       message.MessageWithAuthor   `json:"root"`
	Replies    []message.MessageWithAuthor `json:"replies"`
	ReplyCount int                         `json:"replyCount"`
}
