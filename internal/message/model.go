package message

import (
	"time"

	"github.com/echochat/api/internal/linkpreview"
)

// Content types
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
	ContentTypeFile  = "file"
	ContentTypeVideo = "video"
	ContentTypeAudio = "audio"
)

// History paging directions
const (
	DirectionBefore = "before"
	DirectionAfter  = "after"
)

const defaultHistoryLimit = 50

// Message is a committed channel message. MessageNo is the per-channel
// sequence position: contiguous from 1 and strictly increasing in commit
// order. A deleted message keeps its number.
type Message struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspaceId"`
	ChannelID       string     `json:"channelId"`
	MessageNo       int64      `json:"messageNo"`
	UserID          string     `json:"userId"`
	Content         string     `json:"content"`
	ContentType     string     `json:"contentType"`
	CorrelationID   *string    `json:"clientMessageCorrelationId,omitempty"`
	IsEdited        bool       `json:"isEdited"`
	EditCount       int        `json:"editCount"`
	IsDeleted       bool       `json:"isDeleted,omitempty"`
	ParentMessageID *string    `json:"parentMessageId,omitempty"`
	ThreadRootID    *string    `json:"threadRootId,omitempty"`
	ThreadDepth     int        `json:"threadDepth"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// MessageWithAuthor decorates a message with author fields for history pages
// and event payloads. LinkPreview is attached after the asynchronous fetch
// resolves; most messages never carry one.
type MessageWithAuthor struct {
	Message
	AuthorUsername    string               `json:"authorUsername,omitempty"`
	AuthorDisplayName string               `json:"authorDisplayName,omitempty"`
	AuthorAvatarURL   *string              `json:"authorAvatarUrl,omitempty"`
	LinkPreview       *linkpreview.Preview `json:"linkPreview,omitempty"`
}

// AppendParams carries one message append. CorrelationID is the client's
// resend key: appends repeating a recent (channel, user, correlationID)
// return the original message instead of inserting.
type AppendParams struct {
	WorkspaceID     string
	ChannelID       string
	UserID          string
	Content         string
	ContentType     string
	ParentMessageID *string
	CorrelationID   string
}

// HistoryOptions selects a history page. Cursor is a messageNo; zero asks
// for the newest page (direction before) or the start of the channel
// (direction after).
type HistoryOptions struct {
	Cursor    int64
	Direction string
	Limit     int
}

// HistoryPage is one page of messages in ascending messageNo order.
// PrevCursor is the smallest messageNo in the page and is nil when nothing
// older remains; NextCursor is the largest and is nil when nothing newer
// remains.
type HistoryPage struct {
	Messages   []MessageWithAuthor `json:"messages"`
	PrevCursor *int64              `json:"prevCursor"`
	NextCursor *int64              `json:"nextCursor"`
}

func ValidContentType(t string) bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeFile, ContentTypeVideo, ContentTypeAudio:
		return true
	}
	return false
}
