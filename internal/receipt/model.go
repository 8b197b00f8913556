package receipt

import "time"

// Receipt marks how far a user has read a channel. LastReadMessageNo is
// monotone: it never moves backwards, and 0 means never read.
type Receipt struct {
	UserID            string    `json:"userId"`
	WorkspaceID       string    `json:"workspaceId"`
	ChannelID         string    `json:"channelId"`
	LastReadMessageNo int64     `json:"lastReadMessageNo"`
	LastReadMessageID *string   `json:"lastReadMessageId,omitempty"`
	LastReadAt        time.Time `json:"lastReadAt"`
}

// ChannelUnread is one channel's slice of a workspace unread summary.
type ChannelUnread struct {
	ChannelID         string `json:"channelId"`
	LastMessageNo     int64  `json:"lastMessageNo"`
	LastReadMessageNo int64  `json:"lastReadMessageNo"`
	UnreadCount       int64  `json:"unreadCount"`
}
