package receipt

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNegativeMessageNo = errors.New("read position cannot be negative")
	ErrAheadOfHead       = errors.New("read position is ahead of the channel head")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Advance moves the user's read position forward. Calls carrying an older
// position than the stored one leave the row untouched, so retries and
// out-of-order delivery are harmless. The post-state is returned either way.
func (r *Repository) Advance(ctx context.Context, userID, workspaceID, channelID string, messageNo int64, messageID *string) (*Receipt, error) {
	if messageNo < 0 {
		return nil, ErrNegativeMessageNo
	}

	// The head only moves forward, so a position valid here stays valid.
	var head int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(message_no), 0) FROM messages
		WHERE workspace_id = ? AND channel_id = ?
	`, workspaceID, channelID).Scan(&head)
	if err != nil {
		return nil, err
	}
	if messageNo > head {
		return nil, ErrAheadOfHead
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO read_receipts (id, user_id, workspace_id, channel_id, last_read_message_no, last_read_message_id, last_read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, workspace_id, channel_id) DO UPDATE SET
			last_read_message_no = excluded.last_read_message_no,
			last_read_message_id = excluded.last_read_message_id,
			last_read_at = excluded.last_read_at
		WHERE excluded.last_read_message_no > read_receipts.last_read_message_no
	`, ulid.Make().String(), userID, workspaceID, channelID, messageNo, messageID, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	rec, err := r.Get(ctx, userID, workspaceID, channelID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, sql.ErrNoRows
	}
	return rec, nil
}

// Get returns the stored receipt, or nil when the user has never read the
// channel.
func (r *Repository) Get(ctx context.Context, userID, workspaceID, channelID string) (*Receipt, error) {
	var rec Receipt
	var messageID sql.NullString
	var lastReadAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, workspace_id, channel_id, last_read_message_no, last_read_message_id, last_read_at
		FROM read_receipts
		WHERE user_id = ? AND workspace_id = ? AND channel_id = ?
	`, userID, workspaceID, channelID).Scan(&rec.UserID, &rec.WorkspaceID, &rec.ChannelID,
		&rec.LastReadMessageNo, &messageID, &lastReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if messageID.Valid {
		rec.LastReadMessageID = &messageID.String
	}
	rec.LastReadAt, _ = time.Parse(time.RFC3339, lastReadAt)
	return &rec, nil
}

// UnreadForWorkspace derives per-channel unread counts for the given
// channels plus the summed total. unread = head - lastRead, clamped at 0.
func (r *Repository) UnreadForWorkspace(ctx context.Context, userID, workspaceID string, channelIDs []string) ([]ChannelUnread, int64, error) {
	if len(channelIDs) == 0 {
		return []ChannelUnread{}, 0, nil
	}

	placeholders := make([]string, len(channelIDs))
	args := make([]interface{}, 0, len(channelIDs)+3)
	args = append(args, userID, workspaceID, workspaceID)
	for i, id := range channelIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id,
		       COALESCE((SELECT MAX(m.message_no) FROM messages m WHERE m.channel_id = c.id), 0) AS head,
		       COALESCE(r.last_read_message_no, 0) AS last_read
		FROM channels c
		LEFT JOIN read_receipts r ON r.channel_id = c.id AND r.user_id = ? AND r.workspace_id = ?
		WHERE c.workspace_id = ? AND c.id IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var unreads []ChannelUnread
	var total int64
	for rows.Next() {
		var u ChannelUnread
		if err := rows.Scan(&u.ChannelID, &u.LastMessageNo, &u.LastReadMessageNo); err != nil {
			return nil, 0, err
		}
		u.UnreadCount = u.LastMessageNo - u.LastReadMessageNo
		if u.UnreadCount < 0 {
			u.UnreadCount = 0
		}
		total += u.UnreadCount
		unreads = append(unreads, u)
	}
	if unreads == nil {
		unreads = []ChannelUnread{}
	}
	return unreads, total, rows.Err()
}
