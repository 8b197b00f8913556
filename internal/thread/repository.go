// Package thread reads reply chains out of the message store. Threading is
// written by message.Append (parent resolution, root and depth derivation);
// this package only assembles the view.
package thread

import (
	"context"
	"database/sql"
	"time"

	"github.com/echochat/api/internal/message"
)

const defaultReplyLimit = 100

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the thread rooted at rootID: the root message and every live
// reply whose thread_root_id points at it, ascending by messageNo. A missing
// or deleted root is ErrRootNotFound even when replies survive it.
func (r *Repository) Get(ctx context.Context, workspaceID, channelID, rootID string, limit int) (*Thread, error) {
	if limit <= 0 || limit > defaultReplyLimit {
		limit = defaultReplyLimit
	}

	root, err := r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.id = ? AND m.workspace_id = ? AND m.channel_id = ? AND m.is_deleted = 0
	`, rootID, workspaceID, channelID))
	if err == sql.ErrNoRows {
		return nil, ErrRootNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.thread_root_id = ? AND m.is_deleted = 0
		ORDER BY m.message_no ASC
		LIMIT ?
	`, rootID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &Thread{Root: *root}
	for rows.Next() {
		reply, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		t.Replies = append(t.Replies, *reply)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	t.ReplyCount = len(t.Replies)
	return t, nil
}

// ReplyCount counts live replies under a root without loading them.
func (r *Repository) ReplyCount(ctx context.Context, rootID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE thread_root_id = ? AND is_deleted = 0
	`, rootID).Scan(&n)
	return n, err
}

const threadColumns = `m.id, m.workspace_id, m.channel_id, m.message_no, m.user_id, m.content, m.content_type, m.correlation_id, m.is_edited, m.edit_count, m.is_deleted, m.parent_message_id, m.thread_root_id, m.thread_depth, m.created_at, m.updated_at,
	COALESCE(u.username, ''), COALESCE(u.display_name, ''), u.avatar_url`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanOne(row rowScanner) (*message.MessageWithAuthor, error) {
	var msg message.MessageWithAuthor
	var correlationID, parentID, threadRootID, avatarURL sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&msg.ID, &msg.WorkspaceID, &msg.ChannelID, &msg.MessageNo, &msg.UserID,
		&msg.Content, &msg.ContentType, &correlationID, &msg.IsEdited, &msg.EditCount, &msg.IsDeleted,
		&parentID, &threadRootID, &msg.ThreadDepth, &createdAt, &updatedAt,
		&msg.AuthorUsername, &msg.AuthorDisplayName, &avatarURL)
	if err != nil {
		return nil, err
	}

	if correlationID.Valid {
		msg.CorrelationID = &correlationID.String
	}
	if parentID.Valid {
		msg.ParentMessageID = &parentID.String
	}
	if threadRootID.Valid {
		msg.ThreadRootID = &threadRootID.String
	}
	if avatarURL.Valid {
		msg.AuthorAvatarURL = &avatarURL.String
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	msg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &msg, nil
}
