package message

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrEmptyContent       = errors.New("message content is empty")
	ErrContentTooLong     = errors.New("message content too long")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidDirection   = errors.New("invalid history direction")
	ErrParentNotFound     = errors.New("parent message not found in channel")
	ErrContended          = errors.New("message sequence contended, retry")
)

// Options tunes the allocator and reads. Zero values fall back to defaults.
type Options struct {
	AllocatorMaxRetries int
	HistoryMaxLimit     int
	ContentMaxLength    int
	DedupeWindow        time.Duration
}

func (o Options) withDefaults() Options {
	if o.AllocatorMaxRetries <= 0 {
		o.AllocatorMaxRetries = 5
	}
	if o.HistoryMaxLimit <= 0 {
		o.HistoryMaxLimit = 100
	}
	if o.ContentMaxLength <= 0 {
		o.ContentMaxLength = 8000
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 60 * time.Second
	}
	return o
}

type Repository struct {
	db   *sql.DB
	opts Options
}

func NewRepository(db *sql.DB, opts ...Options) *Repository {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	return &Repository{db: db, opts: o.withDefaults()}
}

// Append persists a message at the next sequence position for its channel.
// The sequence read and the insert share one transaction, so a crash between
// them cannot leave a gap. Colliding writers trip the
// (workspace, channel, message_no) unique constraint and the whole
// transaction retries, up to AllocatorMaxRetries, then ErrContended.
//
// The returned bool is false when the append was absorbed by the dedupe
// window and an earlier message was returned instead. The correlation
// lookup runs again inside the transaction: the write lock taken at BEGIN
// serializes it against rival submissions, so two racing sends of the same
// correlation ID commit exactly one row.
func (r *Repository) Append(ctx context.Context, p AppendParams) (*Message, bool, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, false, ErrEmptyContent
	}
	if utf8.RuneCountInString(p.Content) > r.opts.ContentMaxLength {
		return nil, false, ErrContentTooLong
	}
	if p.ContentType == "" {
		p.ContentType = ContentTypeText
	}
	if !ValidContentType(p.ContentType) {
		return nil, false, ErrInvalidContentType
	}

	if p.CorrelationID != "" {
		// Fast path; the authoritative check repeats under the write lock.
		existing, err := r.findByCorrelation(ctx, r.db, p.ChannelID, p.UserID, p.CorrelationID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	for attempt := 0; attempt < r.opts.AllocatorMaxRetries; attempt++ {
		msg, created, err := r.appendOnce(ctx, p)
		if err == nil {
			return msg, created, nil
		}
		if !isUniqueConstraintError(err) {
			return nil, false, err
		}
	}
	return nil, false, ErrContended
}

func (r *Repository) appendOnce(ctx context.Context, p AppendParams) (*Message, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if p.CorrelationID != "" {
		existing, err := r.findByCorrelation(ctx, tx, p.ChannelID, p.UserID, p.CorrelationID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	var threadRootID *string
	threadDepth := 0
	if p.ParentMessageID != nil {
		var parentRoot sql.NullString
		var parentDepth int
		err := tx.QueryRowContext(ctx, `
			SELECT thread_root_id, thread_depth FROM messages
			WHERE id = ? AND channel_id = ? AND is_deleted = 0
		`, *p.ParentMessageID, p.ChannelID).Scan(&parentRoot, &parentDepth)
		if err == sql.ErrNoRows {
			return nil, false, ErrParentNotFound
		}
		if err != nil {
			return nil, false, err
		}
		root := *p.ParentMessageID
		if parentRoot.Valid {
			root = parentRoot.String
		}
		threadRootID = &root
		threadDepth = parentDepth + 1
	}

	var next int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(message_no), 0) + 1 FROM messages
		WHERE workspace_id = ? AND channel_id = ?
	`, p.WorkspaceID, p.ChannelID).Scan(&next)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:              ulid.Make().String(),
		WorkspaceID:     p.WorkspaceID,
		ChannelID:       p.ChannelID,
		MessageNo:       next,
		UserID:          p.UserID,
		Content:         p.Content,
		ContentType:     p.ContentType,
		ParentMessageID: p.ParentMessageID,
		ThreadRootID:    threadRootID,
		ThreadDepth:     threadDepth,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.CorrelationID != "" {
		msg.CorrelationID = &p.CorrelationID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, workspace_id, channel_id, message_no, user_id, content, content_type, correlation_id, parent_message_id, thread_root_id, thread_depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.WorkspaceID, msg.ChannelID, msg.MessageNo, msg.UserID, msg.Content, msg.ContentType,
		msg.CorrelationID, msg.ParentMessageID, msg.ThreadRootID, msg.ThreadDepth,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

func (r *Repository) findByCorrelation(ctx context.Context, q rowQuerier, channelID, userID, correlationID string) (*Message, error) {
	cutoff := time.Now().UTC().Add(-r.opts.DedupeWindow)
	msg, err := r.scanMessage(q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id = ? AND user_id = ? AND correlation_id = ? AND created_at >= ?
		ORDER BY message_no DESC LIMIT 1
	`, channelID, userID, correlationID, cutoff.Format(time.RFC3339)))
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	return msg, err
}

// GetByID returns a live message scoped to its workspace and channel.
func (r *Repository) GetByID(ctx context.Context, workspaceID, channelID, id string) (*Message, error) {
	return r.scanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id = ? AND workspace_id = ? AND channel_id = ? AND is_deleted = 0
	`, id, workspaceID, channelID))
}

// GetWithAuthor is GetByID joined with the author row, for responses and
// event payloads.
func (r *Repository) GetWithAuthor(ctx context.Context, workspaceID, channelID, id string) (*MessageWithAuthor, error) {
	msg, err := r.scanMessageWithAuthor(r.db.QueryRowContext(ctx, `
		SELECT `+authorColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.id = ? AND m.workspace_id = ? AND m.channel_id = ? AND m.is_deleted = 0
	`, id, workspaceID, channelID))
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

// History returns one page of messages in ascending messageNo order.
// Direction before selects message_no < cursor newest-first and reverses the
// page; after selects message_no > cursor oldest-first. A zero cursor with
// before means the newest page.
func (r *Repository) History(ctx context.Context, workspaceID, channelID string, opts HistoryOptions) (*HistoryPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > r.opts.HistoryMaxLimit {
		limit = r.opts.HistoryMaxLimit
	}

	dir := opts.Direction
	if dir == "" {
		dir = DirectionBefore
	}
	if dir != DirectionBefore && dir != DirectionAfter {
		return nil, ErrInvalidDirection
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case dir == DirectionAfter:
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+authorColumns+`
			FROM messages m
			LEFT JOIN users u ON u.id = m.user_id
			WHERE m.workspace_id = ? AND m.channel_id = ? AND m.is_deleted = 0 AND m.message_no > ?
			ORDER BY m.message_no ASC
			LIMIT ?
		`, workspaceID, channelID, opts.Cursor, limit+1)
	case opts.Cursor > 0:
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+authorColumns+`
			FROM messages m
			LEFT JOIN users u ON u.id = m.user_id
			WHERE m.workspace_id = ? AND m.channel_id = ? AND m.is_deleted = 0 AND m.message_no < ?
			ORDER BY m.message_no DESC
			LIMIT ?
		`, workspaceID, channelID, opts.Cursor, limit+1)
	default:
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+authorColumns+`
			FROM messages m
			LEFT JOIN users u ON u.id = m.user_id
			WHERE m.workspace_id = ? AND m.channel_id = ? AND m.is_deleted = 0
			ORDER BY m.message_no DESC
			LIMIT ?
		`, workspaceID, channelID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []MessageWithAuthor
	for rows.Next() {
		msg, err := r.scanMessageWithAuthor(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	// before and newest-page scans run descending; flip to ascending
	if dir == DirectionBefore {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	page := &HistoryPage{Messages: messages}
	if page.Messages == nil {
		page.Messages = []MessageWithAuthor{}
	}
	if len(messages) == 0 {
		return page, nil
	}

	smallest := messages[0].MessageNo
	largest := messages[len(messages)-1].MessageNo

	if dir == DirectionBefore {
		if hasMore {
			page.PrevCursor = &smallest
		}
		// a newest-page request has nothing newer by definition
		if opts.Cursor > 0 {
			newer, err := r.hasVisibleAfter(ctx, workspaceID, channelID, largest)
			if err != nil {
				return nil, err
			}
			if newer {
				page.NextCursor = &largest
			}
		}
	} else {
		if hasMore {
			page.NextCursor = &largest
		}
		older, err := r.hasVisibleBefore(ctx, workspaceID, channelID, smallest)
		if err != nil {
			return nil, err
		}
		if older {
			page.PrevCursor = &smallest
		}
	}

	return page, nil
}

func (r *Repository) hasVisibleAfter(ctx context.Context, workspaceID, channelID string, no int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages
		WHERE workspace_id = ? AND channel_id = ? AND is_deleted = 0 AND message_no > ?
		LIMIT 1
	`, workspaceID, channelID, no).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r *Repository) hasVisibleBefore(ctx context.Context, workspaceID, channelID string, no int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages
		WHERE workspace_id = ? AND channel_id = ? AND is_deleted = 0 AND message_no < ?
		LIMIT 1
	`, workspaceID, channelID, no).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Head returns the highest committed messageNo for the channel, 0 when the
// channel has no messages. Deleted messages keep their number, so the head
// never moves backwards.
func (r *Repository) Head(ctx context.Context, workspaceID, channelID string) (int64, error) {
	var head int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(message_no), 0) FROM messages
		WHERE workspace_id = ? AND channel_id = ?
	`, workspaceID, channelID).Scan(&head)
	return head, err
}

// Update replaces a message's content and marks it edited. Authorization is
// the caller's concern.
func (r *Repository) Update(ctx context.Context, workspaceID, channelID, id, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > r.opts.ContentMaxLength {
		return nil, ErrContentTooLong
	}

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, is_edited = 1, edit_count = edit_count + 1, updated_at = ?
		WHERE id = ? AND workspace_id = ? AND channel_id = ? AND is_deleted = 0
	`, content, now.Format(time.RFC3339), id, workspaceID, channelID)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrMessageNotFound
	}

	return r.GetByID(ctx, workspaceID, channelID, id)
}

// Delete soft-deletes a message. The row and its messageNo survive so the
// channel sequence stays contiguous; history stops returning it.
func (r *Repository) Delete(ctx context.Context, workspaceID, channelID, id string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, content = '', updated_at = ?
		WHERE id = ? AND workspace_id = ? AND channel_id = ? AND is_deleted = 0
	`, now.Format(time.RFC3339), id, workspaceID, channelID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

const messageColumns = `id, workspace_id, channel_id, message_no, user_id, content, content_type, correlation_id, is_edited, edit_count, is_deleted, parent_message_id, thread_root_id, thread_depth, created_at, updated_at`

const authorColumns = `m.id, m.workspace_id, m.channel_id, m.message_no, m.user_id, m.content, m.content_type, m.correlation_id, m.is_edited, m.edit_count, m.is_deleted, m.parent_message_id, m.thread_root_id, m.thread_depth, m.created_at, m.updated_at,
	COALESCE(u.username, ''), COALESCE(u.display_name, ''), u.avatar_url`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// rowQuerier lets the correlation lookup run either on the pool or inside
// the allocator transaction.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *Repository) scanMessage(row *sql.Row) (*Message, error) {
	var msg Message
	var correlationID, parentID, rootID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&msg.ID, &msg.WorkspaceID, &msg.ChannelID, &msg.MessageNo, &msg.UserID,
		&msg.Content, &msg.ContentType, &correlationID, &msg.IsEdited, &msg.EditCount, &msg.IsDeleted,
		&parentID, &rootID, &msg.ThreadDepth, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	if correlationID.Valid {
		msg.CorrelationID = &correlationID.String
	}
	if parentID.Valid {
		msg.ParentMessageID = &parentID.String
	}
	if rootID.Valid {
		msg.ThreadRootID = &rootID.String
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	msg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &msg, nil
}

func (r *Repository) scanMessageWithAuthor(row rowScanner) (*MessageWithAuthor, error) {
	var msg MessageWithAuthor
	var correlationID, parentID, rootID, avatarURL sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&msg.ID, &msg.WorkspaceID, &msg.ChannelID, &msg.MessageNo, &msg.UserID,
		&msg.Content, &msg.ContentType, &correlationID, &msg.IsEdited, &msg.EditCount, &msg.IsDeleted,
		&parentID, &rootID, &msg.ThreadDepth, &createdAt, &updatedAt,
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
	if rootID.Valid {
		msg.ThreadRootID = &rootID.String
	}
	if avatarURL.Valid {
		msg.AuthorAvatarURL = &avatarURL.String
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	msg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &msg, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
