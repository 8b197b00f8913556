package channel

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrChannelNotFound     = errors.New("channel not found")
	ErrChannelNameTaken    = errors.New("channel name already taken in this workspace")
	ErrNotChannelMember    = errors.New("not a member of this channel")
	ErrAlreadyMember       = errors.New("already a member of this channel")
	ErrChannelArchived     = errors.New("channel is archived")
	ErrCannotLeaveGeneral  = errors.New("cannot leave the general channel")
	ErrCannotDeleteGeneral = errors.New("cannot delete the general channel")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts the channel and its initial memberships in one transaction.
// The creator becomes the channel owner; extraMemberIDs join as members
// (private channels and group DMs seed their roster this way).
func (r *Repository) Create(ctx context.Context, ch *Channel, extraMemberIDs ...string) error {
	if err := ValidateName(ch.Name); err != nil {
		return err
	}

	ch.ID = ulid.Make().String()
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	nowStr := now.Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, workspace_id, name, display_name, type, is_read_only, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.WorkspaceID, ch.Name, ch.DisplayName, ch.Type, boolToInt(ch.IsReadOnly), ch.CreatedBy, nowStr, nowStr)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrChannelNameTaken
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
	`, ulid.Make().String(), ch.ID, ch.CreatedBy, RoleOwner, nowStr)
	if err != nil {
		return err
	}

	for _, userID := range extraMemberIDs {
		if userID == ch.CreatedBy {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`, ulid.Make().String(), ch.ID, userID, RoleMember, nowStr)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	ch.MemberCount = 1 + len(extraMemberIDs)
	return nil
}

// CreateDirect finds or creates the direct channel for the given participant
// set. The participant hash both dedupes and names the channel, so repeat
// calls converge on one row.
func (r *Repository) CreateDirect(ctx context.Context, workspaceID, creatorID string, participantIDs []string) (*Channel, bool, error) {
	hash := participantHash(participantIDs)

	var existingID string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM channels WHERE workspace_id = ? AND dm_participant_hash = ? AND is_archived = 0
	`, workspaceID, hash).Scan(&existingID)
	if err == nil {
		existing, err := r.GetByID(ctx, workspaceID, existingID)
		return existing, false, err
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	channelType := TypeDirect
	if len(participantIDs) > 2 {
		channelType = TypeGroupDM
	}

	ch := &Channel{
		ID:          ulid.Make().String(),
		WorkspaceID: workspaceID,
		Name:        "dm-" + hash[:12],
		Type:        channelType,
		CreatedBy:   creatorID,
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	nowStr := now.Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, workspace_id, name, type, dm_participant_hash, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.WorkspaceID, ch.Name, ch.Type, hash, ch.CreatedBy, nowStr, nowStr)
	if err != nil {
		return nil, false, err
	}

	for _, userID := range participantIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`, ulid.Make().String(), ch.ID, userID, RoleMember, nowStr)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	ch.MemberCount = len(participantIDs)
	return ch, true, nil
}

// GetByID returns the channel scoped to its workspace. A channel that exists
// under a different workspace is reported as not found.
func (r *Repository) GetByID(ctx context.Context, workspaceID, id string) (*Channel, error) {
	return r.scanChannel(r.db.QueryRowContext(ctx, `
		SELECT c.id, c.workspace_id, c.name, c.display_name, c.type, c.is_archived, c.is_read_only,
		       c.created_by, c.last_activity, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM channel_memberships cm WHERE cm.channel_id = c.id) AS member_count
		FROM channels c
		WHERE c.id = ? AND c.workspace_id = ? AND c.is_archived = 0
	`, id, workspaceID))
}

// ListForWorkspace returns the channels visible to userID: every public
// channel plus the private/direct channels the user belongs to.
func (r *Repository) ListForWorkspace(ctx context.Context, workspaceID, userID string) ([]Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.workspace_id, c.name, c.display_name, c.type, c.is_archived, c.is_read_only,
		       c.created_by, c.last_activity, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM channel_memberships cm WHERE cm.channel_id = c.id) AS member_count
		FROM channels c
		LEFT JOIN channel_memberships m ON m.channel_id = c.id AND m.user_id = ?
		WHERE c.workspace_id = ? AND c.is_archived = 0
		  AND (c.type = 'public' OR m.id IS NOT NULL)
		ORDER BY c.name
	`, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := r.scanChannelRow(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (r *Repository) GetMembership(ctx context.Context, userID, channelID string) (*Membership, error) {
	var m Membership
	var joinedAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, channel_id, user_id, role, is_muted, joined_at
		FROM channel_memberships WHERE user_id = ? AND channel_id = ?
	`, userID, channelID).Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Role, &m.IsMuted, &joinedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotChannelMember
	}
	if err != nil {
		return nil, err
	}

	m.JoinedAt, _ = time.Parse(time.RFC3339, joinedAt)
	return &m, nil
}

// Grant is a membership answer resolved together with the channel's
// workspace, so authorizers can check both in one round trip.
type Grant struct {
	WorkspaceID string
	Role        string
	IsMuted     bool
	IsReadOnly  bool
}

// GrantFor returns the caller's membership in a live channel. Archived
// channels grant nothing.
func (r *Repository) GrantFor(ctx context.Context, userID, channelID string) (*Grant, error) {
	var g Grant

	err := r.db.QueryRowContext(ctx, `
		SELECT c.workspace_id, m.role, m.is_muted, c.is_read_only
		FROM channel_memberships m
		JOIN channels c ON c.id = m.channel_id
		WHERE m.user_id = ? AND m.channel_id = ? AND c.is_archived = 0
	`, userID, channelID).Scan(&g.WorkspaceID, &g.Role, &g.IsMuted, &g.IsReadOnly)
	if err == sql.ErrNoRows {
		return nil, ErrNotChannelMember
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repository) AddMember(ctx context.Context, channelID, userID, role string) (*Membership, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, channelID, userID, role, now.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrAlreadyMember
		}
		return nil, err
	}

	return &Membership{
		ID:        id,
		ChannelID: channelID,
		UserID:    userID,
		Role:      role,
		IsMuted:   false,
		JoinedAt:  now,
	}, nil
}

// RemoveMember deletes a channel membership. Leaving the general channel is
// refused; general membership tracks workspace membership instead.
func (r *Repository) RemoveMember(ctx context.Context, channelID, userID string) error {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM channels WHERE id = ?`, channelID).Scan(&name)
	if err == sql.ErrNoRows {
		return ErrChannelNotFound
	}
	if err != nil {
		return err
	}
	if name == GeneralName {
		return ErrCannotLeaveGeneral
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM channel_memberships WHERE channel_id = ? AND user_id = ?
	`, channelID, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotChannelMember
	}
	return nil
}

// Delete archives the channel and clears its memberships and read positions.
// Messages stay on disk but become unreachable.
func (r *Repository) Delete(ctx context.Context, workspaceID, channelID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRowContext(ctx, `
		SELECT name FROM channels WHERE id = ? AND workspace_id = ? AND is_archived = 0
	`, channelID, workspaceID).Scan(&name)
	if err == sql.ErrNoRows {
		return ErrChannelNotFound
	}
	if err != nil {
		return err
	}
	if name == GeneralName {
		return ErrCannotDeleteGeneral
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		UPDATE channels SET is_archived = 1, updated_at = ? WHERE id = ?
	`, now, channelID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_memberships WHERE channel_id = ?`, channelID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM read_receipts WHERE channel_id = ?`, channelID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) MemberIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM channel_memberships WHERE channel_id = ?
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChannelIDsOfUser returns the channels the user belongs to in a workspace.
func (r *Repository) ChannelIDsOfUser(ctx context.Context, userID, workspaceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id
		FROM channels c
		JOIN channel_memberships cm ON cm.channel_id = c.id
		WHERE cm.user_id = ? AND c.workspace_id = ? AND c.is_archived = 0
	`, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchActivity bumps last_activity after a message lands.
func (r *Repository) TouchActivity(ctx context.Context, channelID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channels SET last_activity = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), channelID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanChannel(row *sql.Row) (*Channel, error) {
	ch, err := r.scanChannelRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	return ch, err
}

func (r *Repository) scanChannelRow(row rowScanner) (*Channel, error) {
	var ch Channel
	var displayName, lastActivity sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&ch.ID, &ch.WorkspaceID, &ch.Name, &displayName, &ch.Type, &ch.IsArchived,
		&ch.IsReadOnly, &ch.CreatedBy, &lastActivity, &createdAt, &updatedAt, &ch.MemberCount)
	if err != nil {
		return nil, err
	}

	if displayName.Valid {
		ch.DisplayName = &displayName.String
	}
	if lastActivity.Valid {
		t, _ := time.Parse(time.RFC3339, lastActivity.String)
		ch.LastActivity = &t
	}
	ch.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	ch.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &ch, nil
}

func participantHash(userIDs []string) string {
	sorted := make([]string, len(userIDs))
	copy(sorted, userIDs)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ":")))
	return hex.EncodeToString(sum[:])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
