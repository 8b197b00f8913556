package workspace

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrNameTaken         = errors.New("workspace name already taken")
	ErrMembershipExists  = errors.New("user is already a member")
	ErrNotAMember        = errors.New("user is not a member of this workspace")
	ErrInviteNotFound    = errors.New("invite not found")
	ErrInviteExpired     = errors.New("invite has expired")
	ErrInviteUsed        = errors.New("invite has already been used")
	ErrCannotRemoveOwner = errors.New("cannot remove workspace owner")
)

// GeneralChannelName is the distinguished channel every workspace carries.
// It is created with the workspace, cannot be deleted, and every workspace
// member is a member of it.
const GeneralChannelName = "general"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts the workspace, its general channel, and the owner's
// memberships in one transaction. The caller sets Name, DisplayName and
// OwnerID; everything else is assigned here.
func (r *Repository) Create(ctx context.Context, ws *Workspace) (generalChannelID string, err error) {
	if err := ValidateName(ws.Name); err != nil {
		return "", err
	}

	ws.ID = ulid.Make().String()
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	nowStr := now.Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, display_name, owner_id, is_archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, ws.ID, ws.Name, ws.DisplayName, ws.OwnerID, nowStr, nowStr)
	if err != nil {
		if isUniqueConstraintError(err) {
			return "", ErrNameTaken
		}
		return "", err
	}

	generalChannelID = ulid.Make().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, workspace_id, name, type, created_by, created_at, updated_at)
		VALUES (?, ?, ?, 'public', ?, ?, ?)
	`, generalChannelID, ws.ID, GeneralChannelName, ws.OwnerID, nowStr, nowStr)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspace_memberships (id, user_id, workspace_id, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
	`, ulid.Make().String(), ws.OwnerID, ws.ID, RoleOwner, nowStr)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
		VALUES (?, ?, ?, 'owner', ?)
	`, ulid.Make().String(), generalChannelID, ws.OwnerID, nowStr)
	if err != nil {
		return "", err
	}

	return generalChannelID, tx.Commit()
}

// GetByID returns the workspace, or ErrWorkspaceNotFound when it does not
// exist or has been deleted.
func (r *Repository) GetByID(ctx context.Context, id string) (*Workspace, error) {
	return r.scanWorkspace(r.db.QueryRowContext(ctx, `
		SELECT id, name, display_name, owner_id, is_archived, created_at, updated_at
		FROM workspaces WHERE id = ? AND is_archived = 0
	`, id))
}

func (r *Repository) ListForUser(ctx context.Context, userID string) ([]WorkspaceWithRole, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.display_name, w.owner_id, w.is_archived, w.created_at, w.updated_at, wm.role
		FROM workspaces w
		JOIN workspace_memberships wm ON wm.workspace_id = w.id
		WHERE wm.user_id = ? AND w.is_archived = 0
		ORDER BY w.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []WorkspaceWithRole
	for rows.Next() {
		var ws WorkspaceWithRole
		var displayName sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&ws.ID, &ws.Name, &displayName, &ws.OwnerID, &ws.IsArchived, &createdAt, &updatedAt, &ws.Role); err != nil {
			return nil, err
		}
		if displayName.Valid {
			ws.DisplayName = &displayName.String
		}
		ws.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		ws.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		workspaces = append(workspaces, ws)
	}

	return workspaces, rows.Err()
}

func (r *Repository) GetMembership(ctx context.Context, userID, workspaceID string) (*Membership, error) {
	var m Membership
	var joinedAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT wm.id, wm.user_id, wm.workspace_id, wm.role, wm.joined_at
		FROM workspace_memberships wm
		JOIN workspaces w ON w.id = wm.workspace_id
		WHERE wm.user_id = ? AND wm.workspace_id = ? AND w.is_archived = 0
	`, userID, workspaceID).Scan(&m.ID, &m.UserID, &m.WorkspaceID, &m.Role, &joinedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, err
	}

	m.JoinedAt, _ = time.Parse(time.RFC3339, joinedAt)
	return &m, nil
}

// AddMember adds a workspace membership and, in the same transaction, a
// membership of the workspace's general channel, keeping the two in lockstep.
func (r *Repository) AddMember(ctx context.Context, userID, workspaceID, role string) (*Membership, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := addMemberTx(ctx, tx, userID, workspaceID, role)
	if err != nil {
		return nil, err
	}

	return m, tx.Commit()
}

func addMemberTx(ctx context.Context, tx *sql.Tx, userID, workspaceID, role string) (*Membership, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_memberships (id, user_id, workspace_id, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, userID, workspaceID, role, nowStr)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrMembershipExists
		}
		return nil, err
	}

	var generalID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM channels WHERE workspace_id = ? AND name = ?
	`, workspaceID, GeneralChannelName).Scan(&generalID)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if generalID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
			VALUES (?, ?, ?, 'member', ?)
		`, ulid.Make().String(), generalID, userID, nowStr)
		if err != nil && !isUniqueConstraintError(err) {
			return nil, err
		}
	}

	return &Membership{
		ID:          id,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        role,
		JoinedAt:    now,
	}, nil
}

// RemoveMember deletes the workspace membership and every channel membership
// the user holds in that workspace. The owner cannot be removed.
func (r *Repository) RemoveMember(ctx context.Context, userID, workspaceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM workspace_memberships WHERE user_id = ? AND workspace_id = ?
	`, userID, workspaceID).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrNotAMember
	}
	if err != nil {
		return err
	}
	if role == RoleOwner {
		return ErrCannotRemoveOwner
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM workspace_memberships WHERE user_id = ? AND workspace_id = ?
	`, userID, workspaceID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM channel_memberships
		WHERE user_id = ? AND channel_id IN (SELECT id FROM channels WHERE workspace_id = ?)
	`, userID, workspaceID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) ListMembers(ctx context.Context, workspaceID string) ([]MemberWithUser, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT wm.id, wm.user_id, wm.workspace_id, wm.role, wm.joined_at,
		       u.username, u.display_name, u.avatar_url
		FROM workspace_memberships wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = ?
		ORDER BY wm.joined_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []MemberWithUser
	for rows.Next() {
		var m MemberWithUser
		var avatarURL sql.NullString
		var joinedAt string

		err := rows.Scan(&m.ID, &m.UserID, &m.WorkspaceID, &m.Role, &joinedAt,
			&m.Username, &m.DisplayName, &avatarURL)
		if err != nil {
			return nil, err
		}

		if avatarURL.Valid {
			m.AvatarURL = &avatarURL.String
		}
		m.JoinedAt, _ = time.Parse(time.RFC3339, joinedAt)
		members = append(members, m)
	}

	return members, rows.Err()
}

func (r *Repository) MemberIDs(ctx context.Context, workspaceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM workspace_memberships WHERE workspace_id = ?
	`, workspaceID)
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

// DeleteResult reports what a workspace deletion touched, for event fan-out.
type DeleteResult struct {
	ChannelIDs []string
	MemberIDs  []string
}

// Delete archives the workspace and its channels and removes memberships,
// read positions, and invites. Messages stay on disk but become unreachable.
func (r *Repository) Delete(ctx context.Context, workspaceID string) (*DeleteResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workspaces SET is_archived = 1, updated_at = ? WHERE id = ? AND is_archived = 0
	`, time.Now().UTC().Format(time.RFC3339), workspaceID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrWorkspaceNotFound
	}

	result := &DeleteResult{}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM channels WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		result.ChannelIDs = append(result.ChannelIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT user_id FROM workspace_memberships WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		result.MemberIDs = append(result.MemberIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stmts := []string{
		`UPDATE channels SET is_archived = 1 WHERE workspace_id = ?`,
		`DELETE FROM channel_memberships WHERE channel_id IN (SELECT id FROM channels WHERE workspace_id = ?)`,
		`DELETE FROM workspace_memberships WHERE workspace_id = ?`,
		`DELETE FROM read_receipts WHERE workspace_id = ?`,
		`DELETE FROM invites WHERE workspace_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, workspaceID); err != nil {
			return nil, err
		}
	}

	return result, tx.Commit()
}

// Invite methods

func (r *Repository) CreateInvite(ctx context.Context, invite *Invite) error {
	invite.ID = ulid.Make().String()
	if invite.Token == "" {
		invite.Token = generateInviteToken()
	}
	now := time.Now().UTC()
	invite.CreatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invites (id, token, workspace_id, email, role, invited_by, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, invite.ID, invite.Token, invite.WorkspaceID, invite.Email, invite.Role, invite.InvitedBy,
		invite.ExpiresAt.Format(time.RFC3339), now.Format(time.RFC3339))
	return err
}

func (r *Repository) GetInviteByToken(ctx context.Context, token string) (*Invite, error) {
	var invite Invite
	var acceptedBy, acceptedAt sql.NullString
	var expiresAt, createdAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, token, workspace_id, email, role, invited_by, expires_at, accepted_by, accepted_at, created_at
		FROM invites WHERE token = ?
	`, token).Scan(&invite.ID, &invite.Token, &invite.WorkspaceID, &invite.Email, &invite.Role,
		&invite.InvitedBy, &expiresAt, &acceptedBy, &acceptedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, err
	}

	if acceptedBy.Valid {
		invite.AcceptedBy = &acceptedBy.String
	}
	if acceptedAt.Valid {
		t, _ := time.Parse(time.RFC3339, acceptedAt.String)
		invite.AcceptedAt = &t
	}
	invite.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	invite.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &invite, nil
}

// AcceptInvite consumes a single-use invite: it marks it accepted and adds
// the member (with general-channel membership) in one transaction. The
// conditional UPDATE is what makes concurrent acceptors lose cleanly.
func (r *Repository) AcceptInvite(ctx context.Context, token, userID string) (*Invite, *Membership, error) {
	invite, err := r.GetInviteByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if invite.AcceptedAt != nil {
		return nil, nil, ErrInviteUsed
	}
	if time.Now().UTC().After(invite.ExpiresAt) {
		return nil, nil, ErrInviteExpired
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE invites SET accepted_by = ?, accepted_at = ? WHERE id = ? AND accepted_at IS NULL
	`, userID, now.Format(time.RFC3339), invite.ID)
	if err != nil {
		return nil, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, ErrInviteUsed
	}

	m, err := addMemberTx(ctx, tx, userID, invite.WorkspaceID, invite.Role)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	invite.AcceptedBy = &userID
	invite.AcceptedAt = &now
	return invite, m, nil
}

func (r *Repository) scanWorkspace(row *sql.Row) (*Workspace, error) {
	var w Workspace
	var displayName sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&w.ID, &w.Name, &displayName, &w.OwnerID, &w.IsArchived, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}

	if displayName.Valid {
		w.DisplayName = &displayName.String
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &w, nil
}

func generateInviteToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
