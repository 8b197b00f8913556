package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUsernameAlreadyInUse = errors.New("username already in use")
	ErrEmailAlreadyInUse    = errors.New("email already in use")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, input CreateUserInput) (*User, error) {
	if err := ValidateUsername(input.Username); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, display_name, avatar_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)
	`, id, input.Username, input.Email, input.PasswordHash, input.DisplayName, input.AvatarURL,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "users.username") {
				return nil, ErrUsernameAlreadyInUse
			}
			return nil, ErrEmailAlreadyInUse
		}
		return nil, err
	}

	return &User{
		ID:           id,
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		DisplayName:  input.DisplayName,
		AvatarURL:    input.AvatarURL,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, display_name, avatar_url, status, created_at, updated_at
		FROM users WHERE id = ?
	`, id))
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, display_name, avatar_url, status, created_at, updated_at
		FROM users WHERE email = ?
	`, email))
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, display_name, avatar_url, status, created_at, updated_at
		FROM users WHERE username = ?
	`, username))
}

func (r *Repository) Update(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET display_name = ?, avatar_url = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, user.DisplayName, user.AvatarURL, user.Status, user.UpdatedAt.Format(time.RFC3339), user.ID)
	return err
}

// Snapshots loads the author snapshots for a set of user IDs in one query.
func (r *Repository) Snapshots(ctx context.Context, ids []string) (map[string]Snapshot, error) {
	if len(ids) == 0 {
		return map[string]Snapshot{}, nil
	}

	query := `SELECT id, username, display_name, avatar_url FROM users WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]Snapshot, len(ids))
	for rows.Next() {
		var s Snapshot
		var avatarURL sql.NullString
		if err := rows.Scan(&s.ID, &s.Username, &s.DisplayName, &avatarURL); err != nil {
			return nil, err
		}
		if avatarURL.Valid {
			s.AvatarURL = &avatarURL.String
		}
		result[s.ID] = s
	}

	return result, rows.Err()
}

// ResolveUsernames maps lowercase usernames to user IDs within a workspace.
// Used by mention extraction; unknown names are simply absent from the map.
func (r *Repository) ResolveUsernames(ctx context.Context, workspaceID string, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := `
		SELECT u.id, LOWER(u.username)
		FROM users u
		JOIN workspace_memberships wm ON wm.user_id = u.id
		WHERE wm.workspace_id = ? AND LOWER(u.username) IN (?` +
		strings.Repeat(",?", len(names)-1) + `)`

	args := make([]interface{}, 0, len(names)+1)
	args = append(args, workspaceID)
	for _, name := range names {
		args = append(args, strings.ToLower(name))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var userID, lowerName string
		if err := rows.Scan(&userID, &lowerName); err != nil {
			return nil, err
		}
		result[lowerName] = userID
	}

	return result, rows.Err()
}

func (r *Repository) scanUser(row *sql.Row) (*User, error) {
	var user User
	var avatarURL sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&avatarURL,
		&user.Status,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if avatarURL.Valid {
		user.AvatarURL = &avatarURL.String
	}
	user.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	user.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &user, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
