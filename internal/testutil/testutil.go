package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/echochat/api/internal/database"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
)

// TestDB creates an in-memory SQLite database with migrations applied.
// The database is automatically closed when the test completes.
func TestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("running migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db.DB
}

// hashPassword creates a bcrypt hash with low cost for tests
func hashPassword(password string) string {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), 4)
	return string(hash)
}

// TestUser represents a test user
type TestUser struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	CreatedAt    time.Time
}

// CreateTestUser creates a user directly in the database without using the
// user package. The email is derived from the username.
func CreateTestUser(t *testing.T, db *sql.DB, username, displayName string) *TestUser {
	t.Helper()

	id := ulid.Make().String()
	email := username + "@example.com"
	hash := hashPassword("password123")
	now := time.Now().UTC()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO users (id, username, email, password_hash, display_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
	`, id, username, email, hash, displayName, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating test user: %v", err)
	}

	return &TestUser{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		CreatedAt:    now,
	}
}

// TestWorkspace represents a test workspace
type TestWorkspace struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// CreateTestWorkspace creates a workspace and the owner's membership directly
// in the database. It does not create a general channel; tests that need one
// create it explicitly.
func CreateTestWorkspace(t *testing.T, db *sql.DB, ownerID, name string) *TestWorkspace {
	t.Helper()

	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO workspaces (id, name, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, name, ownerID, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating test workspace: %v", err)
	}

	AddWorkspaceMember(t, db, id, ownerID, "owner")

	return &TestWorkspace{
		ID:        id,
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
	}
}

// AddWorkspaceMember inserts a workspace membership directly.
func AddWorkspaceMember(t *testing.T, db *sql.DB, workspaceID, userID, role string) {
	t.Helper()

	now := time.Now().UTC()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO workspace_memberships (id, workspace_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
	`, ulid.Make().String(), workspaceID, userID, role, now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating workspace membership: %v", err)
	}
}

// TestChannel represents a test channel
type TestChannel struct {
	ID          string
	WorkspaceID string
	Name        string
	Type        string
	CreatedBy   string
	CreatedAt   time.Time
}

// CreateTestChannel creates a channel directly in the database with the
// creator as the channel owner.
func CreateTestChannel(t *testing.T, db *sql.DB, workspaceID, creatorID, name, channelType string) *TestChannel {
	t.Helper()

	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO channels (id, workspace_id, name, type, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, workspaceID, name, channelType, creatorID, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating test channel: %v", err)
	}

	membershipID := ulid.Make().String()
	_, err = db.ExecContext(context.Background(), `
		INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
		VALUES (?, ?, ?, 'owner', ?)
	`, membershipID, id, creatorID, now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating channel membership: %v", err)
	}

	return &TestChannel{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        name,
		Type:        channelType,
		CreatedBy:   creatorID,
		CreatedAt:   now,
	}
}

// AddChannelMember inserts a channel membership directly.
func AddChannelMember(t *testing.T, db *sql.DB, channelID, userID string) {
	t.Helper()

	now := time.Now().UTC()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO channel_memberships (id, channel_id, user_id, role, joined_at)
		VALUES (?, ?, ?, 'member', ?)
	`, ulid.Make().String(), channelID, userID, now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating channel membership: %v", err)
	}
}

// TestMessage represents a test message
type TestMessage struct {
	ID        string
	ChannelID string
	UserID    string
	MessageNo int64
	Content   string
	CreatedAt time.Time
}

// CreateTestMessage creates a message directly in the database, taking the
// next sequence number in the channel.
func CreateTestMessage(t *testing.T, db *sql.DB, workspaceID, channelID, userID, content string) *TestMessage {
	t.Helper()

	id := ulid.Make().String()
	now := time.Now().UTC()

	var messageNo int64
	err := db.QueryRowContext(context.Background(), `
		SELECT COALESCE(MAX(message_no), 0) + 1 FROM messages WHERE workspace_id = ? AND channel_id = ?
	`, workspaceID, channelID).Scan(&messageNo)
	if err != nil {
		t.Fatalf("allocating test message number: %v", err)
	}

	_, err = db.ExecContext(context.Background(), `
		INSERT INTO messages (id, workspace_id, channel_id, message_no, user_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, workspaceID, channelID, messageNo, userID, content, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("creating test message: %v", err)
	}

	return &TestMessage{
		ID:        id,
		ChannelID: channelID,
		UserID:    userID,
		MessageNo: messageNo,
		Content:   content,
		CreatedAt: now,
	}
}
