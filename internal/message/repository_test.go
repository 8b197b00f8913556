package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/database"
	"github.com/echochat/api/internal/testutil"
)

func TestRepository_Append(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	msg, created, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID,
		ChannelID:   ch.ID,
		UserID:      owner.ID,
		Content:     "Hello, world!",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if !created {
		t.Error("expected created = true")
	}
	if msg.ID == "" {
		t.Error("expected non-empty ID")
	}
	if msg.MessageNo != 1 {
		t.Errorf("MessageNo = %d, want 1", msg.MessageNo)
	}
	if msg.ContentType != ContentTypeText {
		t.Errorf("ContentType = %q, want %q", msg.ContentType, ContentTypeText)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("expected non-zero CreatedAt")
	}
}

func TestRepository_Append_SequenceContiguous(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	for i := 1; i <= 5; i++ {
		msg, _, err := repo.Append(ctx, AppendParams{
			WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "message",
		})
		if err != nil {
			t.Fatalf("Append() #%d error = %v", i, err)
		}
		if msg.MessageNo != int64(i) {
			t.Errorf("MessageNo = %d, want %d", msg.MessageNo, i)
		}
	}
}

func TestRepository_Append_PerChannelSequence(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch1 := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	ch2 := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "random", channel.TypePublic)

	// Interleave appends across two channels
	m1, _, _ := repo.Append(ctx, AppendParams{WorkspaceID: ws.ID, ChannelID: ch1.ID, UserID: owner.ID, Content: "a"})
	m2, _, _ := repo.Append(ctx, AppendParams{WorkspaceID: ws.ID, ChannelID: ch2.ID, UserID: owner.ID, Content: "b"})
	m3, _, _ := repo.Append(ctx, AppendParams{WorkspaceID: ws.ID, ChannelID: ch1.ID, UserID: owner.ID, Content: "c"})

	if m1.MessageNo != 1 || m3.MessageNo != 2 {
		t.Errorf("channel 1 sequence = %d, %d, want 1, 2", m1.MessageNo, m3.MessageNo)
	}
	if m2.MessageNo != 1 {
		t.Errorf("channel 2 sequence = %d, want 1", m2.MessageNo)
	}
}

func TestRepository_Append_EmptyContent(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	_, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "   ",
	})
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("Append() error = %v, want %v", err, ErrEmptyContent)
	}
}

func TestRepository_Append_ContentTooLong(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db, Options{ContentMaxLength: 10})
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	_, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: strings.Repeat("x", 11),
	})
	if !errors.Is(err, ErrContentTooLong) {
		t.Errorf("Append() error = %v, want %v", err, ErrContentTooLong)
	}
}

func TestRepository_Append_InvalidContentType(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	_, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "hi", ContentType: "sticker",
	})
	if !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("Append() error = %v, want %v", err, ErrInvalidContentType)
	}
}

func TestRepository_Append_Dedupe(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	params := AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID,
		Content: "Hello", CorrelationID: "client-abc-1",
	}

	first, created, err := repo.Append(ctx, params)
	if err != nil {
		t.Fatalf("first Append() error = %v", err)
	}
	if !created {
		t.Fatal("expected created = true for first append")
	}

	// Retransmit: same correlation key returns the original
	second, created, err := repo.Append(ctx, params)
	if err != nil {
		t.Fatalf("second Append() error = %v", err)
	}
	if created {
		t.Error("expected created = false for duplicate append")
	}
	if second.ID != first.ID {
		t.Errorf("ID = %q, want original %q", second.ID, first.ID)
	}

	head, _ := repo.Head(ctx, ws.ID, ch.ID)
	if head != 1 {
		t.Errorf("Head() = %d, want 1 (no duplicate insert)", head)
	}
}

func TestRepository_Append_DedupeWindowExpired(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	params := AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID,
		Content: "Hello", CorrelationID: "client-abc-1",
	}

	first, _, err := repo.Append(ctx, params)
	if err != nil {
		t.Fatalf("first Append() error = %v", err)
	}

	// Age the original past the dedupe window
	old := time.Now().UTC().Add(-2 * time.Minute).Format(time.RFC3339)
	if _, err := db.ExecContext(ctx, `UPDATE messages SET created_at = ? WHERE id = ?`, old, first.ID); err != nil {
		t.Fatalf("backdating message: %v", err)
	}

	second, created, err := repo.Append(ctx, params)
	if err != nil {
		t.Fatalf("second Append() error = %v", err)
	}
	if !created {
		t.Error("expected created = true after window expiry")
	}
	if second.ID == first.ID {
		t.Error("expected a new message after window expiry")
	}
}

func TestRepository_Append_DedupeScopedToUser(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws := testutil.CreateTestWorkspace(t, db, alice.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, alice.ID, "general", channel.TypePublic)

	_, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: alice.ID,
		Content: "Hello", CorrelationID: "shared-key",
	})
	if err != nil {
		t.Fatalf("Append() for alice error = %v", err)
	}

	msg, created, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: bob.ID,
		Content: "Hello", CorrelationID: "shared-key",
	})
	if err != nil {
		t.Fatalf("Append() for bob error = %v", err)
	}
	if !created {
		t.Error("expected created = true; dedupe keys are per user")
	}
	if msg.MessageNo != 2 {
		t.Errorf("MessageNo = %d, want 2", msg.MessageNo)
	}
}

// fileBackedDB opens a migrated database on disk so pooled connections
// genuinely race instead of sharing one in-memory cache.
func fileBackedDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.DB
}

func TestRepository_Append_ConcurrentWritersGapFree(t *testing.T) {
	db := fileBackedDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _, err := repo.Append(ctx, AppendParams{
					WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "racing",
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append() error = %v", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT message_no FROM messages WHERE workspace_id = ? AND channel_id = ? ORDER BY message_no
	`, ws.ID, ch.ID)
	if err != nil {
		t.Fatalf("querying sequence: %v", err)
	}
	defer rows.Close()

	var nos []int64
	for rows.Next() {
		var no int64
		if err := rows.Scan(&no); err != nil {
			t.Fatalf("scanning message_no: %v", err)
		}
		nos = append(nos, no)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterating sequence: %v", err)
	}

	if len(nos) != writers*perWriter {
		t.Fatalf("persisted %d messages, want %d", len(nos), writers*perWriter)
	}
	for i, no := range nos {
		if no != int64(i+1) {
			t.Fatalf("sequence has a gap or duplicate at position %d: %v", i, nos)
		}
	}
}

func TestRepository_Append_DedupeConcurrent(t *testing.T) {
	db := fileBackedDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	// Retransmission storm: every submission carries the same correlation
	// key, and the transactional recheck must collapse them to one row.
	const submitters = 8

	type result struct {
		msg     *Message
		created bool
	}
	results := make(chan result, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, created, err := repo.Append(ctx, AppendParams{
				WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID,
				Content: "Hello", CorrelationID: "client-abc-1",
			})
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			results <- result{msg: msg, created: created}
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	ids := map[string]bool{}
	for res := range results {
		if res.created {
			winners++
		}
		ids[res.msg.ID] = true
	}
	if winners != 1 {
		t.Errorf("created = true on %d submissions, want exactly 1", winners)
	}
	if len(ids) != 1 {
		t.Errorf("submissions resolved to %d distinct messages, want 1", len(ids))
	}

	var persisted int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE channel_id = ? AND correlation_id = ?
	`, ch.ID, "client-abc-1").Scan(&persisted)
	if err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if persisted != 1 {
		t.Errorf("persisted %d rows for one correlation ID, want 1", persisted)
	}
	if head, _ := repo.Head(ctx, ws.ID, ch.ID); head != 1 {
		t.Errorf("Head() = %d, want 1", head)
	}
}

func TestRepository_Append_ContendedAfterRetries(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db, Options{AllocatorMaxRetries: 3})
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	// Stand-in for a rival writer on another process that keeps winning the
	// sequence slot: every insert into this channel fails the way the
	// unique index would.
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TRIGGER rival_writer BEFORE INSERT ON messages
		WHEN NEW.channel_id = '%s'
		BEGIN
			SELECT RAISE(ABORT, 'UNIQUE constraint failed: messages.workspace_id, messages.channel_id, messages.message_no');
		END
	`, ch.ID))
	if err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	_, _, err = repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "doomed",
	})
	if !errors.Is(err, ErrContended) {
		t.Fatalf("Append() error = %v, want ErrContended", err)
	}

	// Once the rival stops, the same append goes through at position 1.
	if _, err := db.ExecContext(ctx, `DROP TRIGGER rival_writer`); err != nil {
		t.Fatalf("dropping trigger: %v", err)
	}
	msg, created, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "landed",
	})
	if err != nil {
		t.Fatalf("Append() after contention error = %v", err)
	}
	if !created || msg.MessageNo != 1 {
		t.Errorf("msg = (no=%d, created=%v), want (no=1, created=true)", msg.MessageNo, created)
	}
}

func TestRepository_Append_ThreadReply(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	root, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "root",
	})
	if err != nil {
		t.Fatalf("Append() root error = %v", err)
	}

	reply, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID,
		Content: "reply", ParentMessageID: &root.ID,
	})
	if err != nil {
		t.Fatalf("Append() reply error = %v", err)
	}

	if reply.ThreadRootID == nil || *reply.ThreadRootID != root.ID {
		t.Errorf("ThreadRootID = %v, want %q", reply.ThreadRootID, root.ID)
	}
	if reply.ThreadDepth != 1 {
		t.Errorf("ThreadDepth = %d, want 1", reply.ThreadDepth)
	}

	// Reply to the reply keeps the original root
	nested, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID,
		Content: "nested", ParentMessageID: &reply.ID,
	})
	if err != nil {
		t.Fatalf("Append() nested error = %v", err)
	}
	if nested.ThreadRootID == nil || *nested.ThreadRootID != root.ID {
		t.Errorf("nested ThreadRootID = %v, want %q", nested.ThreadRootID, root.ID)
	}
	if nested.ThreadDepth != 2 {
		t.Errorf("nested ThreadDepth = %d, want 2", nested.ThreadDepth)
	}
}

func TestRepository_Append_ParentNotFound(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	parent := "nonexistent-id"
	_, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID,
		Content: "reply", ParentMessageID: &parent,
	})
	if !errors.Is(err, ErrParentNotFound) {
		t.Errorf("Append() error = %v, want %v", err, ErrParentNotFound)
	}
}

func TestRepository_Append_ParentInOtherChannel(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch1 := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	ch2 := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "random", channel.TypePublic)

	root, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch1.ID, UserID: owner.ID, Content: "root",
	})
	if err != nil {
		t.Fatalf("Append() root error = %v", err)
	}

	_, _, err = repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch2.ID, UserID: owner.ID,
		Content: "cross-channel reply", ParentMessageID: &root.ID,
	})
	if !errors.Is(err, ErrParentNotFound) {
		t.Errorf("Append() error = %v, want %v", err, ErrParentNotFound)
	}
}

func TestRepository_GetByID(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	created, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "hello",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msg, err := repo.GetByID(ctx, ws.ID, ch.ID, created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
	if msg.MessageNo != 1 {
		t.Errorf("MessageNo = %d, want 1", msg.MessageNo)
	}
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	_, err := repo.GetByID(ctx, ws.ID, ch.ID, "nonexistent-id")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("GetByID() error = %v, want %v", err, ErrMessageNotFound)
	}
}

func appendN(t *testing.T, repo *Repository, wsID, chID, userID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, _, err := repo.Append(ctx, AppendParams{
			WorkspaceID: wsID, ChannelID: chID, UserID: userID, Content: "message",
		}); err != nil {
			t.Fatalf("Append() #%d error = %v", i+1, err)
		}
	}
}

func TestRepository_History_NewestPage(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	appendN(t, repo, ws.ID, ch.ID, owner.ID, 10)

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{Limit: 5})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	if len(page.Messages) != 5 {
		t.Fatalf("len(Messages) = %d, want 5", len(page.Messages))
	}
	for i, msg := range page.Messages {
		if want := int64(6 + i); msg.MessageNo != want {
			t.Errorf("Messages[%d].MessageNo = %d, want %d", i, msg.MessageNo, want)
		}
	}
	if page.PrevCursor == nil || *page.PrevCursor != 6 {
		t.Errorf("PrevCursor = %v, want 6", page.PrevCursor)
	}
	if page.NextCursor != nil {
		t.Errorf("NextCursor = %v, want nil at head", page.NextCursor)
	}
}

func TestRepository_History_Before(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	appendN(t, repo, ws.ID, ch.ID, owner.ID, 10)

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{Cursor: 6, Direction: DirectionBefore, Limit: 5})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	if len(page.Messages) != 5 {
		t.Fatalf("len(Messages) = %d, want 5", len(page.Messages))
	}
	for i, msg := range page.Messages {
		if want := int64(1 + i); msg.MessageNo != want {
			t.Errorf("Messages[%d].MessageNo = %d, want %d", i, msg.MessageNo, want)
		}
	}
	if page.PrevCursor != nil {
		t.Errorf("PrevCursor = %v, want nil at channel start", page.PrevCursor)
	}
	if page.NextCursor == nil || *page.NextCursor != 5 {
		t.Errorf("NextCursor = %v, want 5", page.NextCursor)
	}
}

func TestRepository_History_After(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	appendN(t, repo, ws.ID, ch.ID, owner.ID, 10)

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{Cursor: 5, Direction: DirectionAfter, Limit: 3})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	if len(page.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(page.Messages))
	}
	for i, msg := range page.Messages {
		if want := int64(6 + i); msg.MessageNo != want {
			t.Errorf("Messages[%d].MessageNo = %d, want %d", i, msg.MessageNo, want)
		}
	}
	if page.PrevCursor == nil || *page.PrevCursor != 6 {
		t.Errorf("PrevCursor = %v, want 6", page.PrevCursor)
	}
	if page.NextCursor == nil || *page.NextCursor != 8 {
		t.Errorf("NextCursor = %v, want 8", page.NextCursor)
	}
}

func TestRepository_History_AfterZeroReplaysFromStart(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	appendN(t, repo, ws.ID, ch.ID, owner.ID, 3)

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{Cursor: 0, Direction: DirectionAfter, Limit: 10})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	if len(page.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(page.Messages))
	}
	if page.Messages[0].MessageNo != 1 {
		t.Errorf("first MessageNo = %d, want 1", page.Messages[0].MessageNo)
	}
	if page.PrevCursor != nil || page.NextCursor != nil {
		t.Errorf("cursors = %v, %v, want nil, nil", page.PrevCursor, page.NextCursor)
	}
}

func TestRepository_History_LimitClamped(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db, Options{HistoryMaxLimit: 5})
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)
	appendN(t, repo, ws.ID, ch.ID, owner.ID, 10)

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{Limit: 1000})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(page.Messages) != 5 {
		t.Errorf("len(Messages) = %d, want 5 (clamped)", len(page.Messages))
	}
}

func TestRepository_History_SkipsDeleted(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	var second *Message
	for i := 0; i < 3; i++ {
		msg, _, err := repo.Append(ctx, AppendParams{
			WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "message",
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if i == 1 {
			second = msg
		}
	}

	if err := repo.Delete(ctx, ws.ID, ch.ID, second.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	if len(page.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(page.Messages))
	}
	if page.Messages[0].MessageNo != 1 || page.Messages[1].MessageNo != 3 {
		t.Errorf("MessageNos = %d, %d, want 1, 3", page.Messages[0].MessageNo, page.Messages[1].MessageNo)
	}
}

func TestRepository_History_InvalidDirection(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	_, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{Direction: "around"})
	if !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("History() error = %v, want %v", err, ErrInvalidDirection)
	}
}

func TestRepository_History_Empty(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	page, err := repo.History(ctx, ws.ID, ch.ID, HistoryOptions{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("len(Messages) = %d, want 0", len(page.Messages))
	}
	if page.PrevCursor != nil || page.NextCursor != nil {
		t.Errorf("cursors = %v, %v, want nil, nil", page.PrevCursor, page.NextCursor)
	}
}

func TestRepository_Head(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	head, err := repo.Head(ctx, ws.ID, ch.ID)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != 0 {
		t.Errorf("Head() = %d, want 0 for empty channel", head)
	}

	appendN(t, repo, ws.ID, ch.ID, owner.ID, 4)

	head, err = repo.Head(ctx, ws.ID, ch.ID)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != 4 {
		t.Errorf("Head() = %d, want 4", head)
	}
}

func TestRepository_Head_UnaffectedByDelete(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	var last *Message
	for i := 0; i < 3; i++ {
		msg, _, err := repo.Append(ctx, AppendParams{
			WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "message",
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		last = msg
	}

	if err := repo.Delete(ctx, ws.ID, ch.ID, last.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	head, _ := repo.Head(ctx, ws.ID, ch.ID)
	if head != 3 {
		t.Errorf("Head() = %d, want 3 (deleted numbers stay allocated)", head)
	}

	// The next append continues past the deleted number
	next, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "after delete",
	})
	if err != nil {
		t.Fatalf("Append() after delete error = %v", err)
	}
	if next.MessageNo != 4 {
		t.Errorf("MessageNo = %d, want 4", next.MessageNo)
	}
}

func TestRepository_Update(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	created, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "typo",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	updated, err := repo.Update(ctx, ws.ID, ch.ID, created.ID, "fixed")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if updated.Content != "fixed" {
		t.Errorf("Content = %q, want %q", updated.Content, "fixed")
	}
	if !updated.IsEdited {
		t.Error("expected IsEdited = true")
	}
	if updated.EditCount != 1 {
		t.Errorf("EditCount = %d, want 1", updated.EditCount)
	}
	if updated.MessageNo != created.MessageNo {
		t.Errorf("MessageNo = %d, want %d (edits keep the sequence position)", updated.MessageNo, created.MessageNo)
	}
}

func TestRepository_Update_NotFound(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	_, err := repo.Update(ctx, ws.ID, ch.ID, "nonexistent-id", "new content")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Update() error = %v, want %v", err, ErrMessageNotFound)
	}
}

func TestRepository_Delete(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	owner := testutil.CreateTestUser(t, db, "owner", "Owner")
	ws := testutil.CreateTestWorkspace(t, db, owner.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, owner.ID, "general", channel.TypePublic)

	created, _, err := repo.Append(ctx, AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: owner.ID, Content: "hello",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := repo.Delete(ctx, ws.ID, ch.ID, created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err = repo.GetByID(ctx, ws.ID, ch.ID, created.ID)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("GetByID() after delete error = %v, want %v", err, ErrMessageNotFound)
	}

	// Double delete reports not found
	err = repo.Delete(ctx, ws.ID, ch.ID, created.ID)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("second Delete() error = %v, want %v", err, ErrMessageNotFound)
	}
}
