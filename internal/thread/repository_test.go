package thread

import (
	"context"
	"errors"
	"testing"

	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/testutil"
)

func TestGetReturnsRootAndRepliesInOrder(t *testing.T) {
	db := testutil.TestDB(t)
	ctx := context.Background()

	u := testutil.CreateTestUser(t, db, "frank", "Frank")
	ws := testutil.CreateTestWorkspace(t, db, u.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, u.ID, "general", "public")

	messages := message.NewRepository(db)
	root, _, err := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "root",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	first, _, err := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "first reply",
		ParentMessageID: &root.ID,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	nested, _, err := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "nested reply",
		ParentMessageID: &first.ID,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	threads := NewRepository(db)
	th, err := threads.Get(ctx, ws.ID, ch.ID, root.ID, 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if th.Root.ID != root.ID {
		t.Fatalf("root = %s, want %s", th.Root.ID, root.ID)
	}
	if th.Root.AuthorUsername != "frank" {
		t.Fatalf("root author = %q, want frank", th.Root.AuthorUsername)
	}
	if th.ReplyCount != 2 || len(th.Replies) != 2 {
		t.Fatalf("replies = %d (count %d), want 2", len(th.Replies), th.ReplyCount)
	}
	if th.Replies[0].ID != first.ID || th.Replies[1].ID != nested.ID {
		t.Fatalf("reply order = [%s %s], want [%s %s]",
			th.Replies[0].ID, th.Replies[1].ID, first.ID, nested.ID)
	}
	if th.Replies[0].ThreadDepth != 1 || th.Replies[1].ThreadDepth != 2 {
		t.Fatalf("depths = [%d %d], want [1 2]", th.Replies[0].ThreadDepth, th.Replies[1].ThreadDepth)
	}
	// Nested replies still hang off the root.
	if th.Replies[1].ThreadRootID == nil || *th.Replies[1].ThreadRootID != root.ID {
		t.Fatalf("nested reply root = %v, want %s", th.Replies[1].ThreadRootID, root.ID)
	}
}

func TestGetSkipsDeletedReplies(t *testing.T) {
	db := testutil.TestDB(t)
	ctx := context.Background()

	u := testutil.CreateTestUser(t, db, "grace", "Grace")
	ws := testutil.CreateTestWorkspace(t, db, u.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, u.ID, "general", "public")

	messages := message.NewRepository(db)
	root, _, _ := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "root",
	})
	kept, _, _ := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "kept",
		ParentMessageID: &root.ID,
	})
	gone, _, _ := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "gone",
		ParentMessageID: &root.ID,
	})
	if err := messages.Delete(ctx, ws.ID, ch.ID, gone.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	th, err := NewRepository(db).Get(ctx, ws.ID, ch.ID, root.ID, 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if th.ReplyCount != 1 || th.Replies[0].ID != kept.ID {
		t.Fatalf("replies = %+v, want only %s", th.Replies, kept.ID)
	}
}

func TestGetRootNotFound(t *testing.T) {
	db := testutil.TestDB(t)
	ctx := context.Background()

	u := testutil.CreateTestUser(t, db, "henry", "Henry")
	ws := testutil.CreateTestWorkspace(t, db, u.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, u.ID, "general", "public")

	threads := NewRepository(db)
	if _, err := threads.Get(ctx, ws.ID, ch.ID, "01MISSING", 0); !errors.Is(err, ErrRootNotFound) {
		t.Fatalf("Get() error = %v, want ErrRootNotFound", err)
	}

	// A deleted root hides the whole thread.
	messages := message.NewRepository(db)
	root, _, _ := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "root",
	})
	if _, _, err := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "reply",
		ParentMessageID: &root.ID,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := messages.Delete(ctx, ws.ID, ch.ID, root.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := threads.Get(ctx, ws.ID, ch.ID, root.ID, 0); !errors.Is(err, ErrRootNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrRootNotFound", err)
	}
}

func TestReplyCount(t *testing.T) {
	db := testutil.TestDB(t)
	ctx := context.Background()

	u := testutil.CreateTestUser(t, db, "iris", "Iris")
	ws := testutil.CreateTestWorkspace(t, db, u.ID, "acme")
	ch := testutil.CreateTestChannel(t, db, ws.ID, u.ID, "general", "public")

	messages := message.NewRepository(db)
	root, _, _ := messages.Append(ctx, message.AppendParams{
		WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "root",
	})
	for i := 0; i < 3; i++ {
		if _, _, err := messages.Append(ctx, message.AppendParams{
			WorkspaceID: ws.ID, ChannelID: ch.ID, UserID: u.ID, Content: "reply",
			ParentMessageID: &root.ID,
		}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := NewRepository(db).ReplyCount(ctx, root.ID)
	if err != nil {
		t.Fatalf("ReplyCount() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("ReplyCount() = %d, want 3", n)
	}
}
