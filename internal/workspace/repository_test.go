package workspace

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/echochat/api/internal/testutil"
)

func newTestRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()
	db := testutil.TestDB(t)
	return NewRepository(db), db
}

func createWorkspace(t *testing.T, repo *Repository, ownerID, name string) (*Workspace, string) {
	t.Helper()
	ws := &Workspace{Name: name, OwnerID: ownerID}
	generalID, err := repo.Create(context.Background(), ws)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return ws, generalID
}

func TestCreate(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	owner := testutil.CreateTestUser(t, db, "alice", "Alice")

	displayName := "Acme Corp"
	ws := &Workspace{Name: "acme", DisplayName: &displayName, OwnerID: owner.ID}
	generalID, err := repo.Create(ctx, ws)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ws.ID == "" {
		t.Error("Create() did not assign an ID")
	}
	if generalID == "" {
		t.Error("Create() did not return a general channel ID")
	}

	got, err := repo.GetByID(ctx, ws.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "acme" {
		t.Errorf("Name = %q, want %q", got.Name, "acme")
	}
	if got.DisplayName == nil || *got.DisplayName != displayName {
		t.Errorf("DisplayName = %v, want %q", got.DisplayName, displayName)
	}
	if got.OwnerID != owner.ID {
		t.Errorf("OwnerID = %q, want %q", got.OwnerID, owner.ID)
	}

	m, err := repo.GetMembership(ctx, owner.ID, ws.ID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if m.Role != RoleOwner {
		t.Errorf("owner membership role = %q, want %q", m.Role, RoleOwner)
	}

	var name string
	err = db.QueryRowContext(ctx, `SELECT name FROM channels WHERE id = ?`, generalID).Scan(&name)
	if err != nil {
		t.Fatalf("looking up general channel: %v", err)
	}
	if name != GeneralChannelName {
		t.Errorf("general channel name = %q, want %q", name, GeneralChannelName)
	}

	var n int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM channel_memberships WHERE channel_id = ? AND user_id = ?
	`, generalID, owner.ID).Scan(&n)
	if err != nil {
		t.Fatalf("counting channel memberships: %v", err)
	}
	if n != 1 {
		t.Errorf("owner general channel memberships = %d, want 1", n)
	}
}

func TestCreateInvalidName(t *testing.T) {
	repo, db := newTestRepo(t)
	owner := testutil.CreateTestUser(t, db, "alice", "Alice")

	_, err := repo.Create(context.Background(), &Workspace{Name: "Bad Name!", OwnerID: owner.ID})
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("Create() error = %v, want ErrInvalidName", err)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	repo, db := newTestRepo(t)
	owner := testutil.CreateTestUser(t, db, "alice", "Alice")
	createWorkspace(t, repo, owner.ID, "acme")

	_, err := repo.Create(context.Background(), &Workspace{Name: "acme", OwnerID: owner.ID})
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("Create() error = %v, want ErrNameTaken", err)
	}
}

func TestGetByIDMiss(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.GetByID(context.Background(), "01JNOSUCHWORKSPACE00000000")
	if !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("GetByID() error = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestListForUser(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")

	// Created out of name order on purpose; the listing sorts by name.
	createWorkspace(t, repo, alice.ID, "zeta-team")
	acme, _ := createWorkspace(t, repo, alice.ID, "acme")
	if _, err := repo.AddMember(ctx, bob.ID, acme.ID, RoleMember); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	got, err := repo.ListForUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListForUser() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListForUser() returned %d workspaces, want 2", len(got))
	}
	if got[0].Name != "acme" || got[1].Name != "zeta-team" {
		t.Errorf("ListForUser() order = [%q, %q], want [acme, zeta-team]", got[0].Name, got[1].Name)
	}
	if got[0].Role != RoleOwner {
		t.Errorf("alice role in acme = %q, want %q", got[0].Role, RoleOwner)
	}

	got, err = repo.ListForUser(ctx, bob.ID)
	if err != nil {
		t.Fatalf("ListForUser() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != acme.ID || got[0].Role != RoleMember {
		t.Errorf("ListForUser(bob) = %+v, want one member row for %q", got, acme.Name)
	}
}

func TestGetMembershipMiss(t *testing.T) {
	repo, db := newTestRepo(t)
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")

	_, err := repo.GetMembership(context.Background(), bob.ID, ws.ID)
	if !errors.Is(err, ErrNotAMember) {
		t.Errorf("GetMembership() error = %v, want ErrNotAMember", err)
	}
}

func TestAddMember(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws, generalID := createWorkspace(t, repo, alice.ID, "acme")

	m, err := repo.AddMember(ctx, bob.ID, ws.ID, RoleAdmin)
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if m.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", m.Role, RoleAdmin)
	}

	// Joining a workspace also enrolls the user in #general.
	var n int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM channel_memberships WHERE channel_id = ? AND user_id = ?
	`, generalID, bob.ID).Scan(&n)
	if err != nil {
		t.Fatalf("counting channel memberships: %v", err)
	}
	if n != 1 {
		t.Errorf("bob general channel memberships = %d, want 1", n)
	}

	_, err = repo.AddMember(ctx, bob.ID, ws.ID, RoleMember)
	if !errors.Is(err, ErrMembershipExists) {
		t.Errorf("AddMember() again error = %v, want ErrMembershipExists", err)
	}
}

func TestRemoveMember(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")
	if _, err := repo.AddMember(ctx, bob.ID, ws.ID, RoleMember); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	ch := testutil.CreateTestChannel(t, db, ws.ID, alice.ID, "random", "public")
	testutil.AddChannelMember(t, db, ch.ID, bob.ID)

	if err := repo.RemoveMember(ctx, bob.ID, ws.ID); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}

	if _, err := repo.GetMembership(ctx, bob.ID, ws.ID); !errors.Is(err, ErrNotAMember) {
		t.Errorf("GetMembership() after removal error = %v, want ErrNotAMember", err)
	}

	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM channel_memberships
		WHERE user_id = ? AND channel_id IN (SELECT id FROM channels WHERE workspace_id = ?)
	`, bob.ID, ws.ID).Scan(&n)
	if err != nil {
		t.Fatalf("counting channel memberships: %v", err)
	}
	if n != 0 {
		t.Errorf("bob still holds %d channel memberships after removal", n)
	}
}

func TestRemoveMemberOwner(t *testing.T) {
	repo, db := newTestRepo(t)
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")

	err := repo.RemoveMember(context.Background(), alice.ID, ws.ID)
	if !errors.Is(err, ErrCannotRemoveOwner) {
		t.Errorf("RemoveMember(owner) error = %v, want ErrCannotRemoveOwner", err)
	}
}

func TestRemoveMemberNotAMember(t *testing.T) {
	repo, db := newTestRepo(t)
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")

	err := repo.RemoveMember(context.Background(), bob.ID, ws.ID)
	if !errors.Is(err, ErrNotAMember) {
		t.Errorf("RemoveMember() error = %v, want ErrNotAMember", err)
	}
}

func TestListMembers(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice Smith")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob Jones")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")
	if _, err := repo.AddMember(ctx, bob.ID, ws.ID, RoleMember); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := repo.ListMembers(ctx, ws.ID)
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("ListMembers() returned %d members, want 2", len(members))
	}

	byID := make(map[string]MemberWithUser, len(members))
	for _, m := range members {
		byID[m.UserID] = m
	}
	if m := byID[alice.ID]; m.Username != "alice" || m.Role != RoleOwner {
		t.Errorf("alice member = {username %q, role %q}, want {alice, owner}", m.Username, m.Role)
	}
	if m := byID[bob.ID]; m.DisplayName != "Bob Jones" || m.Role != RoleMember {
		t.Errorf("bob member = {displayName %q, role %q}, want {Bob Jones, member}", m.DisplayName, m.Role)
	}
}

func TestMemberIDs(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")
	if _, err := repo.AddMember(ctx, bob.ID, ws.ID, RoleMember); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	ids, err := repo.MemberIDs(ctx, ws.ID)
	if err != nil {
		t.Fatalf("MemberIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("MemberIDs() returned %d ids, want 2", len(ids))
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[alice.ID] || !found[bob.ID] {
		t.Errorf("MemberIDs() = %v, want alice and bob", ids)
	}
}

func TestDelete(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	bob := testutil.CreateTestUser(t, db, "bob", "Bob")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")
	if _, err := repo.AddMember(ctx, bob.ID, ws.ID, RoleMember); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	testutil.CreateTestChannel(t, db, ws.ID, alice.ID, "random", "public")
	if err := repo.CreateInvite(ctx, &Invite{
		WorkspaceID: ws.ID,
		Email:       "carol@example.com",
		Role:        RoleMember,
		InvitedBy:   alice.ID,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	result, err := repo.Delete(ctx, ws.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(result.ChannelIDs) != 2 {
		t.Errorf("DeleteResult.ChannelIDs has %d entries, want 2 (general + random)", len(result.ChannelIDs))
	}
	if len(result.MemberIDs) != 2 {
		t.Errorf("DeleteResult.MemberIDs has %d entries, want 2", len(result.MemberIDs))
	}

	if _, err := repo.GetByID(ctx, ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrWorkspaceNotFound", err)
	}

	var invites int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invites WHERE workspace_id = ?`, ws.ID).Scan(&invites); err != nil {
		t.Fatalf("counting invites: %v", err)
	}
	if invites != 0 {
		t.Errorf("%d invites survived deletion, want 0", invites)
	}

	if _, err := repo.Delete(ctx, ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("Delete() again error = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestCreateInvite(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")

	invite := &Invite{
		WorkspaceID: ws.ID,
		Email:       "carol@example.com",
		Role:        RoleMember,
		InvitedBy:   alice.ID,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	if err := repo.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}
	if invite.ID == "" {
		t.Error("CreateInvite() did not assign an ID")
	}
	if len(invite.Token) != 64 {
		t.Errorf("Token has length %d, want 64 hex chars", len(invite.Token))
	}

	got, err := repo.GetInviteByToken(ctx, invite.Token)
	if err != nil {
		t.Fatalf("GetInviteByToken() error = %v", err)
	}
	if got.Email != "carol@example.com" || got.AcceptedAt != nil {
		t.Errorf("invite = {email %q, acceptedAt %v}, want unaccepted for carol", got.Email, got.AcceptedAt)
	}
}

func TestGetInviteByTokenMiss(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.GetInviteByToken(context.Background(), "deadbeef")
	if !errors.Is(err, ErrInviteNotFound) {
		t.Errorf("GetInviteByToken() error = %v, want ErrInviteNotFound", err)
	}
}

func TestAcceptInvite(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	carol := testutil.CreateTestUser(t, db, "carol", "Carol")
	ws, generalID := createWorkspace(t, repo, alice.ID, "acme")

	invite := &Invite{
		WorkspaceID: ws.ID,
		Email:       carol.Email,
		Role:        RoleAdmin,
		InvitedBy:   alice.ID,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	if err := repo.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	accepted, m, err := repo.AcceptInvite(ctx, invite.Token, carol.ID)
	if err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}
	if accepted.AcceptedBy == nil || *accepted.AcceptedBy != carol.ID {
		t.Errorf("AcceptedBy = %v, want %q", accepted.AcceptedBy, carol.ID)
	}
	if accepted.AcceptedAt == nil {
		t.Error("AcceptedAt not set")
	}
	if m.Role != RoleAdmin {
		t.Errorf("membership role = %q, want %q", m.Role, RoleAdmin)
	}

	var n int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM channel_memberships WHERE channel_id = ? AND user_id = ?
	`, generalID, carol.ID).Scan(&n)
	if err != nil {
		t.Fatalf("counting channel memberships: %v", err)
	}
	if n != 1 {
		t.Errorf("carol general channel memberships = %d, want 1", n)
	}

	if _, _, err := repo.AcceptInvite(ctx, invite.Token, carol.ID); !errors.Is(err, ErrInviteUsed) {
		t.Errorf("AcceptInvite() again error = %v, want ErrInviteUsed", err)
	}
}

func TestAcceptInviteExpired(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	alice := testutil.CreateTestUser(t, db, "alice", "Alice")
	carol := testutil.CreateTestUser(t, db, "carol", "Carol")
	ws, _ := createWorkspace(t, repo, alice.ID, "acme")

	invite := &Invite{
		WorkspaceID: ws.ID,
		Email:       carol.Email,
		Role:        RoleMember,
		InvitedBy:   alice.ID,
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	}
	if err := repo.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	if _, _, err := repo.AcceptInvite(ctx, invite.Token, carol.ID); !errors.Is(err, ErrInviteExpired) {
		t.Errorf("AcceptInvite() error = %v, want ErrInviteExpired", err)
	}
}
