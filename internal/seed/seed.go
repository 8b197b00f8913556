// Package seed populates a development database with demo workspaces,
// channels, and message history so the gateway and history endpoints have
// something to serve on a fresh checkout.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/gravatar"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/receipt"
	"github.com/echochat/api/internal/user"
	"github.com/echochat/api/internal/workspace"
)

// Run populates the database with seed data for development.
// It is idempotent: if data already exists, it logs and returns nil.
func Run(ctx context.Context, db *sql.DB) error {
	// Idempotency check
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email = 'alice@example.com'`).Scan(&count); err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if count > 0 {
		slog.Info("database already seeded, skipping")
		return nil
	}

	slog.Info("seeding database...")

	userRepo := user.NewRepository(db)
	workspaceRepo := workspace.NewRepository(db)
	channelRepo := channel.NewRepository(db)
	messageRepo := message.NewRepository(db)
	receiptRepo := receipt.NewRepository(db)

	// Hash password once (bcrypt cost 4 for speed)
	hash, err := auth.HashPassword("password", 4)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// --- Users ---
	type seedUser struct {
		username    string
		email       string
		displayName string
	}
	seedUsers := []seedUser{
		{"alice", "alice@example.com", "Alice Chen"},
		{"bob", "bob@example.com", "Bob Martinez"},
		{"carol", "carol@example.com", "Carol Williams"},
		{"dave", "dave@example.com", "Dave Johnson"},
		{"eve", "eve@example.com", "Eve Kim"},
		{"frank", "frank@example.com", "Frank O'Brien"},
	}

	users := make([]*user.User, len(seedUsers))
	for i, su := range seedUsers {
		avatar := gravatar.URL(su.email)
		u, err := userRepo.Create(ctx, user.CreateUserInput{
			Username:     su.username,
			Email:        su.email,
			PasswordHash: hash,
			DisplayName:  su.displayName,
			AvatarURL:    &avatar,
		})
		if err != nil {
			return fmt.Errorf("create user %s: %w", su.email, err)
		}
		users[i] = u
		slog.Info("created user", "username", su.username)
	}

	alice, bob, carol, dave, eve, frank := users[0], users[1], users[2], users[3], users[4], users[5]

	// --- Workspace 1: acme ---
	acmeDisplay := "Acme Corp"
	acme := &workspace.Workspace{
		Name:        "acme",
		DisplayName: &acmeDisplay,
		OwnerID:     alice.ID,
	}
	acmeGeneralID, err := workspaceRepo.Create(ctx, acme)
	if err != nil {
		return fmt.Errorf("create workspace acme: %w", err)
	}
	slog.Info("created workspace", "name", acme.Name)

	acmeMembers := []struct {
		userID string
		role   string
	}{
		{bob.ID, workspace.RoleAdmin},
		{carol.ID, workspace.RoleMember},
		{dave.ID, workspace.RoleMember},
		{eve.ID, workspace.RoleMember},
		{frank.ID, workspace.RoleMember},
	}
	for _, m := range acmeMembers {
		if _, err := workspaceRepo.AddMember(ctx, m.userID, acme.ID, m.role); err != nil {
			return fmt.Errorf("add member to acme: %w", err)
		}
		// Workspace creation only enrolls the owner in #general.
		if _, err := channelRepo.AddMember(ctx, acmeGeneralID, m.userID, channel.RoleMember); err != nil {
			return fmt.Errorf("add member to acme #general: %w", err)
		}
	}

	// --- Workspace 2: skunkworks ---
	skunkDisplay := "Skunkworks"
	skunk := &workspace.Workspace{
		Name:        "skunkworks",
		DisplayName: &skunkDisplay,
		OwnerID:     frank.ID,
	}
	skunkGeneralID, err := workspaceRepo.Create(ctx, skunk)
	if err != nil {
		return fmt.Errorf("create workspace skunkworks: %w", err)
	}
	slog.Info("created workspace", "name", skunk.Name)

	for _, m := range []struct {
		userID string
		role   string
	}{
		{alice.ID, workspace.RoleAdmin},
		{bob.ID, workspace.RoleMember},
	} {
		if _, err := workspaceRepo.AddMember(ctx, m.userID, skunk.ID, m.role); err != nil {
			return fmt.Errorf("add member to skunkworks: %w", err)
		}
		if _, err := channelRepo.AddMember(ctx, skunkGeneralID, m.userID, channel.RoleMember); err != nil {
			return fmt.Errorf("add member to skunkworks #general: %w", err)
		}
	}

	// --- Channels in acme ---
	acmeAllIDs := []string{bob.ID, carol.ID, dave.ID, eve.ID, frank.ID}

	acmeRandom := &channel.Channel{
		WorkspaceID: acme.ID,
		Name:        "random",
		Type:        channel.TypePublic,
		CreatedBy:   alice.ID,
	}
	if err := channelRepo.Create(ctx, acmeRandom, acmeAllIDs...); err != nil {
		return fmt.Errorf("create #random: %w", err)
	}

	warRoom := &channel.Channel{
		WorkspaceID: acme.ID,
		Name:        "war-room",
		Type:        channel.TypePrivate,
		CreatedBy:   alice.ID,
	}
	if err := channelRepo.Create(ctx, warRoom, bob.ID); err != nil {
		return fmt.Errorf("create #war-room: %w", err)
	}

	announceDisplay := "Announcements"
	announcements := &channel.Channel{
		WorkspaceID: acme.ID,
		Name:        "announcements",
		DisplayName: &announceDisplay,
		Type:        channel.TypePublic,
		IsReadOnly:  true,
		CreatedBy:   alice.ID,
	}
	if err := channelRepo.Create(ctx, announcements, acmeAllIDs...); err != nil {
		return fmt.Errorf("create #announcements: %w", err)
	}

	dmAliceBob, _, err := channelRepo.CreateDirect(ctx, acme.ID, alice.ID, []string{alice.ID, bob.ID})
	if err != nil {
		return fmt.Errorf("create DM alice-bob: %w", err)
	}
	dmCarolDave, _, err := channelRepo.CreateDirect(ctx, acme.ID, carol.ID, []string{carol.ID, dave.ID})
	if err != nil {
		return fmt.Errorf("create DM carol-dave: %w", err)
	}
	gdmOps, _, err := channelRepo.CreateDirect(ctx, acme.ID, alice.ID, []string{alice.ID, carol.ID, eve.ID})
	if err != nil {
		return fmt.Errorf("create group DM alice-carol-eve: %w", err)
	}

	slog.Info("created acme channels")

	// --- Channels in skunkworks ---
	skunkDesign := &channel.Channel{
		WorkspaceID: skunk.ID,
		Name:        "design",
		Type:        channel.TypePublic,
		CreatedBy:   frank.ID,
	}
	if err := channelRepo.Create(ctx, skunkDesign, alice.ID); err != nil {
		return fmt.Errorf("create #design: %w", err)
	}

	slog.Info("created skunkworks channels")

	// --- Hand-written messages ---
	handwritten := []struct {
		workspaceID string
		channelID   string
		userID      string
		content     string
	}{
		{acme.ID, acmeGeneralID, alice.ID, "Welcome to Acme! Glad to have everyone here."},
		{acme.ID, acmeGeneralID, bob.ID, "Thanks Alice! Excited to get started."},
		{acme.ID, acmeGeneralID, carol.ID, "Hey everyone! Looking forward to working together."},
		{acme.ID, acmeGeneralID, dave.ID, "Hello from the platform team!"},
		{acme.ID, acmeGeneralID, eve.ID, "Hi all! Quick question, where do we track sprint tasks?"},
		{acme.ID, acmeGeneralID, alice.ID, "We use Linear for sprint planning. I'll send you an invite."},
		{acme.ID, acmeGeneralID, frank.ID, "Just joined! What's the WiFi password?"},
		{acme.ID, acmeRandom.ID, bob.ID, "Anyone up for lunch today?"},
		{acme.ID, acmeRandom.ID, carol.ID, "Sure! How about that new Thai place?"},
		{acme.ID, acmeRandom.ID, dave.ID, "I'm in. 12:30 work for everyone?"},
		{acme.ID, acmeRandom.ID, eve.ID, "Count me in! cc @frank"},
		{acme.ID, warRoom.ID, alice.ID, "Heads up @bob, we need to finalize the budget by Friday."},
		{acme.ID, warRoom.ID, bob.ID, "Got it. I'll have the numbers ready by Thursday."},
		{acme.ID, announcements.ID, alice.ID, "Office closed Monday for the holiday."},
		{acme.ID, announcements.ID, alice.ID, "Q3 all-hands moved to the big conference room."},
		{acme.ID, dmAliceBob.ID, alice.ID, "Hey Bob, can you review the PR I just opened?"},
		{acme.ID, dmAliceBob.ID, bob.ID, "Sure, I'll take a look this afternoon."},
		{acme.ID, dmCarolDave.ID, carol.ID, "Dave, did you see the failing test in CI?"},
		{acme.ID, dmCarolDave.ID, dave.ID, "Yeah, looking into it now. Seems like a flaky test."},
		{acme.ID, gdmOps.ID, alice.ID, "Let's sync on the launch checklist tomorrow at 2pm."},
		{acme.ID, gdmOps.ID, carol.ID, "Works for me!"},
		{acme.ID, gdmOps.ID, eve.ID, "Same here. I'll prep the runbook."},
		{skunk.ID, skunkGeneralID, frank.ID, "Welcome to the skunkworks workspace!"},
		{skunk.ID, skunkGeneralID, alice.ID, "Thanks for setting this up, Frank."},
		{skunk.ID, skunkDesign.ID, frank.ID, "Sharing some initial design ideas here."},
		{skunk.ID, skunkDesign.ID, alice.ID, "These look great! Love the color palette."},
	}

	handwrittenMsgs := make([]*message.Message, 0, len(handwritten))
	for _, hw := range handwritten {
		msg, _, err := messageRepo.Append(ctx, message.AppendParams{
			WorkspaceID: hw.workspaceID,
			ChannelID:   hw.channelID,
			UserID:      hw.userID,
			Content:     hw.content,
		})
		if err != nil {
			return fmt.Errorf("create handwritten message: %w", err)
		}
		handwrittenMsgs = append(handwrittenMsgs, msg)
	}

	// Thread under Eve's sprint-tasks question
	threadRoot := handwrittenMsgs[4]
	threadReplies := []struct {
		userID  string
		content string
	}{
		{alice.ID, "Linear is at linear.app, invite coming your way."},
		{dave.ID, "There's also a shared doc for longer-term roadmap items."},
		{eve.ID, "Perfect, thanks both!"},
	}
	for _, tr := range threadReplies {
		_, _, err := messageRepo.Append(ctx, message.AppendParams{
			WorkspaceID:     acme.ID,
			ChannelID:       threadRoot.ChannelID,
			UserID:          tr.userID,
			Content:         tr.content,
			ParentMessageID: &threadRoot.ID,
		})
		if err != nil {
			return fmt.Errorf("create thread reply: %w", err)
		}
	}

	slog.Info("created handwritten messages")

	// --- Generated messages ---
	rng := rand.New(rand.NewSource(42))

	type channelConfig struct {
		workspaceID string
		channelID   string
		members     []*user.User
		count       int
	}

	acmeAll := []*user.User{alice, bob, carol, dave, eve, frank}
	configs := []channelConfig{
		{acme.ID, acmeGeneralID, acmeAll, 600},
		{acme.ID, acmeRandom.ID, acmeAll, 400},
		{acme.ID, warRoom.ID, []*user.User{alice, bob}, 100},
		{acme.ID, dmAliceBob.ID, []*user.User{alice, bob}, 100},
		{acme.ID, dmCarolDave.ID, []*user.User{carol, dave}, 100},
		{acme.ID, gdmOps.ID, []*user.User{alice, carol, eve}, 80},
		{skunk.ID, skunkGeneralID, []*user.User{frank, alice, bob}, 150},
		{skunk.ID, skunkDesign.ID, []*user.User{frank, alice}, 60},
	}

	totalGenerated := 0
	for _, cfg := range configs {
		if err := generateMessages(ctx, rng, messageRepo, cfg.workspaceID, cfg.channelID, cfg.members, cfg.count, &totalGenerated); err != nil {
			return fmt.Errorf("generate messages for channel: %w", err)
		}
	}

	slog.Info("generated messages", "total", totalGenerated)

	// --- Read receipts ---
	// Leave each member a little behind the head so unread counts have
	// something to show.
	receiptCount := 0
	for _, cfg := range configs {
		head, err := messageRepo.Head(ctx, cfg.workspaceID, cfg.channelID)
		if err != nil {
			return fmt.Errorf("read channel head: %w", err)
		}
		if head == 0 {
			continue
		}
		for _, member := range cfg.members {
			behind := int64(rng.Intn(40))
			lastRead := head - behind
			if lastRead <= 0 {
				continue
			}
			if _, err := receiptRepo.Advance(ctx, member.ID, cfg.workspaceID, cfg.channelID, lastRead, nil); err != nil {
				return fmt.Errorf("advance read receipt: %w", err)
			}
			receiptCount++
		}
	}

	slog.Info("seeded read receipts", "count", receiptCount)

	slog.Info("database seeded successfully")
	return nil
}

var messageTemplates = []string{
	"Just pushed the latest changes to the feature branch",
	"Can someone review my PR when they get a chance?",
	"The deploy went out clean, no alerts so far",
	"I'm going to refactor the session handling this afternoon",
	"Has anyone looked at the latency dashboard today?",
	"Notes from standup are in the shared doc",
	"Reminder: retro is at 3pm today",
	"CI is green again after that fix",
	"Working on the migration for the new schema",
	"Anyone dealt with websocket reconnect storms before?",
	"I'll be out tomorrow, back Thursday",
	"The new feature flag is ready for testing",
	"Found a bug in the invite flow, investigating",
	"Good progress on the sprint goals this week",
	"Can we move the design review to 2pm?",
	"Finished the API docs for the new endpoints",
	"Load test results look promising",
	"Heads up: database maintenance this weekend",
	"Added error handling for the edge cases we discussed",
	"LGTM on the latest round of changes, ship it",
	"Pairing with Dave on the search work today",
	"Staging is ready for QA",
	"Set up monitoring alerts for the new service",
	"Coverage went up to 87% after the new tests",
	"Chasing a memory leak in the worker process",
	"Just merged the accessibility fixes",
	"Anyone free for a quick code review?",
	"Cache hit rate improved a lot after the change",
	"Looking into the slow query on the reports page",
	"Updated the README with new setup steps",
	"Integration tests pass locally but fail in CI, fun",
	"Let's talk real-time architecture at the next sync",
	"Filed tickets for everything from the QA round",
	"Deployed the hotfix, watching the graphs now",
	"Can someone help me debug this CORS issue?",
	"Release notes for v2.1 are drafted",
	"Backups ran clean overnight",
	"Interesting patterns in the error logs this morning",
	"Adding rate limiting to the public endpoints",
	"We need to rotate the TLS certs next month",
	"New caching layer cut database load by 40%",
	"Anyone want to do a tech talk on our architecture?",
	"Profiling turned up some fun bottlenecks",
	"Beta feedback has been really positive",
	"The unread badge logic is much simpler now",
	"Retry with backoff fixed the flaky publisher",
	"Sequence gaps are gone after the allocator fix",
	"Resync after reconnect works smoothly now",
}

func generateMessages(ctx context.Context, rng *rand.Rand, messageRepo *message.Repository, workspaceID, channelID string, members []*user.User, count int, totalGenerated *int) error {
	var recentRootIDs []string

	for i := 0; i < count; i++ {
		author := members[rng.Intn(len(members))]
		content := messageTemplates[rng.Intn(len(messageTemplates))]

		// ~10% of messages mention another member
		if rng.Intn(10) == 0 && len(members) > 1 {
			target := members[rng.Intn(len(members))]
			if target.ID != author.ID {
				content = fmt.Sprintf("%s (cc @%s)", content, target.Username)
			}
		}

		params := message.AppendParams{
			WorkspaceID: workspaceID,
			ChannelID:   channelID,
			UserID:      author.ID,
			Content:     content,
		}

		// ~5% of messages are thread replies to recent roots
		if rng.Intn(20) == 0 && len(recentRootIDs) > 0 {
			parentID := recentRootIDs[rng.Intn(len(recentRootIDs))]
			params.ParentMessageID = &parentID
		}

		msg, _, err := messageRepo.Append(ctx, params)
		if err != nil {
			return err
		}

		// Track recent roots as potential thread parents (keep last 50)
		if params.ParentMessageID == nil {
			recentRootIDs = append(recentRootIDs, msg.ID)
			if len(recentRootIDs) > 50 {
				recentRootIDs = recentRootIDs[1:]
			}
		}

		*totalGenerated++

		if *totalGenerated%500 == 0 {
			slog.Info("seed progress", "messages_created", *totalGenerated)
		}
	}

	return nil
}
