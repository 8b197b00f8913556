// Package notification extracts @username mentions from message content so
// the event router can reach the mentioned users' inboxes.
package notification

import (
	"context"
	"regexp"
	"strings"
)

// mentionPattern matches @username tokens. Usernames follow the account rule
// (3-30 characters of letters, digits, '.', '_' or '-'); the leading
// boundary keeps addresses like bob@example.com from reading as mentions.
var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9._-])@([A-Za-z0-9._-]{3,30})`)

// UserResolver maps lowercase usernames to user IDs within one workspace.
// Unknown names are simply absent from the result.
type UserResolver interface {
	ResolveUsernames(ctx context.Context, workspaceID string, names []string) (map[string]string, error)
}

// ParseMentions extracts @username tokens from content and resolves them to
// workspace members. Names that resolve to nobody are dropped. Each user
// appears once, in order of first mention; the author is not special-cased
// here, callers filter self-mentions where it matters.
func ParseMentions(ctx context.Context, resolver UserResolver, workspaceID, content string) ([]string, error) {
	if content == "" || resolver == nil {
		return nil, nil
	}

	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	var names []string
	seenName := make(map[string]bool)
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if !seenName[name] {
			names = append(names, name)
			seenName[name] = true
		}
	}

	resolved, err := resolver.ResolveUsernames(ctx, workspaceID, names)
	if err != nil {
		return nil, err
	}

	var ids []string
	seenID := make(map[string]bool)
	for _, name := range names {
		if id, ok := resolved[name]; ok && !seenID[id] {
			ids = append(ids, id)
			seenID[id] = true
		}
	}
	return ids, nil
}
