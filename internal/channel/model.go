package channel

import (
	"errors"
	"regexp"
	"time"
)

var ErrInvalidChannelName = errors.New("channel name must be lowercase kebab-case, 1-50 characters")

var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

type Channel struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspaceId"`
	Name         string     `json:"name"`
	DisplayName  *string    `json:"displayName,omitempty"`
	Type         string     `json:"type"`
	IsArchived   bool       `json:"isArchived"`
	IsReadOnly   bool       `json:"isReadOnly"`
	CreatedBy    string     `json:"createdBy"`
	MemberCount  int        `json:"memberCount"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Membership struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	IsMuted   bool      `json:"isMuted"`
	JoinedAt  time.Time `json:"joinedAt"`
}

const (
	TypePublic  = "public"
	TypePrivate = "private"
	TypeDirect  = "direct"
	TypeGroupDM = "group_dm"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// GeneralName is the undeletable default channel of every workspace.
const GeneralName = "general"

func ValidType(t string) bool {
	switch t {
	case TypePublic, TypePrivate, TypeDirect, TypeGroupDM:
		return true
	}
	return false
}

// Private reports whether events about this channel go to member inboxes
// rather than the workspace topic.
func (c *Channel) Private() bool {
	return c.Type != TypePublic
}

func ValidateName(name string) error {
	if len(name) < 1 || len(name) > 50 || !namePattern.MatchString(name) {
		return ErrInvalidChannelName
	}
	return nil
}
