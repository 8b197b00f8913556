package workspace

import (
	"errors"
	"regexp"
	"time"
)

var ErrInvalidName = errors.New("workspace name must be lowercase kebab-case, 3-50 characters")

// namePattern enforces the global naming rule: lowercase kebab, no leading,
// trailing, or doubled hyphens.
var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName *string   `json:"displayName,omitempty"`
	OwnerID     string    `json:"ownerId"`
	IsArchived  bool      `json:"isArchived"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Membership struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type MemberWithUser struct {
	Membership
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

type WorkspaceWithRole struct {
	Workspace
	Role string `json:"role"`
}

// Invite is a single-use, expiring workspace invitation addressed to an
// email. Possession of the token is what grants acceptance.
type Invite struct {
	ID          string     `json:"id"`
	Token       string     `json:"token"`
	WorkspaceID string     `json:"workspaceId"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	InvitedBy   string     `json:"invitedBy"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	AcceptedBy  *string    `json:"acceptedBy,omitempty"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// CanManageMembers returns true if the role can invite and remove members.
func CanManageMembers(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

// CanDeleteWorkspace returns true if the role can delete the workspace.
func CanDeleteWorkspace(role string) bool {
	return role == RoleOwner
}

// CanManageChannels returns true if the role can delete channels.
func CanManageChannels(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

func ValidRole(role string) bool {
	return role == RoleOwner || role == RoleAdmin || role == RoleMember
}

func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 50 || !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}
