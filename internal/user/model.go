package user

import (
	"errors"
	"regexp"
	"time"
)

var ErrInvalidUsername = errors.New("username must be 3-30 characters of letters, digits, '.', '_' or '-'")

const (
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,30}$`)

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"displayName"`
	AvatarURL    *string    `json:"avatarUrl,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type CreateUserInput struct {
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	AvatarURL    *string
}

// Snapshot is the author shape embedded in event payloads and message
// responses. It deliberately omits anything private.
type Snapshot struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

func (u *User) Snapshot() Snapshot {
	return Snapshot{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}
