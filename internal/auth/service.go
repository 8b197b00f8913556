package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/echochat/api/internal/gravatar"
	"github.com/echochat/api/internal/user"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserDeactivated    = errors.New("user account is deactivated")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email address")
)

type Service struct {
	users      *user.Repository
	verifier   *Verifier
	bcryptCost int
}

func NewService(users *user.Repository, verifier *Verifier, bcryptCost int) *Service {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{users: users, verifier: verifier, bcryptCost: bcryptCost}
}

type RegisterInput struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is an issued credential together with the user it authenticates.
type Session struct {
	Token string     `json:"token"`
	User  *user.User `json:"user"`
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (*Session, error) {
	if err := user.ValidateUsername(input.Username); err != nil {
		return nil, err
	}
	if err := validateEmail(input.Email); err != nil {
		return nil, err
	}
	if len(input.Password) < 8 {
		return nil, ErrPasswordTooShort
	}

	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = input.Username
	}

	hash, err := HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	var avatarURL *string
	if url := gravatar.URL(input.Email); url != "" {
		avatarURL = &url
	}

	u, err := s.users.Create(ctx, user.CreateUserInput{
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: hash,
		DisplayName:  displayName,
		AvatarURL:    avatarURL,
	})
	if err != nil {
		return nil, err
	}
	return s.sessionFor(u)
}

func (s *Service) Login(ctx context.Context, input LoginInput) (*Session, error) {
	u, err := s.users.GetByEmail(ctx, input.Email)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if u.Status == user.StatusDeactivated {
		return nil, ErrUserDeactivated
	}
	if !CheckPassword(input.Password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return s.sessionFor(u)
}

func (s *Service) sessionFor(u *user.User) (*Session, error) {
	token, err := s.verifier.Issue(u)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, User: u}, nil
}

// Authenticate verifies a token and loads its user, rejecting deactivated
// accounts. Connection-scoped callers like the websocket handshake use
// this; the per-request middleware stays pure and skips the store.
func (s *Service) Authenticate(ctx context.Context, token string) (*user.User, error) {
	p, err := s.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	u, err := s.users.GetByID(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if u.Status == user.StatusDeactivated {
		return nil, ErrUserDeactivated
	}
	return u, nil
}

// GetCurrentUser loads the caller's own account, rejecting deactivated ones
// even while their token is still unexpired.
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*user.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Status == user.StatusDeactivated {
		return nil, ErrUserDeactivated
	}
	return u, nil
}

func validateEmail(email string) error {
	if email == "" || !strings.ContainsRune(email, '@') {
		return ErrInvalidEmail
	}
	return nil
}
