package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/echochat/api/internal/user"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, and claims
	// that fail validation. Deliberately vague on the wire.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenExpired is split out because clients handle it differently:
	// refresh and retry instead of giving up.
	ErrTokenExpired = errors.New("token expired")
)

// Issuer names this service in the iss claim; tokens from anything else
// fail verification.
const Issuer = "echo-api"

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Principal is a verified identity, attached to HTTP requests by the
// middleware and to socket sessions by the gateway handshake.
type Principal struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Verifier issues and validates HS256 bearer tokens. Verification is pure:
// given the secret there is no I/O, so it is safe on every request and
// every inbound socket command.
type Verifier struct {
	secret   []byte
	tokenTTL time.Duration
}

func NewVerifier(secret []byte, tokenTTL time.Duration) *Verifier {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Verifier{secret: secret, tokenTTL: tokenTTL}
}

func (v *Verifier) Issue(u *user.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	p := &Principal{UserID: claims.Subject, Username: claims.Username}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// TokenFromRequest pulls the bearer token from the Authorization header,
// falling back to the token query parameter for websocket upgrades, where
// browsers cannot set headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", false
		}
		return strings.TrimPrefix(h, prefix), true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
