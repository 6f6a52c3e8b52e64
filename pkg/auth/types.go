package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

var (
	// ErrInvalidCredentials is returned for any failed login. It does not say
	// which part was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when an access credential fails verification
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrSessionNotFound is returned for an unknown, rotated or revoked refresh token
	ErrSessionNotFound = errors.New("session not found")
)

// Claims is the signed access credential. It carries a snapshot of the
// permission map taken at issuance; the snapshot is valid until ExpiresAt.
type Claims struct {
	jwt.RegisteredClaims
	Username    string         `json:"username"`
	Level       int            `json:"lvl"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions map[string]int `json:"perms"`
	SessionID   string         `json:"sid"`
}

// UserID returns the numeric subject, 0 when it is not a number
func (c *Claims) UserID() int64 {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Principal returns the holder as seen by the hierarchy guard
func (c *Claims) Principal() rbac.Principal {
	return rbac.NewPrincipal(c.UserID(), c.Level)
}

// PermissionSet returns the embedded permission map
func (c *Claims) PermissionSet() rbac.Permissions {
	perms := make(rbac.Permissions, len(c.Permissions))
	for resource, level := range c.Permissions {
		perms[resource] = rbac.Level(level)
	}
	return perms
}

// Session is a refresh session stored in Redis
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenPair is what login and refresh hand back to the client
type TokenPair struct {
	AccessToken  string           `json:"access_token"`
	TokenType    string           `json:"token_type"`
	ExpiresIn    int64            `json:"expires_in"`
	RefreshToken string           `json:"refresh_token"`
	Permissions  rbac.Permissions `json:"permissions"`
}

// LoginRequest carries login credentials
type LoginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
}

// LoginResult is either a token pair or a request for a two-factor code
type LoginResult struct {
	Tokens            *TokenPair `json:"tokens,omitempty"`
	TwoFactorRequired bool       `json:"two_factor_required"`
}
