package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// Issuer signs and verifies access credentials with HS256
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. The secret must be at least 32 bytes.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	return &Issuer{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		leeway: 5 * time.Second,
		now:    time.Now,
	}, nil
}

// TTL returns the credential lifetime
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a credential carrying the subject's permission snapshot
func (i *Issuer) Issue(subject *rbac.Subject, sessionID string) (string, *Claims, error) {
	now := i.now()
	perms := make(map[string]int, len(subject.Permissions))
	for resource, level := range subject.Permissions {
		perms[resource] = int(level)
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(subject.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Username:    subject.Username,
		Level:       subject.Level,
		Roles:       subject.RoleNames,
		Permissions: perms,
		SessionID:   sessionID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies the signature, issuer and expiry of a credential
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID() == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
