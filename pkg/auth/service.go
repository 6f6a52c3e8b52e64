package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// TwoFactorVerifier checks a second-factor code. Code delivery and enrollment
// live outside this service.
type TwoFactorVerifier interface {
	Verify(ctx context.Context, userID int64, code string) (bool, error)
}

// RejectingVerifier rejects every code. It is the default so a missing
// integration locks out two-factor users instead of letting them through.
type RejectingVerifier struct{}

// Verify always returns false
func (RejectingVerifier) Verify(ctx context.Context, userID int64, code string) (bool, error) {
	return false, nil
}

// dummyHash is compared against when the user does not exist so unknown and
// known usernames take the same time
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("imobiauth-dummy-password"), bcrypt.DefaultCost)

// HashPassword hashes a password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Service implements login, refresh and logout
type Service struct {
	users    *grants.Store
	resolver *rbac.Resolver
	issuer   *Issuer
	sessions *SessionStore
	verifier TwoFactorVerifier
	audit    audit.Logger
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// ServiceOption configures optional collaborators of a Service
type ServiceOption func(*Service)

// WithTwoFactorVerifier sets the second-factor verifier
func WithTwoFactorVerifier(v TwoFactorVerifier) ServiceOption {
	return func(s *Service) { s.verifier = v }
}

// WithAuditLogger sets the audit logger
func WithAuditLogger(l audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates an authentication service
func NewService(users *grants.Store, resolver *rbac.Resolver, issuer *Issuer, sessions *SessionStore, logger *logrus.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Service{
		users:    users,
		resolver: resolver,
		issuer:   issuer,
		sessions: sessions,
		verifier: RejectingVerifier{},
		audit:    audit.NoOpLogger{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the credential issuer, used to verify bearer tokens
func (s *Service) Issuer() *Issuer {
	return s.issuer
}

// Sessions returns the refresh session store
func (s *Service) Sessions() *SessionStore {
	return s.sessions
}

// Login verifies username and password, and the two-factor code when any of
// the user's active roles or the user requires one. On success it opens a
// refresh session and issues a credential with the resolved permissions.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	log := s.logger.WithField("username", req.Username)

	user, err := s.users.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, grants.ErrNotFound) {
			s.metrics.ObserveLogin("error")
			return nil, err
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		s.loginFailed(ctx, nil, "unknown user")
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.loginFailed(ctx, &user.ID, "bad password")
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		s.loginFailed(ctx, &user.ID, "inactive user")
		return nil, ErrInvalidCredentials
	}

	subject, err := s.resolver.ResolveSubject(ctx, user.ID)
	if err != nil {
		s.metrics.ObserveLogin("error")
		return nil, err
	}

	if subject.TwoFactorRequired || user.TwoFactorEnabled {
		if req.TwoFactorCode == "" {
			s.metrics.ObserveLogin("two_factor_required")
			log.Debug("Two-factor code required")
			return &LoginResult{TwoFactorRequired: true}, nil
		}
		ok, err := s.verifier.Verify(ctx, user.ID, req.TwoFactorCode)
		if err != nil {
			s.metrics.ObserveLogin("error")
			return nil, fmt.Errorf("failed to verify two-factor code: %w", err)
		}
		if !ok {
			s.loginFailed(ctx, &user.ID, "bad two-factor code")
			return nil, ErrInvalidCredentials
		}
	}

	refreshToken, session, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		s.metrics.ObserveLogin("error")
		return nil, err
	}
	tokens, err := s.issue(subject, session.ID, refreshToken)
	if err != nil {
		s.metrics.ObserveLogin("error")
		return nil, err
	}

	s.metrics.ObserveLogin("success")
	s.metrics.ObserveCredentialIssued("login")
	s.record(ctx, audit.EventTypeAuthLogin, audit.EventStatusSuccess, user.ID, "login")
	log.WithFields(logrus.Fields{
		"user_id":    user.ID,
		"session_id": session.ID,
		"level":      subject.Level,
	}).Info("User logged in")
	return &LoginResult{Tokens: tokens}, nil
}

// Refresh rotates a refresh token and issues a credential with permissions
// resolved again from the stores
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	next, session, err := s.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	subject, err := s.resolver.ResolveSubject(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if !subject.Active {
		if err := s.sessions.Revoke(ctx, session.UserID, session.ID); err != nil {
			s.logger.WithError(err).WithField("session_id", session.ID).Error("Failed to revoke session")
		}
		return nil, ErrSessionNotFound
	}

	tokens, err := s.issue(subject, session.ID, next)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveCredentialIssued("refresh")
	s.record(ctx, audit.EventTypeAuthTokenRefresh, audit.EventStatusSuccess, session.UserID, "credential refreshed")
	return tokens, nil
}

// Logout ends the session the credential belongs to
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	if err := s.sessions.Revoke(ctx, claims.UserID(), claims.SessionID); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypeAuthLogout, audit.EventStatusSuccess, claims.UserID(), "logout")
	return nil
}

// RevokeUser ends every session of a user. Called when a user is deactivated
// or deleted; outstanding credentials lapse at their expiry.
func (s *Service) RevokeUser(ctx context.Context, userID int64) error {
	n, err := s.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"user_id": userID, "sessions": n}).Info("Revoked user sessions")
	return nil
}

func (s *Service) issue(subject *rbac.Subject, sessionID, refreshToken string) (*TokenPair, error) {
	access, _, err := s.issuer.Issue(subject, sessionID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.TTL().Seconds()),
		RefreshToken: refreshToken,
		Permissions:  subject.Permissions,
	}, nil
}

func (s *Service) loginFailed(ctx context.Context, userID *int64, reason string) {
	s.metrics.ObserveLogin("failure")
	event := audit.NewEvent(ctx, audit.EventTypeAuthLoginFailed, audit.EventStatusFailure)
	event.UserID = userID
	event.ResourceType = audit.ResourceTypeUser
	event.Message = "login failed"
	event.Metadata["reason"] = reason
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).Error("Failed to record audit event")
	}
	s.logger.WithField("reason", reason).Info("Login failed")
}

func (s *Service) record(ctx context.Context, eventType audit.EventType, status audit.EventStatus, userID int64, message string) {
	event := audit.NewEvent(ctx, eventType, status)
	event.UserID = &userID
	event.ResourceType = audit.ResourceTypeSession
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Message = message
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).Error("Failed to record audit event")
	}
}
