package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/contextkeys"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// NotAuthorized is the body of every 403. Permission denials and hierarchy
// violations are indistinguishable to the caller.
const NotAuthorized = "not authorized"

// AuthMiddleware verifies bearer credentials
type AuthMiddleware struct {
	issuer *auth.Issuer
	logger *logrus.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(issuer *auth.Issuer, logger *logrus.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuthMiddleware{
		issuer: issuer,
		logger: logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.issuer.Parse(strings.TrimSpace(parts[1]))
		if err != nil {
			m.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).
				Debug("Rejected bearer credential")
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), claims)
		ctx = contextkeys.WithUserID(ctx, claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the verified claims, or nil for an unauthenticated
// context
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(contextkeys.AuthKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetClaims extracts the verified claims from a request
func GetClaims(r *http.Request) *auth.Claims {
	return ClaimsFromContext(r.Context())
}

// PermissionMiddleware checks the permission map carried by the credential
type PermissionMiddleware struct {
	logger  *logrus.Logger
	audit   audit.Logger
	metrics *observability.Metrics
}

// NewPermissionMiddleware creates a permission checker. auditLogger and metrics
// may be nil.
func NewPermissionMiddleware(logger *logrus.Logger, auditLogger audit.Logger, metrics *observability.Metrics) *PermissionMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	return &PermissionMiddleware{
		logger:  logger,
		audit:   auditLogger,
		metrics: metrics,
	}
}

// Require returns middleware that lets the request through only when the
// credential holds at least level on resource
func (m *PermissionMiddleware) Require(resource string, level rbac.Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if !claims.PermissionSet().Allows(resource, level) {
				m.denied(r, claims, resource, level)
				httputil.WriteForbidden(w, NotAuthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (m *PermissionMiddleware) denied(r *http.Request, claims *auth.Claims, resource string, level rbac.Level) {
	m.metrics.ObservePermissionDenied(resource)

	fields := logrus.Fields{
		"user_id":    claims.UserID(),
		"resource":   resource,
		"required":   level.String(),
		"held":       claims.PermissionSet()[resource].String(),
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": contextkeys.GetRequestID(r.Context()),
	}
	m.logger.WithFields(fields).Warn("Permission denied")

	event := audit.NewRequestEvent(r, audit.EventTypeAuthzAccessDenied, audit.EventStatusDenied)
	event.ResourceType = audit.ResourceTypePermission
	event.ResourceID = resource
	event.Message = NotAuthorized
	event.Metadata["required"] = level.String()
	event.Metadata["path"] = r.URL.Path
	if err := m.audit.Log(r.Context(), event); err != nil {
		m.logger.WithError(err).Error("Failed to record audit event")
	}
}
