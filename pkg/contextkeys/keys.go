// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that setters
// and getters agree on one key and one value type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/imobiauth/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, claims)
//	claims, _ := ctx.Value(contextkeys.AuthKey).(*auth.Claims)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.Claims
	// Set by: middleware.Authenticate (pkg/middleware/auth.go)
	// Required by: every /admin and /auth/me endpoint
	AuthKey Key = "auth_claims"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, audit trail
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user ID (int64)
	// Set by: middleware.Authenticate
	// Used by: logger, audit trail
	UserIDKey Key = "user_id"

	// LoggerKey contains a request-scoped *logrus.Entry
	// Set by: httputil.LoggingMiddleware
	LoggerKey Key = "logger"

	// AuditLoggerKey contains an audit.Logger
	// Set by: audit.WithLogger
	AuditLoggerKey Key = "audit_logger"
)

// WithAuth adds the verified credential claims to the context
func WithAuth(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, claims)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}
