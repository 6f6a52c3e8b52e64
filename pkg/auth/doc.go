// Package auth issues and verifies the credentials of admin users.
//
// # Credentials
//
// Login checks a bcrypt password hash and, when the user or one of their
// active roles requires it, a two-factor code. It then returns a pair:
//
//   - an HS256 JWT access credential carrying the user's permission map
//     (perms), level (lvl), role names and session ID (sid). It lives for a
//     short, configured TTL (15 minutes by default).
//   - an opaque refresh token (imr_<base64url>) stored in Redis as a SHA256
//     hash. Each use rotates it, and the new credential is built from freshly
//     resolved permissions.
//
// The permission map in a credential is a snapshot. Changes to roles or grants
// reach the user at the next refresh, so the TTL bounds staleness.
//
// # Usage Example
//
//	issuer, _ := auth.NewIssuer(secret, "imobiauth", 15*time.Minute)
//	sessions := auth.NewSessionStore(redisClient, 24*time.Hour, "imobiauth")
//	svc := auth.NewService(grantStore, resolver, issuer, sessions, logger,
//		auth.WithAuditLogger(auditLogger))
//
//	result, err := svc.Login(ctx, auth.LoginRequest{Username: "ana", Password: pw})
//	if result.TwoFactorRequired {
//		// ask for the code and call Login again with TwoFactorCode
//	}
//
//	pair, err := svc.Refresh(ctx, result.Tokens.RefreshToken)
//
// Deactivating or deleting a user revokes all their refresh sessions through
// Service.RevokeUser.
package auth
