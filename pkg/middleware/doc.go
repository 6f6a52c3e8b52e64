// Package middleware provides HTTP middleware for authentication, authorization, and rate limiting.
//
// # Middleware Components
//
// AuthMiddleware: Bearer credential verification
//
//	authn := middleware.NewAuthMiddleware(issuer, logger)
//	admin.Use(authn.Handler)
//	// Verifies the JWT and stores *auth.Claims and the user ID in the context
//
// PermissionMiddleware: Permission map check
//
//	perms := middleware.NewPermissionMiddleware(logger, auditLogger, metrics)
//	admin.Handle("/categories", perms.Require("categorias", rbac.LevelRead)(h))
//	// 403 {"error":"not authorized"} when the credential lacks the level
//
// RateLimiter: Redis-backed per-client limit for the /auth endpoints
//
//	limiter := middleware.NewRateLimiter(redisClient, nil, "imobiauth:ratelimit")
//	authRouter.Use(limiter.Handler)
//
// LoginLimiter: per-username login throttle (5 attempts per 15 minutes by default)
//
//	ok, retryAfter, err := loginLimiter.Allow(ctx, req.Username)
//
// # Related Packages
//
//   - pkg/auth: credential issuing and verification
//   - pkg/rbac: levels and permission maps
package middleware
