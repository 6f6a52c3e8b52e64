package api

import (
	"net/http"

	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// RefreshRequest carries a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// PermissionsResponse is the caller's view of their own credential
type PermissionsResponse struct {
	UserID      int64            `json:"user_id"`
	Username    string           `json:"username"`
	Level       int              `json:"level"`
	Roles       []string         `json:"roles"`
	Permissions rbac.Permissions `json:"permissions"`
}

// login handles POST /auth/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	ctx := r.Context()
	if s.loginLimiter != nil {
		allowed, retryAfter, err := s.loginLimiter.Allow(ctx, req.Username)
		if err != nil {
			observability.FromContext(ctx).WithError(err).Error("Login throttle unavailable")
			httputil.WriteServiceUnavailable(w, "service unavailable")
			return
		}
		if !allowed {
			s.loginLimiter.WriteThrottled(w, retryAfter)
			return
		}
	}

	result, err := s.auth.Login(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.TwoFactorRequired {
		httputil.WriteSuccess(w, result)
		return
	}

	if s.loginLimiter != nil {
		if err := s.loginLimiter.Reset(ctx, req.Username); err != nil {
			observability.FromContext(ctx).WithError(err).Warn("Failed to reset login throttle")
		}
	}
	httputil.WriteSuccess(w, result.Tokens)
}

// refresh handles POST /auth/refresh
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.RefreshToken, "refresh_token") {
		return
	}

	tokens, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tokens)
}

// logout handles POST /auth/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r)
	if err := s.auth.Logout(r.Context(), claims); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// myPermissions handles GET /auth/me/permissions. The answer comes from the
// credential, not the stores.
func (s *Server) myPermissions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r)
	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	httputil.WriteSuccess(w, PermissionsResponse{
		UserID:      claims.UserID(),
		Username:    claims.Username,
		Level:       claims.Level,
		Roles:       roles,
		Permissions: claims.PermissionSet(),
	})
}
