package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

const minPasswordLength = 8

// CreateUserRequest creates a user
type CreateUserRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
	Active   *bool  `json:"active,omitempty"`
}

// UpdateUserRequest edits a user. Omitted fields keep their values.
type UpdateUserRequest struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// ToggleRequest sets a boolean flag
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// GrantRequest creates a direct grant, naming the permission either by ID or
// by feature and action
type GrantRequest struct {
	PermissionID int64      `json:"permission_id,omitempty"`
	FeatureID    int64      `json:"feature_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// AssignRoleRequest assigns a role to a user
type AssignRoleRequest struct {
	RoleID int64 `json:"role_id"`
}

// UserResponse is a user with their active roles and level
type UserResponse struct {
	*grants.User
	Level int           `json:"level"`
	Roles []grants.Role `json:"roles"`
}

// UserPermissionsResponse is a user's effective permissions as resolved now,
// with the direct grants that contribute to them
type UserPermissionsResponse struct {
	UserID       int64                   `json:"user_id"`
	Level        int                     `json:"level"`
	Bypass       bool                    `json:"bypass"`
	Permissions  rbac.Permissions        `json:"permissions"`
	DirectGrants []grants.UserPermission `json:"direct_grants"`
}

func (s *Server) userRoutes() []route {
	return []route{
		{http.MethodGet, "/users", ResourceUsers, rbac.LevelRead, s.listUsers},
		{http.MethodPost, "/users", ResourceUsers, rbac.LevelWrite, s.createUser},
		{http.MethodGet, "/users/{id:[0-9]+}", ResourceUsers, rbac.LevelRead, s.getUser},
		{http.MethodPut, "/users/{id:[0-9]+}", ResourceUsers, rbac.LevelWrite, s.updateUser},
		{http.MethodPut, "/users/{id:[0-9]+}/active", ResourceUsers, rbac.LevelWrite, s.setUserActive},
		{http.MethodPut, "/users/{id:[0-9]+}/two-factor", ResourceUsers, rbac.LevelWrite, s.setUserTwoFactor},
		{http.MethodDelete, "/users/{id:[0-9]+}", ResourceUsers, rbac.LevelDelete, s.deleteUser},
		{http.MethodGet, "/users/{id:[0-9]+}/permissions", ResourceUsers, rbac.LevelRead, s.getUserPermissions},
		{http.MethodPost, "/users/{id:[0-9]+}/permissions", ResourceUsers, rbac.LevelAdmin, s.grantDirect},
		{http.MethodDelete, "/users/{id:[0-9]+}/permissions/{grantId:[0-9]+}", ResourceUsers, rbac.LevelAdmin, s.revokeDirect},
		{http.MethodPost, "/users/{id:[0-9]+}/roles", ResourceUsers, rbac.LevelAdmin, s.assignRole},
		{http.MethodDelete, "/users/{id:[0-9]+}/roles/{roleId:[0-9]+}", ResourceUsers, rbac.LevelAdmin, s.unassignRole},
	}
}

// authorizeTarget loads the caller and the target user from the stores and
// applies the hierarchy guard. Levels are read fresh, not from the credential.
func (s *Server) authorizeTarget(w http.ResponseWriter, r *http.Request, op rbac.Operation, targetID int64) (rbac.Principal, bool) {
	ctx := r.Context()
	claims := middleware.GetClaims(r)

	if _, err := s.grants.GetUser(ctx, targetID); err != nil {
		s.writeError(w, r, err)
		return rbac.Principal{}, false
	}
	actor, err := rbac.LoadPrincipal(ctx, s.grants, claims.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return rbac.Principal{}, false
	}
	target, err := rbac.LoadPrincipal(ctx, s.grants, targetID)
	if err != nil {
		s.writeError(w, r, err)
		return rbac.Principal{}, false
	}
	if err := s.guard.Authorize(ctx, op, actor, target); err != nil {
		s.writeError(w, r, err)
		return rbac.Principal{}, false
	}
	return actor, true
}

// listUsers handles GET /admin/users
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.grants.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []*grants.User{}
	}
	httputil.WriteSuccess(w, users)
}

// createUser handles POST /admin/users. New users hold no roles.
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") {
		return
	}
	if len(req.Password) < minPasswordLength {
		httputil.WriteBadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user := &grants.User{
		Username:     req.Username,
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Active:       req.Active == nil || *req.Active,
	}
	if err := s.grants.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.userChanged(r, audit.EventTypeAdminUserCreate, user.ID, "user created", nil)
	httputil.WriteCreated(w, user)
}

// getUser handles GET /admin/users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	user, err := s.grants.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	roles, err := s.grants.GetActiveRoles(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []grants.Role{}
	}
	httputil.WriteSuccess(w, UserResponse{User: user, Level: grants.MaxLevel(roles), Roles: roles})
}

// updateUser handles PUT /admin/users/{id}
func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Password != "" && len(req.Password) < minPasswordLength {
		httputil.WriteBadRequest(w, "password must be at least 8 characters")
		return
	}
	if _, ok := s.authorizeTarget(w, r, rbac.OpEditUser, id); !ok {
		return
	}

	ctx := r.Context()
	user, err := s.grants.GetUser(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != "" {
		user.Name = req.Name
	}
	if req.Email != "" {
		user.Email = req.Email
	}
	if err := s.grants.UpdateUser(ctx, user); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.grants.SetUserPassword(ctx, id, hash); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.userChanged(r, audit.EventTypeAdminUserUpdate, id, "user updated", map[string]interface{}{
		"password_changed": req.Password != "",
	})
	httputil.WriteSuccess(w, user)
}

// setUserActive handles PUT /admin/users/{id}/active. Deactivation ends the
// user's refresh sessions.
func (s *Server) setUserActive(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req ToggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, ok := s.authorizeTarget(w, r, rbac.OpSetUserActive, id); !ok {
		return
	}

	if err := s.grants.SetUserActive(r.Context(), id, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}

	eventType := audit.EventTypeAdminUserActivate
	if !req.Enabled {
		eventType = audit.EventTypeAdminUserDeactivate
		s.revokeSessions(r, id)
	}
	s.userChanged(r, eventType, id, "user active flag changed", map[string]interface{}{"active": req.Enabled})
	httputil.WriteNoContent(w)
}

// setUserTwoFactor handles PUT /admin/users/{id}/two-factor
func (s *Server) setUserTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req ToggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, ok := s.authorizeTarget(w, r, rbac.OpSetTwoFactor, id); !ok {
		return
	}

	if err := s.grants.SetUserTwoFactor(r.Context(), id, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.userChanged(r, audit.EventTypeAdminUserTwoFactor, id, "two-factor flag changed", map[string]interface{}{"enabled": req.Enabled})
	httputil.WriteNoContent(w)
}

// deleteUser handles DELETE /admin/users/{id}
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := s.authorizeTarget(w, r, rbac.OpDeleteUser, id); !ok {
		return
	}

	if err := s.grants.DeleteUser(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.revokeSessions(r, id)
	s.userChanged(r, audit.EventTypeAdminUserDelete, id, "user deleted", nil)
	httputil.WriteNoContent(w)
}

// getUserPermissions handles GET /admin/users/{id}/permissions
func (s *Server) getUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.grants.GetUser(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	subject, err := s.resolver.ResolveSubject(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	direct, err := s.grants.ListDirectGrants(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if direct == nil {
		direct = []grants.UserPermission{}
	}

	httputil.WriteSuccess(w, UserPermissionsResponse{
		UserID:       id,
		Level:        subject.Level,
		Bypass:       subject.Bypass,
		Permissions:  subject.Permissions,
		DirectGrants: direct,
	})
}

// grantDirect handles POST /admin/users/{id}/permissions. The caller must
// hold at least the level the permission confers.
func (s *Server) grantDirect(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req GrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	actor, ok := s.authorizeTarget(w, r, rbac.OpGrantDirect, id)
	if !ok {
		return
	}

	ctx := r.Context()
	permissionID := req.PermissionID
	if permissionID == 0 {
		action := catalog.Action(req.Action)
		if req.FeatureID <= 0 || !action.IsValid() {
			httputil.WriteBadRequest(w, "permission_id or feature_id and action are required")
			return
		}
		permission, err := s.catalog.FindPermission(ctx, req.FeatureID, action)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		permissionID = permission.ID
	}
	if !s.authorizeConfer(w, r, rbac.OpGrantDirect, actor, []int64{permissionID}) {
		return
	}

	grantedBy := actor.ID
	grant := &grants.UserPermission{
		UserID:       id,
		PermissionID: permissionID,
		GrantedBy:    &grantedBy,
		ExpiresAt:    req.ExpiresAt,
		Reason:       req.Reason,
	}
	if err := s.grants.GrantUserPermission(ctx, grant); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.grantChanged(r, audit.EventTypeAuthzPermissionGrant, id, grant.ID, map[string]interface{}{
		"permission_id": permissionID,
		"expires_at":    grant.ExpiresAt,
	})
	httputil.WriteCreated(w, grant)
}

// revokeDirect handles DELETE /admin/users/{id}/permissions/{grantId}
func (s *Server) revokeDirect(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	grantID, ok := httputil.ParsePathInt64OrError(w, r, "grantId")
	if !ok {
		return
	}
	if _, ok := s.authorizeTarget(w, r, rbac.OpRevokeDirect, id); !ok {
		return
	}

	if err := s.grants.RevokeUserPermission(r.Context(), id, grantID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.grantChanged(r, audit.EventTypeAuthzPermissionRevoke, id, grantID, nil)
	httputil.WriteNoContent(w)
}

// assignRole handles POST /admin/users/{id}/roles. The role's level must be
// below the caller's, and bypass roles are assigned only by bypass holders.
func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req AssignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}
	s.changeRole(w, r, rbac.OpAssignRole, id, req.RoleID)
}

// unassignRole handles DELETE /admin/users/{id}/roles/{roleId}
func (s *Server) unassignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleId")
	if !ok {
		return
	}
	s.changeRole(w, r, rbac.OpUnassignRole, id, roleID)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, op rbac.Operation, userID, roleID int64) {
	actor, ok := s.authorizeTarget(w, r, op, userID)
	if !ok {
		return
	}

	ctx := r.Context()
	role, err := s.grants.GetRole(ctx, roleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.guard.AuthorizeLevel(ctx, op, actor, role.Level); err != nil {
		s.writeError(w, r, err)
		return
	}
	if op == rbac.OpAssignRole && role.BypassAll {
		if err := s.guard.AuthorizeBypass(ctx, op, actor); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if op == rbac.OpAssignRole {
		err = s.grants.AssignRole(ctx, userID, roleID)
	} else {
		err = s.grants.UnassignRole(ctx, userID, roleID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	event := audit.NewRequestEvent(r, audit.EventTypeAuthzRoleChange, audit.EventStatusSuccess)
	event.TargetUserID = &userID
	event.ResourceType = audit.ResourceTypeRole
	event.ResourceID = strconv.FormatInt(roleID, 10)
	event.Message = string(op)
	s.logAudit(r, event)

	if op == rbac.OpAssignRole {
		httputil.WriteCreated(w, role)
		return
	}
	httputil.WriteNoContent(w)
}

// revokeSessions ends a user's refresh sessions. Failure is logged; the
// credentials still lapse at their expiry.
func (s *Server) revokeSessions(r *http.Request, userID int64) {
	if err := s.auth.RevokeUser(r.Context(), userID); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("target_user_id", userID).
			Error("Failed to revoke user sessions")
	}
}

func (s *Server) userChanged(r *http.Request, eventType audit.EventType, userID int64, message string, metadata map[string]interface{}) {
	event := audit.NewRequestEvent(r, eventType, audit.EventStatusSuccess)
	event.TargetUserID = &userID
	event.ResourceType = audit.ResourceTypeUser
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Message = message
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	s.logAudit(r, event)
}

func (s *Server) grantChanged(r *http.Request, eventType audit.EventType, userID, grantID int64, metadata map[string]interface{}) {
	event := audit.NewRequestEvent(r, eventType, audit.EventStatusSuccess)
	event.TargetUserID = &userID
	event.ResourceType = audit.ResourceTypePermission
	event.ResourceID = strconv.FormatInt(grantID, 10)
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	s.logAudit(r, event)
}
