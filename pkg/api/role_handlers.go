package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// CreateRoleRequest creates a role
type CreateRoleRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Level         int    `json:"level"`
	TwoFARequired bool   `json:"two_fa_required"`
	BypassAll     bool   `json:"bypass_all"`
}

// UpdateRoleRequest edits a role. Omitted fields keep their values.
type UpdateRoleRequest struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Level         *int    `json:"level,omitempty"`
	TwoFARequired *bool   `json:"two_fa_required,omitempty"`
}

// RolePermissionRequest grants a permission to a role
type RolePermissionRequest struct {
	PermissionID int64 `json:"permission_id"`
}

// Bulk role permission operations
const (
	BulkApply = "apply"
	BulkCopy  = "copy"
	BulkReset = "reset"
)

// BulkPermissionsRequest replaces the grant set of several roles at once.
// apply sets PermissionIDs, copy sets the grants of SourceRoleID and reset
// clears them.
type BulkPermissionsRequest struct {
	Operation     string  `json:"operation"`
	RoleIDs       []int64 `json:"role_ids"`
	PermissionIDs []int64 `json:"permission_ids,omitempty"`
	SourceRoleID  int64   `json:"source_role_id,omitempty"`
}

// BulkPermissionsResponse reports the grant count each role ended up with
type BulkPermissionsResponse struct {
	Operation string           `json:"operation"`
	Roles     []BulkRoleResult `json:"roles"`
}

// BulkRoleResult is one role of a bulk operation
type BulkRoleResult struct {
	RoleID      int64 `json:"role_id"`
	Permissions int   `json:"permissions"`
}

func (s *Server) roleRoutes() []route {
	return []route{
		{http.MethodGet, "/roles", ResourceRoles, rbac.LevelRead, s.listRoles},
		{http.MethodPost, "/roles", ResourceRoles, rbac.LevelWrite, s.createRole},
		{http.MethodPost, "/roles/bulk-permissions", ResourceRoles, rbac.LevelAdmin, s.bulkRolePermissions},
		{http.MethodGet, "/roles/{id:[0-9]+}", ResourceRoles, rbac.LevelRead, s.getRole},
		{http.MethodPut, "/roles/{id:[0-9]+}", ResourceRoles, rbac.LevelWrite, s.updateRole},
		{http.MethodDelete, "/roles/{id:[0-9]+}", ResourceRoles, rbac.LevelDelete, s.deleteRole},
		{http.MethodPut, "/roles/{id:[0-9]+}/active", ResourceRoles, rbac.LevelWrite, s.setRoleActive},
		{http.MethodGet, "/roles/{id:[0-9]+}/users", ResourceRoles, rbac.LevelRead, s.listRoleUsers},
		{http.MethodGet, "/roles/{id:[0-9]+}/permissions", ResourceRoles, rbac.LevelRead, s.listRolePermissions},
		{http.MethodPost, "/roles/{id:[0-9]+}/permissions", ResourceRoles, rbac.LevelWrite, s.grantRolePermission},
		{http.MethodDelete, "/roles/{id:[0-9]+}/permissions/{permissionId:[0-9]+}", ResourceRoles, rbac.LevelDelete, s.revokeRolePermission},
	}
}

// authorizeRole loads the role and checks its level is below the caller's.
// Bypass roles are managed only by bypass holders.
func (s *Server) authorizeRole(w http.ResponseWriter, r *http.Request, op rbac.Operation, roleID int64) (*grants.Role, rbac.Principal, bool) {
	ctx := r.Context()
	role, err := s.grants.GetRole(ctx, roleID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, rbac.Principal{}, false
	}
	actor, ok := s.loadActor(w, r)
	if !ok {
		return nil, rbac.Principal{}, false
	}
	if err := s.guard.AuthorizeLevel(ctx, op, actor, role.Level); err != nil {
		s.writeError(w, r, err)
		return nil, rbac.Principal{}, false
	}
	if role.BypassAll {
		if err := s.guard.AuthorizeBypass(ctx, op, actor); err != nil {
			s.writeError(w, r, err)
			return nil, rbac.Principal{}, false
		}
	}
	return role, actor, true
}

// loadActor reads the caller's level and bypass status fresh from the store
func (s *Server) loadActor(w http.ResponseWriter, r *http.Request) (rbac.Principal, bool) {
	actor, err := rbac.LoadPrincipal(r.Context(), s.grants, middleware.GetClaims(r).UserID())
	if err != nil {
		s.writeError(w, r, err)
		return rbac.Principal{}, false
	}
	return actor, true
}

// authorizeConfer checks the caller holds at least the level each permission
// confers on its resource. Unknown permissions are reported as not found.
func (s *Server) authorizeConfer(w http.ResponseWriter, r *http.Request, op rbac.Operation, actor rbac.Principal, permissionIDs []int64) bool {
	if actor.Bypass || len(permissionIDs) == 0 {
		return true
	}

	ctx := r.Context()
	held, err := s.resolver.ResolvePermissions(ctx, actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	targets, err := s.catalog.ResolvePermissionTargets(ctx, permissionIDs)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}

	for _, id := range permissionIDs {
		target, ok := targets[id]
		if !ok {
			s.writeError(w, r, fmt.Errorf("%w: permission %d", catalog.ErrNotFound, id))
			return false
		}
		if err := s.guard.AuthorizeConfer(ctx, op, actor, held, target.ResourceKey(), rbac.ActionLevel(target.Action)); err != nil {
			s.writeError(w, r, err)
			return false
		}
	}
	return true
}

// listRoles handles GET /admin/roles
func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.grants.ListRoles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []grants.Role{}
	}
	httputil.WriteSuccess(w, roles)
}

// createRole handles POST /admin/roles. Only roles below the caller's level
// can be created, and only bypass holders create bypass roles.
func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ctx := r.Context()
	actor, ok := s.loadActor(w, r)
	if !ok {
		return
	}
	if err := s.guard.AuthorizeLevel(ctx, rbac.OpCreateRole, actor, req.Level); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BypassAll {
		if err := s.guard.AuthorizeBypass(ctx, rbac.OpCreateRole, actor); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	role := &grants.Role{
		Name:          req.Name,
		Description:   req.Description,
		Level:         req.Level,
		Active:        true,
		TwoFARequired: req.TwoFARequired,
		BypassAll:     req.BypassAll,
	}
	if err := s.grants.CreateRole(ctx, role); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.roleChanged(r, role.ID, "role created", map[string]interface{}{
		"level":      role.Level,
		"bypass_all": role.BypassAll,
	})
	httputil.WriteCreated(w, role)
}

// getRole handles GET /admin/roles/{id}
func (s *Server) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	role, err := s.grants.GetRole(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// updateRole handles PUT /admin/roles/{id}. The role must be below the
// caller's level before and after the change.
func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, actor, ok := s.authorizeRole(w, r, rbac.OpUpdateRole, id)
	if !ok {
		return
	}

	ctx := r.Context()
	previousLevel := role.Level
	if req.Level != nil {
		if err := s.guard.AuthorizeLevel(ctx, rbac.OpUpdateRole, actor, *req.Level); err != nil {
			s.writeError(w, r, err)
			return
		}
		role.Level = *req.Level
	}
	if req.Name != nil {
		role.Name = *req.Name
	}
	if req.Description != nil {
		role.Description = *req.Description
	}
	if req.TwoFARequired != nil {
		role.TwoFARequired = *req.TwoFARequired
	}

	if err := s.grants.UpdateRole(ctx, role); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.roleChanged(r, id, "role updated", map[string]interface{}{
		"previous_level":  previousLevel,
		"level":           role.Level,
		"two_fa_required": role.TwoFARequired,
	})
	httputil.WriteSuccess(w, role)
}

// deleteRole handles DELETE /admin/roles/{id}. A role still assigned to
// anyone is refused with 409.
func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	role, _, ok := s.authorizeRole(w, r, rbac.OpDeleteRole, id)
	if !ok {
		return
	}

	if err := s.grants.DeleteRole(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.roleChanged(r, id, "role deleted", map[string]interface{}{"name": role.Name, "level": role.Level})
	httputil.WriteNoContent(w)
}

// listRoleUsers handles GET /admin/roles/{id}/users
func (s *Server) listRoleUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	users, err := s.grants.ListRoleUsers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []*grants.User{}
	}
	httputil.WriteSuccess(w, users)
}

// setRoleActive handles PUT /admin/roles/{id}/active
func (s *Server) setRoleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req ToggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, _, ok := s.authorizeRole(w, r, rbac.OpSetRoleActive, id); !ok {
		return
	}

	if err := s.grants.SetRoleActive(r.Context(), id, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.roleChanged(r, id, "role active flag changed", map[string]interface{}{"active": req.Enabled})
	httputil.WriteNoContent(w)
}

// listRolePermissions handles GET /admin/roles/{id}/permissions
func (s *Server) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.grants.GetRole(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	perms, err := s.grants.GetRolePermissions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if perms == nil {
		perms = []grants.RolePermission{}
	}
	httputil.WriteSuccess(w, perms)
}

// grantRolePermission handles POST /admin/roles/{id}/permissions
func (s *Server) grantRolePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req RolePermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PermissionID <= 0 {
		httputil.WriteBadRequest(w, "permission_id is required")
		return
	}
	_, actor, ok := s.authorizeRole(w, r, rbac.OpEditRoleGrant, id)
	if !ok {
		return
	}
	if !s.authorizeConfer(w, r, rbac.OpEditRoleGrant, actor, []int64{req.PermissionID}) {
		return
	}

	if err := s.grants.GrantRolePermission(r.Context(), id, req.PermissionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.rolePermissionChanged(r, audit.EventTypeAuthzPermissionGrant, id, req.PermissionID)
	httputil.WriteCreated(w, grants.RolePermission{RoleID: id, PermissionID: req.PermissionID})
}

// revokeRolePermission handles DELETE /admin/roles/{id}/permissions/{permissionId}
func (s *Server) revokeRolePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "permissionId")
	if !ok {
		return
	}
	if _, _, ok := s.authorizeRole(w, r, rbac.OpEditRoleGrant, id); !ok {
		return
	}

	if err := s.grants.RevokeRolePermission(r.Context(), id, permissionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.rolePermissionChanged(r, audit.EventTypeAuthzPermissionRevoke, id, permissionID)
	httputil.WriteNoContent(w)
}

// bulkRolePermissions handles POST /admin/roles/bulk-permissions. Every role
// is authorized before anything is written, and all roles change in one
// transaction.
func (s *Server) bulkRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req BulkPermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.RoleIDs) == 0 {
		httputil.WriteBadRequest(w, "role_ids is required")
		return
	}

	ctx := r.Context()
	var permissionIDs []int64
	switch req.Operation {
	case BulkApply:
		if len(req.PermissionIDs) == 0 {
			httputil.WriteBadRequest(w, "permission_ids is required for apply")
			return
		}
		permissionIDs = req.PermissionIDs
	case BulkCopy:
		if req.SourceRoleID <= 0 {
			httputil.WriteBadRequest(w, "source_role_id is required for copy")
			return
		}
		if _, err := s.grants.GetRole(ctx, req.SourceRoleID); err != nil {
			s.writeError(w, r, err)
			return
		}
		source, err := s.grants.GetRolePermissions(ctx, req.SourceRoleID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, g := range source {
			permissionIDs = append(permissionIDs, g.PermissionID)
		}
	case BulkReset:
	default:
		httputil.WriteBadRequest(w, "operation must be apply, copy or reset")
		return
	}

	var actor rbac.Principal
	for _, roleID := range req.RoleIDs {
		var ok bool
		if _, actor, ok = s.authorizeRole(w, r, rbac.OpEditRoleGrant, roleID); !ok {
			return
		}
	}
	if !s.authorizeConfer(w, r, rbac.OpEditRoleGrant, actor, permissionIDs) {
		return
	}

	if err := s.grants.ReplaceRolePermissions(ctx, req.RoleIDs, permissionIDs); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := BulkPermissionsResponse{Operation: req.Operation, Roles: make([]BulkRoleResult, 0, len(req.RoleIDs))}
	for _, roleID := range req.RoleIDs {
		granted, err := s.grants.GetRolePermissions(ctx, roleID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Roles = append(resp.Roles, BulkRoleResult{RoleID: roleID, Permissions: len(granted)})
		s.roleChanged(r, roleID, "role permissions replaced", map[string]interface{}{
			"operation":   req.Operation,
			"permissions": len(granted),
		})
	}
	httputil.WriteSuccess(w, resp)
}

func (s *Server) roleChanged(r *http.Request, roleID int64, message string, metadata map[string]interface{}) {
	event := audit.NewRequestEvent(r, audit.EventTypeAuthzRoleChange, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeRole
	event.ResourceID = strconv.FormatInt(roleID, 10)
	event.Message = message
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	s.logAudit(r, event)
}

func (s *Server) rolePermissionChanged(r *http.Request, eventType audit.EventType, roleID, permissionID int64) {
	event := audit.NewRequestEvent(r, eventType, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeRole
	event.ResourceID = strconv.FormatInt(roleID, 10)
	event.Metadata["permission_id"] = permissionID
	s.logAudit(r, event)
}
