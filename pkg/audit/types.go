package audit

import "time"

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin         EventType = "auth.login"
	EventTypeAuthLoginFailed   EventType = "auth.login_failed"
	EventTypeAuthLoginThrottle EventType = "auth.login_throttled"
	EventTypeAuthLogout        EventType = "auth.logout"
	EventTypeAuthTokenRefresh  EventType = "auth.token_refresh"

	// Authorization events
	EventTypeAuthzAccessDenied       EventType = "authz.access_denied"
	EventTypeAuthzHierarchyViolation EventType = "authz.hierarchy_violation"
	EventTypeAuthzPermissionGrant    EventType = "authz.permission_grant"
	EventTypeAuthzPermissionRevoke   EventType = "authz.permission_revoke"
	EventTypeAuthzRoleChange         EventType = "authz.role_change"

	// Admin events
	EventTypeAdminUserCreate     EventType = "admin.user_create"
	EventTypeAdminUserUpdate     EventType = "admin.user_update"
	EventTypeAdminUserDelete     EventType = "admin.user_delete"
	EventTypeAdminUserActivate   EventType = "admin.user_activate"
	EventTypeAdminUserDeactivate EventType = "admin.user_deactivate"
	EventTypeAdminUserTwoFactor  EventType = "admin.user_two_factor"
	EventTypeAdminSessionRevoke  EventType = "admin.session_revoke"
	EventTypeAdminAuditExport    EventType = "admin.audit_export"
	EventTypeAdminAuditPurge     EventType = "admin.audit_purge"

	// Catalog events
	EventTypeCatalogCategoryCreate EventType = "catalog.category_create"
	EventTypeCatalogCategoryUpdate EventType = "catalog.category_update"
	EventTypeCatalogCategoryDelete EventType = "catalog.category_delete"
	EventTypeCatalogFeatureCreate  EventType = "catalog.feature_create"
	EventTypeCatalogFeatureUpdate  EventType = "catalog.feature_update"
	EventTypeCatalogFeatureDelete  EventType = "catalog.feature_delete"
	EventTypeCatalogLinkChange     EventType = "catalog.link_change"
	EventTypeCatalogReconcile      EventType = "catalog.reconcile"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypeUser       ResourceType = "user"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeCategory   ResourceType = "category"
	ResourceTypeFeature    ResourceType = "feature"
	ResourceTypeLink       ResourceType = "feature_category"
	ResourceTypeSession    ResourceType = "session"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and, for user management, the user acted upon
	UserID       *int64 `json:"user_id,omitempty"`
	TargetUserID *int64 `json:"target_user_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime    *time.Time
	EndTime      *time.Time
	UserID       *int64
	TargetUserID *int64
	EventTypes   []EventType
	Status       *EventStatus

	Limit  int
	Offset int
}
