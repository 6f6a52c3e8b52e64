package rbac

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/contextkeys"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/observability"
)

// Principal is a user as seen by the hierarchy guard. A nil Level counts as 0.
// Bypass is set when the user holds an active bypass role.
type Principal struct {
	ID     int64
	Level  *int
	Bypass bool
}

// NewPrincipal returns a principal with the given level
func NewPrincipal(id int64, level int) Principal {
	return Principal{ID: id, Level: &level}
}

// EffectiveLevel returns the level, 0 when unset
func (p Principal) EffectiveLevel() int {
	if p.Level == nil {
		return 0
	}
	return *p.Level
}

// CanManage reports whether actor may manage target: never themselves, and
// only users of a strictly lower level. Peers lock each other out.
func CanManage(actor, target Principal) bool {
	if actor.ID == target.ID {
		return false
	}
	return actor.EffectiveLevel() > target.EffectiveLevel()
}

// CanAssignLevel reports whether actor may create or assign a role of level
func CanAssignLevel(actor Principal, level int) bool {
	return level < actor.EffectiveLevel()
}

// CanConferBypass reports whether actor may create, assign or reactivate a
// bypass role. Only bypass holders can.
func CanConferBypass(actor Principal) bool {
	return actor.Bypass
}

// CanConfer reports whether actor, holding held, may hand out level on
// resource to someone else. Nobody confers more than they hold.
func CanConfer(actor Principal, held Permissions, resource string, level Level) bool {
	if actor.Bypass {
		return true
	}
	return held[resource] >= level
}

// LoadPrincipal reads the user's current level and bypass status from the store
func LoadPrincipal(ctx context.Context, store *grants.Store, userID int64) (Principal, error) {
	roles, err := store.GetActiveRoles(ctx, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to load level of user %d: %w", userID, err)
	}
	p := NewPrincipal(userID, grants.MaxLevel(roles))
	for _, r := range roles {
		if r.BypassAll {
			p.Bypass = true
			break
		}
	}
	return p, nil
}

// Operation names a guarded user-management operation
type Operation string

const (
	OpEditUser      Operation = "edit_user"
	OpSetUserActive Operation = "set_user_active"
	OpDeleteUser    Operation = "delete_user"
	OpSetTwoFactor  Operation = "set_two_factor"
	OpGrantDirect   Operation = "grant_direct_permission"
	OpRevokeDirect  Operation = "revoke_direct_permission"
	OpAssignRole    Operation = "assign_role"
	OpUnassignRole  Operation = "unassign_role"
	OpCreateRole    Operation = "create_role"
	OpSetRoleActive Operation = "set_role_active"
	OpEditRoleGrant Operation = "edit_role_permissions"
	OpUpdateRole    Operation = "update_role"
	OpDeleteRole    Operation = "delete_role"
	OpViewSession   Operation = "view_session"
	OpRevokeSession Operation = "revoke_session"
)

// Guard enforces the hierarchy on user-management operations
type Guard struct {
	logger  *logrus.Logger
	audit   audit.Logger
	metrics *observability.Metrics
}

// NewGuard creates a guard. auditLogger and metrics may be nil.
func NewGuard(logger *logrus.Logger, auditLogger audit.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	return &Guard{logger: logger, audit: auditLogger, metrics: metrics}
}

// Authorize returns ErrHierarchyViolation unless actor may manage target
func (g *Guard) Authorize(ctx context.Context, op Operation, actor, target Principal) error {
	if CanManage(actor, target) {
		return nil
	}

	fields := logrus.Fields{
		"operation":      op,
		"actor_id":       actor.ID,
		"actor_level":    actor.EffectiveLevel(),
		"target_user_id": target.ID,
		"target_level":   target.EffectiveLevel(),
	}
	g.violation(ctx, op, actor, &target.ID, fields)
	return ErrHierarchyViolation
}

// AuthorizeLevel returns ErrHierarchyViolation unless actor may create or
// assign a role of level
func (g *Guard) AuthorizeLevel(ctx context.Context, op Operation, actor Principal, level int) error {
	if CanAssignLevel(actor, level) {
		return nil
	}

	fields := logrus.Fields{
		"operation":   op,
		"actor_id":    actor.ID,
		"actor_level": actor.EffectiveLevel(),
		"role_level":  level,
	}
	g.violation(ctx, op, actor, nil, fields)
	return ErrHierarchyViolation
}

// AuthorizeBypass returns ErrHierarchyViolation unless actor may confer a
// bypass role
func (g *Guard) AuthorizeBypass(ctx context.Context, op Operation, actor Principal) error {
	if CanConferBypass(actor) {
		return nil
	}

	fields := logrus.Fields{
		"operation":   op,
		"actor_id":    actor.ID,
		"actor_level": actor.EffectiveLevel(),
		"bypass_all":  true,
	}
	g.violation(ctx, op, actor, nil, fields)
	return ErrHierarchyViolation
}

// AuthorizeConfer returns ErrHierarchyViolation unless actor, holding held,
// may grant level on resource
func (g *Guard) AuthorizeConfer(ctx context.Context, op Operation, actor Principal, held Permissions, resource string, level Level) error {
	if CanConfer(actor, held, resource, level) {
		return nil
	}

	fields := logrus.Fields{
		"operation":     op,
		"actor_id":      actor.ID,
		"actor_level":   actor.EffectiveLevel(),
		"resource":      resource,
		"granted_level": level.String(),
		"held_level":    held[resource].String(),
	}
	g.violation(ctx, op, actor, nil, fields)
	return ErrHierarchyViolation
}

func (g *Guard) violation(ctx context.Context, op Operation, actor Principal, targetID *int64, fields logrus.Fields) {
	g.metrics.ObserveHierarchyViolation(string(op))
	entry := g.logger.WithFields(fields)
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	entry.Warn("Hierarchy violation")

	event := audit.NewEvent(ctx, audit.EventTypeAuthzHierarchyViolation, audit.EventStatusDenied)
	actorID := actor.ID
	event.UserID = &actorID
	event.TargetUserID = targetID
	event.ResourceType = audit.ResourceTypeUser
	if targetID != nil {
		event.ResourceID = strconv.FormatInt(*targetID, 10)
	}
	event.Message = "hierarchy violation"
	for k, v := range fields {
		event.Metadata[k] = v
	}
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Error("Failed to record audit event")
	}
}
