package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/storage"
)

const liveResourcesKey = "live"

// ResolverOptions configures a Resolver
type ResolverOptions struct {
	// ResourceCacheTTL bounds how long the live resource set used for bypass
	// roles is reused. Zero reads it inside every resolution.
	ResourceCacheTTL time.Duration

	// Now is the clock direct grant expiry is evaluated against
	Now func() time.Time
}

// DefaultResolverOptions returns the production defaults
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{ResourceCacheTTL: 30 * time.Second}
}

// Subject is everything a credential needs about a user, read from one snapshot
type Subject struct {
	UserID            int64
	Username          string
	Active            bool
	Level             int
	RoleIDs           []int64
	RoleNames         []string
	Bypass            bool
	TwoFactorRequired bool
	Permissions       Permissions
}

// Resolver computes effective permissions from roles, direct grants and the
// catalog
type Resolver struct {
	db      *sql.DB
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	resources *expirable.LRU[string, []string]
	group     singleflight.Group
}

// NewResolver creates a resolver. metrics may be nil.
func NewResolver(db *sql.DB, logger *logrus.Logger, metrics *observability.Metrics, opts ResolverOptions) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	r := &Resolver{
		db:      db,
		logger:  logger,
		metrics: metrics,
		now:     opts.Now,
	}
	if opts.ResourceCacheTTL > 0 {
		r.resources = expirable.NewLRU[string, []string](1, nil, opts.ResourceCacheTTL)
	}
	return r
}

// ResolvePermissions returns the user's effective permission map. An unknown or
// inactive user resolves to an empty map. On any storage error the map is nil
// and the error wraps ErrResolutionFailed.
func (r *Resolver) ResolvePermissions(ctx context.Context, userID int64) (Permissions, error) {
	subject, err := r.ResolveSubject(ctx, userID)
	if err != nil {
		return nil, err
	}
	return subject.Permissions, nil
}

// ResolveSubject resolves the permission map together with the user's level,
// roles and two-factor requirement
func (r *Resolver) ResolveSubject(ctx context.Context, userID int64) (*Subject, error) {
	ctx, span := observability.Tracer().Start(ctx, "rbac.ResolveSubject")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	start := time.Now()
	subject := &Subject{UserID: userID, Permissions: Permissions{}}

	err := storage.WithTx(ctx, r.db, storage.SnapshotTxOptions, func(tx *sql.Tx) error {
		return r.resolve(ctx, subject,
			grants.NewStore(r.db).WithTx(tx),
			catalog.NewStore(r.db).WithTx(tx),
		)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		r.metrics.ObserveResolution("error", time.Since(start))
		r.logger.WithError(err).WithField("user_id", userID).Error("Permission resolution failed")
		return nil, fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}

	outcome := "granted"
	switch {
	case !subject.Active:
		outcome = "inactive"
	case subject.Bypass:
		outcome = "bypass"
	}
	r.metrics.ObserveResolution(outcome, time.Since(start))
	span.SetAttributes(
		attribute.String("resolution.outcome", outcome),
		attribute.Int("resolution.resources", len(subject.Permissions)),
	)
	return subject, nil
}

func (r *Resolver) resolve(ctx context.Context, subject *Subject, gs *grants.Store, cs *catalog.Store) error {
	user, err := gs.GetUser(ctx, subject.UserID)
	if errors.Is(err, grants.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	subject.Username = user.Username
	if !user.Active {
		return nil
	}
	subject.Active = true

	roles, err := gs.GetActiveRoles(ctx, user.ID)
	if err != nil {
		return err
	}
	subject.Level = grants.MaxLevel(roles)
	for _, role := range roles {
		subject.RoleIDs = append(subject.RoleIDs, role.ID)
		subject.RoleNames = append(subject.RoleNames, role.Name)
		subject.TwoFactorRequired = subject.TwoFactorRequired || role.TwoFARequired
		subject.Bypass = subject.Bypass || role.BypassAll
	}

	if subject.Bypass {
		resources, err := r.liveResources(ctx, cs)
		if err != nil {
			return err
		}
		for _, resource := range resources {
			subject.Permissions.Grant(resource, LevelAdmin)
		}
		return nil
	}

	seen := make(map[int64]bool)
	var permissionIDs []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			permissionIDs = append(permissionIDs, id)
		}
	}

	for _, role := range roles {
		rolePermissions, err := gs.GetRolePermissions(ctx, role.ID)
		if err != nil {
			return err
		}
		for _, rp := range rolePermissions {
			add(rp.PermissionID)
		}
	}

	direct, err := gs.GetDirectGrants(ctx, user.ID, r.now())
	if err != nil {
		return err
	}
	for _, g := range direct {
		add(g.PermissionID)
	}

	if len(permissionIDs) == 0 {
		return nil
	}

	targets, err := cs.ResolvePermissionTargets(ctx, permissionIDs)
	if err != nil {
		return err
	}
	for _, id := range permissionIDs {
		target, ok := targets[id]
		if !ok || !target.FeatureActive {
			continue
		}
		if level := ActionLevel(target.Action); level > LevelNone {
			subject.Permissions.Grant(target.ResourceKey(), level)
		}
	}
	return nil
}

// liveResources returns every resource key of an active feature. With caching
// enabled concurrent misses share one load.
func (r *Resolver) liveResources(ctx context.Context, cs *catalog.Store) ([]string, error) {
	if r.resources == nil {
		return cs.ListLiveResources(ctx)
	}
	if resources, ok := r.resources.Get(liveResourcesKey); ok {
		r.metrics.ObserveResourceCache(true)
		return resources, nil
	}
	r.metrics.ObserveResourceCache(false)

	v, err, _ := r.group.Do(liveResourcesKey, func() (interface{}, error) {
		resources, err := cs.ListLiveResources(ctx)
		if err != nil {
			return nil, err
		}
		r.resources.Add(liveResourcesKey, resources)
		return resources, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// InvalidateResources drops the cached live resource set. Catalog mutations
// call it so bypass users see new features before the TTL runs out.
func (r *Resolver) InvalidateResources() {
	if r.resources != nil {
		r.resources.Remove(liveResourcesKey)
	}
}

// RequiresTwoFactor reports whether holders of the role must use two-factor
// authentication
func (r *Resolver) RequiresTwoFactor(ctx context.Context, roleID int64) (bool, error) {
	return grants.NewStore(r.db).GetTwoFactorRequirement(ctx, roleID)
}
