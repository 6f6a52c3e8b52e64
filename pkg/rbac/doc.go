// Package rbac resolves effective permissions and enforces the user hierarchy.
//
// # Levels
//
// Access to a resource is one of four ordered levels:
//
//	LevelRead   (1)  read, list
//	LevelWrite  (2)  create, update
//	LevelDelete (3)  delete
//	LevelAdmin  (4)  admin
//
// A resource is the slug of the category a feature belongs to, or the slugified
// feature name when it has none.
//
// # Resolution
//
// Resolver.ResolvePermissions unions the grants of every active role with the
// user's unexpired direct grants and keeps the highest level per resource. A
// role flagged bypass_all yields ADMIN on every resource of an active feature.
// All reads happen in one read-only snapshot; any storage error fails closed
// with ErrResolutionFailed.
//
//	resolver := rbac.NewResolver(db, logger, metrics, rbac.DefaultResolverOptions())
//	perms, err := resolver.ResolvePermissions(ctx, userID)
//	if err != nil {
//		return err // deny
//	}
//	if !perms.Allows("imoveis", rbac.LevelWrite) {
//		return rbac.ErrPermissionDenied
//	}
//
// # Hierarchy
//
// CanManage allows an actor to manage only users of a strictly lower level and
// never themselves. Guard wraps it for user-management operations, logging and
// auditing each violation before returning the generic ErrHierarchyViolation.
package rbac
