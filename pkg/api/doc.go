// Package api provides the HTTP admin API of the authorization service.
//
// # Overview
//
// The API exposes login and credential refresh, catalog administration
// (categories, features and their category links), consistency
// reconciliation, user and role management and the audit trail. Every admin
// route requires a bearer credential and a minimum level on one resource key.
//
// # Architecture
//
// The API is built on gorilla/mux. Routes are declared as tables per handler
// group, each entry naming the resource and level it requires:
//
//   - Auth: /auth/login, /auth/refresh, /auth/logout, /auth/me/permissions
//   - Catalog: /admin/categories, /admin/features, /admin/feature-categories
//   - Consistency: /admin/feature-categories/sync (GET validates, POST reconciles)
//   - Users: /admin/users and their roles and direct grants
//   - Roles: /admin/roles and their permissions
//   - Audit: /admin/audit
//
// User-management routes additionally pass the hierarchy guard, which
// compares the caller's and the target's current levels read from the store.
// Hierarchy violations and missing permissions both answer 403 with the same
// body:
//
//	{"error": "not authorized"}
//
// # Resource Keys
//
// Admin routes are guarded by the resource keys categorias, funcionalidades,
// configuracoes, usuarios, perfis and auditoria. SeedAdminCatalog creates a
// category and feature for each, so they are granted like any other feature.
//
// # Usage
//
//	server := api.NewServer(api.Dependencies{
//		Catalog:      catalogStore,
//		Grants:       grantStore,
//		Synchronizer: synchronizer,
//		Resolver:     resolver,
//		Auth:         authService,
//		LoginLimiter: loginLimiter,
//		Logger:       logger,
//		Metrics:      metrics,
//	})
//	http.ListenAndServe(":8080", server.Handler())
//
// Handler wraps the router with request IDs, request logging, panic recovery,
// body size limits and OpenTelemetry tracing.
package api
