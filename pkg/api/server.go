package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/consistency"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// AuditSearcher reads back the audit trail
type AuditSearcher interface {
	Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.AuditEvent, error)
}

// AuditPurger deletes audit events recorded before a cutoff
type AuditPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Dependencies are the collaborators the server is built from. AuditLogger,
// AuditSearcher, AuditPurger and Metrics may be nil.
type Dependencies struct {
	Catalog      *catalog.Store
	Grants       *grants.Store
	Synchronizer *consistency.Synchronizer
	Resolver     *rbac.Resolver
	Guard        *rbac.Guard
	Auth         *auth.Service
	LoginLimiter *middleware.LoginLimiter
	AuthLimiter  *middleware.RateLimiter

	AuditLogger   audit.Logger
	AuditSearcher AuditSearcher
	AuditPurger   AuditPurger
	Logger        *logrus.Logger
	Metrics       *observability.Metrics
}

// Server represents our API server
type Server struct {
	router *mux.Router

	catalog      *catalog.Store
	grants       *grants.Store
	sync         *consistency.Synchronizer
	resolver     *rbac.Resolver
	guard        *rbac.Guard
	auth         *auth.Service
	loginLimiter *middleware.LoginLimiter
	authLimiter  *middleware.RateLimiter

	authn *middleware.AuthMiddleware
	perms *middleware.PermissionMiddleware

	audit       audit.Logger
	auditSearch AuditSearcher
	auditPurge  AuditPurger
	logger      *logrus.Logger
	metrics     *observability.Metrics
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.AuditLogger == nil {
		deps.AuditLogger = audit.NoOpLogger{}
	}
	if deps.Guard == nil {
		deps.Guard = rbac.NewGuard(deps.Logger, deps.AuditLogger, deps.Metrics)
	}

	s := &Server{
		router:       mux.NewRouter(),
		catalog:      deps.Catalog,
		grants:       deps.Grants,
		sync:         deps.Synchronizer,
		resolver:     deps.Resolver,
		guard:        deps.Guard,
		auth:         deps.Auth,
		loginLimiter: deps.LoginLimiter,
		authLimiter:  deps.AuthLimiter,
		authn:        middleware.NewAuthMiddleware(deps.Auth.Issuer(), deps.Logger),
		perms:        middleware.NewPermissionMiddleware(deps.Logger, deps.AuditLogger, deps.Metrics),
		audit:        deps.AuditLogger,
		auditSearch:  deps.AuditSearcher,
		auditPurge:   deps.AuditPurger,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
	}

	s.setupRoutes()
	return s
}

// route describes one guarded endpoint
type route struct {
	method   string
	path     string
	resource string
	level    rbac.Level
	handler  http.HandlerFunc
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "not found")
	})

	authRouter := s.router.PathPrefix("/auth").Subrouter()
	if s.authLimiter != nil {
		authRouter.Use(s.authLimiter.Handler)
	}
	authRouter.HandleFunc("/login", s.login).Methods(http.MethodPost)
	authRouter.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)

	me := authRouter.NewRoute().Subrouter()
	me.Use(s.authn.Handler)
	me.HandleFunc("/logout", s.logout).Methods(http.MethodPost)
	me.HandleFunc("/me/permissions", s.myPermissions).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authn.Handler)
	for _, rt := range s.adminRoutes() {
		admin.Handle(rt.path, s.perms.Require(rt.resource, rt.level)(rt.handler)).Methods(rt.method)
	}
}

func (s *Server) adminRoutes() []route {
	var routes []route
	routes = append(routes, s.catalogRoutes()...)
	routes = append(routes, s.userRoutes()...)
	routes = append(routes, s.roleRoutes()...)
	routes = append(routes, s.sessionRoutes()...)
	routes = append(routes, s.auditRoutes()...)
	return routes
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in the request ID, logging, recovery and
// tracing middleware
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "imobiauth")
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
