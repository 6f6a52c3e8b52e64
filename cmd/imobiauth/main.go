package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/imobiauth/pkg/api"
	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/config"
	"github.com/platinummonkey/imobiauth/pkg/consistency"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
	"github.com/platinummonkey/imobiauth/pkg/storage/postgres"
)

var version = "dev"

const dbStatsInterval = 15 * time.Second

func main() {
	configFile := flag.String("config", os.Getenv("IMOBIAUTH_CONFIG_FILE"), "YAML configuration file")
	bootstrapUser := flag.String("bootstrap-admin", "", "Create an administrator with this username (password from IMOBIAUTH_BOOTSTRAP_PASSWORD) and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.ParseLevel(cfg.Observability.LogLevel), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *bootstrapUser != "" {
		if err := bootstrap(ctx, cfg, logger, *bootstrapUser, os.Getenv("IMOBIAUTH_BOOTSTRAP_PASSWORD")); err != nil {
			logger.WithError(err).Fatal("Bootstrap failed")
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}

// openDatabase connects to Postgres and applies pending migrations
func openDatabase(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sql.DB, error) {
	db, err := postgres.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger, username, password string) error {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := catalog.NewStore(db, consistency.NewSynchronizer(db, logger, nil))
	created, err := api.SeedAdminCatalog(ctx, store)
	if err != nil {
		return err
	}
	user, err := api.BootstrapAdmin(ctx, grants.NewStore(db), username, password)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"user_id":          user.ID,
		"username":         user.Username,
		"features_created": created,
	}).Info("Administrator created")
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"version":     version,
		"port":        cfg.Server.Port,
		"health_port": cfg.Server.HealthPort,
		"config_file": cfg.File,
	}).Info("Starting imobiauth")

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	redisClient, err := postgres.NewRedisClient(cfg.Storage)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	auditDB, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	auditLogger := audit.NewMultiLogger(auditDB, audit.NewLogrusLogger(logger))

	synchronizer := consistency.NewSynchronizer(db, logger, metrics)
	catalogStore := catalog.NewStore(db, synchronizer)
	grantStore := grants.NewStore(db)

	if created, err := api.SeedAdminCatalog(ctx, catalogStore); err != nil {
		return err
	} else if created > 0 {
		logger.WithField("features_created", created).Info("Seeded admin catalog")
	}

	resolver := rbac.NewResolver(db, logger, metrics, rbac.ResolverOptions{
		ResourceCacheTTL: cfg.Authorization.ResourceCacheTTL,
	})
	issuer, err := auth.NewIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return err
	}
	sessions := auth.NewSessionStore(redisClient, cfg.Auth.RefreshTokenTTL, cfg.Auth.SessionPrefix)
	authService := auth.NewService(grantStore, resolver, issuer, sessions, logger,
		auth.WithAuditLogger(auditLogger),
		auth.WithMetrics(metrics),
	)

	loginLimiter := middleware.NewLoginLimiter(redisClient,
		&middleware.RateLimitConfig{RequestsPerWindow: cfg.Auth.LoginMaxAttempts, WindowDuration: cfg.Auth.LoginWindow},
		cfg.Auth.SessionPrefix+":login", logger, auditLogger, metrics)
	authLimiter := middleware.NewRateLimiter(redisClient,
		&middleware.RateLimitConfig{RequestsPerWindow: cfg.Auth.RequestsPerMinute, WindowDuration: time.Minute},
		cfg.Auth.SessionPrefix+":auth")

	server := api.NewServer(api.Dependencies{
		Catalog:       catalogStore,
		Grants:        grantStore,
		Synchronizer:  synchronizer,
		Resolver:      resolver,
		Guard:         rbac.NewGuard(logger, auditLogger, metrics),
		Auth:          authService,
		LoginLimiter:  loginLimiter,
		AuthLimiter:   authLimiter,
		AuditLogger:   auditLogger,
		AuditSearcher: auditDB,
		AuditPurger:   auditDB,
		Logger:        logger,
		Metrics:       metrics,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error { return auditLogger.Close() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, logger, "API") })
	g.Go(func() error { return serve(healthServer, logger, "Health") })
	g.Go(func() error { return reportDBStats(gctx, db, metrics) })
	if cfg.File != "" {
		watcher, err := config.NewWatcher(cfg.File, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx, func(next *config.Config) {
				applyReload(logger, next)
			})
		})
	}
	g.Go(func() error { return shutdown.ShutdownOnDone(gctx) })

	return g.Wait()
}

func serve(server *http.Server, logger *logrus.Logger, name string) error {
	logger.WithField("addr", server.Addr).Infof("%s server listening", name)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) error {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.ObserveDBStats(db.Stats())
		}
	}
}

// applyReload applies the settings that can change without a restart
func applyReload(logger *logrus.Logger, next *config.Config) {
	level := observability.ParseLevel(next.Observability.LogLevel)
	if level != logger.GetLevel() {
		logger.SetLevel(level)
		logger.WithField("level", level.String()).Info("Log level changed")
	}
}
