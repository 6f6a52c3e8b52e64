package main

import (
	"context"
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
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/config"
	"github.com/platinummonkey/imobiauth/pkg/consistency"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/storage/postgres"
)

var (
	configFile = flag.String("config", os.Getenv("IMOBIAUTH_CONFIG_FILE"), "YAML configuration file")
	schedule   = flag.String("schedule", "", "Cron schedule for reconciliation (overrides reconcile.schedule)")
	runOnce    = flag.Bool("run-once", false, "Reconcile once, validate, and exit non-zero if conflicts remain")
)

// errConflictsRemain is returned by a one-shot run that could not heal every feature
var errConflictsRemain = errors.New("consistency conflicts remain after reconciliation")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(observability.ParseLevel(cfg.Observability.LogLevel), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	synchronizer := consistency.NewSynchronizer(db, logger, metrics)

	if *runOnce {
		if err := reconcileOnce(ctx, synchronizer, logger); err != nil {
			logger.WithError(err).Error("Reconciliation failed")
			os.Exit(1)
		}
		return
	}

	spec := cfg.Reconcile.Schedule
	if *schedule != "" {
		spec = *schedule
	}

	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	if _, err := c.AddFunc(spec, func() {
		if err := reconcileOnce(ctx, synchronizer, logger); err != nil {
			logger.WithError(err).Error("Scheduled reconciliation failed")
		}
	}); err != nil {
		logger.WithError(err).WithField("schedule", spec).Fatal("Invalid reconcile schedule")
	}
	if cfg.Audit.RetentionDays > 0 {
		auditDB, err := audit.NewDBLogger(db)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create audit logger")
		}
		if _, err := c.AddFunc(cfg.Audit.PurgeSchedule, func() {
			if err := purgeAudit(ctx, auditDB, cfg.Audit, logger); err != nil {
				logger.WithError(err).Error("Scheduled audit purge failed")
			}
		}); err != nil {
			logger.WithError(err).WithField("schedule", cfg.Audit.PurgeSchedule).Fatal("Invalid audit purge schedule")
		}
		logger.WithFields(logrus.Fields{
			"schedule":       cfg.Audit.PurgeSchedule,
			"retention_days": cfg.Audit.RetentionDays,
		}).Info("Audit retention enabled")
	}

	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		observability.RegisterMetricsEndpoint(mux, registry)
		metricsServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	c.Start()
	logger.WithField("schedule", spec).Info("Catalog reconciler started")

	<-ctx.Done()
	logger.Info("Shutting down catalog reconciler")

	// Wait for a running reconciliation to finish
	<-c.Stop().Done()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Metrics server shutdown error")
		}
	}
}

// reconcileOnce heals every pointer, then validates and reports what remains.
func reconcileOnce(ctx context.Context, s *consistency.Synchronizer, logger *logrus.Logger) error {
	if _, err := s.Reconcile(ctx); err != nil {
		return err
	}
	statuses, err := s.Validate(ctx)
	if err != nil {
		return err
	}

	summary := consistency.Summarize(statuses)
	logger.WithFields(logrus.Fields{
		"total":           summary.Total,
		"consistent":      summary.Consistent,
		"no_relationship": summary.NoRelationship,
		"sf_null":         summary.SFNull,
		"sfc_null":        summary.SFCNull,
		"conflict":        summary.Conflict,
	}).Info("Catalog consistency report")

	if summary.Conflict > 0 {
		return fmt.Errorf("%w: %d", errConflictsRemain, summary.Conflict)
	}
	return nil
}

// auditPurger deletes audit events recorded before a cutoff
type auditPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// purgeAudit removes audit events older than the configured retention
func purgeAudit(ctx context.Context, p auditPurger, cfg config.AuditConfig, logger *logrus.Logger) error {
	cutoff, ok := cfg.RetentionCutoff(time.Now())
	if !ok {
		return nil
	}
	deleted, err := p.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"before":  cutoff.Format(time.RFC3339),
		"deleted": deleted,
	}).Info("Audit retention purge complete")
	return nil
}
