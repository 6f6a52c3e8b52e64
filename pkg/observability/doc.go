// Package observability provides logrus logging, Prometheus metrics, OpenTelemetry
// tracing, health probes and graceful shutdown.
//
// Components take a *logrus.Logger built by NewLogger and a *Metrics that may be
// nil when metrics are disabled:
//
//	logger := observability.NewLogger(observability.ParseLevel(cfg.LogLevel), os.Stdout)
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveResolution("success", elapsed)
//
// Spans around permission resolution and catalog reconciliation come from Tracer,
// which is a no-op until InitOTel installs the OTLP providers.
package observability
