package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	ResolutionsTotal         *prometheus.CounterVec
	ResolutionDuration       prometheus.Histogram
	ResourceCacheTotal       *prometheus.CounterVec
	HierarchyViolationsTotal *prometheus.CounterVec
	PermissionDeniedTotal    *prometheus.CounterVec

	// Consistency metrics
	ReconcileRunsTotal     *prometheus.CounterVec
	ReconcileFeaturesTotal *prometheus.CounterVec
	ConsistencyStatus      *prometheus.GaugeVec

	// Credential metrics
	CredentialsIssuedTotal *prometheus.CounterVec
	LoginAttemptsTotal     *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imobiauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		// Authorization metrics
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_permission_resolutions_total",
				Help: "Permission resolutions by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imobiauth_permission_resolution_duration_seconds",
				Help:    "Permission resolution latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ResourceCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_resource_cache_total",
				Help: "Live resource set cache lookups",
			},
			[]string{"result"},
		),
		HierarchyViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_hierarchy_violations_total",
				Help: "User-management attempts rejected by the hierarchy guard",
			},
			[]string{"operation"},
		),
		PermissionDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_permission_denied_total",
				Help: "Requests denied for an insufficient resource level",
			},
			[]string{"resource"},
		),

		// Consistency metrics
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_reconcile_runs_total",
				Help: "Feature category reconciliation runs",
			},
			[]string{"status"},
		),
		ReconcileFeaturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_reconcile_features_total",
				Help: "Features whose category pointer was rewritten by reconciliation",
			},
			[]string{"change"},
		),
		ConsistencyStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imobiauth_feature_consistency",
				Help: "Features per consistency status at the last validation",
			},
			[]string{"status"},
		),

		// Credential metrics
		CredentialsIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_credentials_issued_total",
				Help: "Access credentials issued",
			},
			[]string{"kind"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imobiauth_login_attempts_total",
				Help: "Login attempts by result",
			},
			[]string{"result"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "imobiauth_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "imobiauth_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "imobiauth_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "imobiauth_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.ResourceCacheTotal,
		m.HierarchyViolationsTotal,
		m.PermissionDeniedTotal,
		m.ReconcileRunsTotal,
		m.ReconcileFeaturesTotal,
		m.ConsistencyStatus,
		m.CredentialsIssuedTotal,
		m.LoginAttemptsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// ObserveResolution records one permission resolution
func (m *Metrics) ObserveResolution(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
	m.ResolutionDuration.Observe(elapsed.Seconds())
}

// ObserveResourceCache records a live resource set cache hit or miss
func (m *Metrics) ObserveResourceCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResourceCacheTotal.WithLabelValues(result).Inc()
}

// ObserveHierarchyViolation records a rejected user-management operation
func (m *Metrics) ObserveHierarchyViolation(operation string) {
	if m == nil {
		return
	}
	m.HierarchyViolationsTotal.WithLabelValues(operation).Inc()
}

// ObservePermissionDenied records a request denied on resource
func (m *Metrics) ObservePermissionDenied(resource string) {
	if m == nil {
		return
	}
	m.PermissionDeniedTotal.WithLabelValues(resource).Inc()
}

// ObserveReconcile records a reconciliation run
func (m *Metrics) ObserveReconcile(updated, cleared int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReconcileRunsTotal.WithLabelValues("error").Inc()
	} else {
		m.ReconcileRunsTotal.WithLabelValues("success").Inc()
	}
	m.ReconcileFeaturesTotal.WithLabelValues("updated").Add(float64(updated))
	m.ReconcileFeaturesTotal.WithLabelValues("cleared").Add(float64(cleared))
}

// SetConsistencyStatus publishes the per-status feature counts of a validation
func (m *Metrics) SetConsistencyStatus(counts map[string]int) {
	if m == nil {
		return
	}
	m.ConsistencyStatus.Reset()
	for status, n := range counts {
		m.ConsistencyStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveCredentialIssued records an issued access credential (login or refresh)
func (m *Metrics) ObserveCredentialIssued(kind string) {
	if m == nil {
		return
	}
	m.CredentialsIssuedTotal.WithLabelValues(kind).Inc()
}

// ObserveLogin records a login attempt result
func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.LoginAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveDBStats copies connection pool statistics into the gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics. The
// route label is the mux path template, so it must run as router middleware.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
