package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/storage"
)

// envPrefix prefixes every environment variable the service reads
const envPrefix = "IMOBIAUTH_"

// minSecretLength is the minimum JWT signing secret length in bytes
const minSecretLength = 32

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Credential and login settings
	Auth AuthConfig `yaml:"auth"`

	// Permission resolution settings
	Authorization AuthorizationConfig `yaml:"authorization"`

	// Catalog reconciliation settings
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Audit trail retention
	Audit AuditConfig `yaml:"audit"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`

	// File is the YAML file the configuration was overlaid from, if any
	File string `yaml:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// AuthConfig holds credential, session and login throttling settings
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	JWTIssuer        string        `yaml:"jwt_issuer"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl"`
	SessionPrefix    string        `yaml:"session_prefix"`
	LoginMaxAttempts int           `yaml:"login_max_attempts"`
	LoginWindow      time.Duration `yaml:"login_window"`

	// RequestsPerMinute limits /auth requests per client IP
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// AuthorizationConfig holds permission resolution settings
type AuthorizationConfig struct {
	// ResourceCacheTTL bounds how long the live resource set used for bypass
	// roles is cached. Zero disables the cache.
	ResourceCacheTTL time.Duration `yaml:"resource_cache_ttl"`
}

// ReconcileConfig holds the catalog reconciler schedule
type ReconcileConfig struct {
	// Schedule is a standard five-field cron expression
	Schedule string `yaml:"schedule"`
}

// AuditConfig holds the audit retention policy applied by the reconciler
type AuditConfig struct {
	// RetentionDays is how long audit events are kept. Zero keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// PurgeSchedule is the cron expression of the retention purge
	PurgeSchedule string `yaml:"purge_schedule"`
}

// RetentionCutoff returns the time before which events are purged, and false
// when retention is disabled
func (a AuditConfig) RetentionCutoff(now time.Time) (time.Time, bool) {
	if a.RetentionDays <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -a.RetentionDays), true
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// OTel returns the OpenTelemetry settings in the form observability.InitOTel takes
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Auth: AuthConfig{
			JWTIssuer:         "imobiauth",
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   24 * time.Hour,
			SessionPrefix:     "imobiauth",
			LoginMaxAttempts:  5,
			LoginWindow:       15 * time.Minute,
			RequestsPerMinute: 60,
		},
		Authorization: AuthorizationConfig{
			ResourceCacheTTL: 30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Schedule: "*/30 * * * *",
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			PurgeSchedule: "0 3 * * *",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "imobiauth",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// Load builds the configuration from the defaults, then the YAML file at path,
// then environment variables, and validates it. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.File = path
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides every setting whose environment variable is set
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv(envPrefix+"HOST", s.Host)
	s.Port = getEnv(envPrefix+"PORT", s.Port)
	s.HealthPort = getEnv(envPrefix+"HEALTH_PORT", s.HealthPort)
	s.ReadTimeout = getEnvDuration(envPrefix+"READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration(envPrefix+"WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration(envPrefix+"IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration(envPrefix+"SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	st := &c.Storage
	st.PostgresURL = getEnv(envPrefix+"DATABASE_URL", st.PostgresURL)
	st.PostgresMaxConns = getEnvInt(envPrefix+"DB_MAX_OPEN_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt(envPrefix+"DB_MAX_IDLE_CONNS", st.PostgresMinConns)
	st.PostgresMaxLifetime = getEnvDuration(envPrefix+"DB_CONN_MAX_LIFETIME", st.PostgresMaxLifetime)
	st.PostgresTimeout = getEnvDuration(envPrefix+"DB_CONNECT_TIMEOUT", st.PostgresTimeout)
	st.RedisURL = getEnv(envPrefix+"REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv(envPrefix+"REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt(envPrefix+"REDIS_DB", st.RedisDB)
	st.RedisPoolSize = getEnvInt(envPrefix+"REDIS_POOL_SIZE", st.RedisPoolSize)

	a := &c.Auth
	a.JWTSecret = getEnv(envPrefix+"JWT_SECRET", a.JWTSecret)
	a.JWTIssuer = getEnv(envPrefix+"JWT_ISSUER", a.JWTIssuer)
	a.AccessTokenTTL = getEnvDuration(envPrefix+"ACCESS_TOKEN_TTL", a.AccessTokenTTL)
	a.RefreshTokenTTL = getEnvDuration(envPrefix+"REFRESH_TOKEN_TTL", a.RefreshTokenTTL)
	a.SessionPrefix = getEnv(envPrefix+"SESSION_PREFIX", a.SessionPrefix)
	a.LoginMaxAttempts = getEnvInt(envPrefix+"LOGIN_MAX_ATTEMPTS", a.LoginMaxAttempts)
	a.LoginWindow = getEnvDuration(envPrefix+"LOGIN_WINDOW", a.LoginWindow)
	a.RequestsPerMinute = getEnvInt(envPrefix+"AUTH_REQUESTS_PER_MINUTE", a.RequestsPerMinute)

	c.Authorization.ResourceCacheTTL = getEnvDuration(envPrefix+"RESOURCE_CACHE_TTL", c.Authorization.ResourceCacheTTL)
	c.Reconcile.Schedule = getEnv(envPrefix+"RECONCILE_SCHEDULE", c.Reconcile.Schedule)
	c.Audit.RetentionDays = getEnvInt(envPrefix+"AUDIT_RETENTION_DAYS", c.Audit.RetentionDays)
	c.Audit.PurgeSchedule = getEnv(envPrefix+"AUDIT_PURGE_SCHEDULE", c.Audit.PurgeSchedule)

	o := &c.Observability
	o.LogLevel = getEnv(envPrefix+"LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool(envPrefix+"METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool(envPrefix+"OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv(envPrefix+"OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv(envPrefix+"OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv(envPrefix+"OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool(envPrefix+"OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat(envPrefix+"OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", minSecretLength)
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("refresh token TTL must be positive")
	}
	if c.Auth.RefreshTokenTTL < c.Auth.AccessTokenTTL {
		return fmt.Errorf("refresh token TTL must not be shorter than the access token TTL")
	}
	if c.Auth.LoginMaxAttempts <= 0 || c.Auth.LoginWindow <= 0 {
		return fmt.Errorf("login throttling needs positive attempts and window")
	}
	if c.Auth.RequestsPerMinute <= 0 {
		return fmt.Errorf("auth requests per minute must be positive")
	}
	if c.Authorization.ResourceCacheTTL < 0 {
		return fmt.Errorf("resource cache TTL must not be negative")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention days must not be negative")
	}
	if c.Audit.RetentionDays > 0 && c.Audit.PurgeSchedule == "" {
		return fmt.Errorf("audit purge schedule is required when retention is enabled")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
