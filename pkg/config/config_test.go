package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvTyped tests the typed env helpers, including malformed values
func TestGetEnvTyped(t *testing.T) {
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BAD_DURATION", "soon")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("TEST_BOOL_UNSET", false))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DURATION", time.Minute))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IMOBIAUTH_JWT_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, 5, cfg.Auth.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LoginWindow)
	assert.Equal(t, 30*time.Second, cfg.Authorization.ResourceCacheTTL)
	assert.Equal(t, "*/30 * * * *", cfg.Reconcile.Schedule)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Equal(t, "0 3 * * *", cfg.Audit.PurgeSchedule)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Empty(t, cfg.File)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imobiauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "8000"
storage:
  database_url: postgres://db/imobiauth
  max_open_conns: 40
auth:
  jwt_secret: `+testSecret+`
  access_token_ttl: 5m
authorization:
  resource_cache_ttl: 0s
audit:
  retention_days: 30
observability:
  log_level: debug
`), 0o600))

	t.Setenv("IMOBIAUTH_LOG_LEVEL", "warn")
	t.Setenv("IMOBIAUTH_AUDIT_PURGE_SCHEDULE", "@daily")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "postgres://db/imobiauth", cfg.Storage.PostgresURL)
	assert.Equal(t, 40, cfg.Storage.PostgresMaxConns)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, time.Duration(0), cfg.Authorization.ResourceCacheTTL)
	assert.Equal(t, "warn", cfg.Observability.LogLevel, "environment wins over the file")
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
	assert.Equal(t, "@daily", cfg.Audit.PurgeSchedule)
	assert.Equal(t, 24*time.Hour, cfg.Auth.RefreshTokenTTL, "unset keys keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("no secret", func(t *testing.T) {
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT secret")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.JWTSecret = testSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"no database", func(c *Config) { c.Storage.PostgresURL = "" }, "database URL"},
		{"no redis", func(c *Config) { c.Storage.RedisURL = "" }, "redis URL"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = strings.Repeat("x", 31) }, "JWT secret"},
		{"zero access ttl", func(c *Config) { c.Auth.AccessTokenTTL = 0 }, "access token TTL"},
		{"zero refresh ttl", func(c *Config) { c.Auth.RefreshTokenTTL = 0 }, "refresh token TTL"},
		{"refresh shorter than access", func(c *Config) { c.Auth.RefreshTokenTTL = time.Minute }, "refresh token TTL"},
		{"no login attempts", func(c *Config) { c.Auth.LoginMaxAttempts = 0 }, "login throttling"},
		{"negative cache ttl", func(c *Config) { c.Authorization.ResourceCacheTTL = -time.Second }, "resource cache"},
		{"negative retention", func(c *Config) { c.Audit.RetentionDays = -1 }, "retention days"},
		{"retention without schedule", func(c *Config) { c.Audit.PurgeSchedule = "" }, "purge schedule"},
		{"retention disabled without schedule", func(c *Config) {
			c.Audit.RetentionDays = 0
			c.Audit.PurgeSchedule = ""
		}, ""},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint"},
		{"otel sample ratio above one", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelSampleRatio = 1.5
		}, "sample ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuditConfig_RetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)

	cutoff, ok := AuditConfig{RetentionDays: 30}.RetentionCutoff(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), cutoff)

	_, ok = AuditConfig{}.RetentionCutoff(now)
	assert.False(t, ok)
}

func TestObservabilityConfig_OTel(t *testing.T) {
	otel := Default().Observability.OTel()
	assert.False(t, otel.Enabled)
	assert.Equal(t, "imobiauth", otel.ServiceName)
	assert.Equal(t, "localhost:4317", otel.Endpoint)
	assert.Equal(t, 1.0, otel.SampleRatio)
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imobiauth.yaml")
	write := func(level string) {
		require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: "+testSecret+"\nobservability:\n  log_level: "+level+"\n"), 0o600))
	}
	write("info")

	logger, _ := test.NewNullLogger()
	w, err := NewWatcher(path, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(c *Config) { changes <- c }) }()

	// an invalid file is skipped
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: short\n"), 0o600))
	write("debug")

	select {
	case cfg := <-changes:
		for cfg.Observability.LogLevel != "debug" {
			select {
			case cfg = <-changes:
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for the debug level")
			}
		}
		assert.Equal(t, "debug", cfg.Observability.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
