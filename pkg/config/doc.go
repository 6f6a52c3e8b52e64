// Package config provides application configuration management.
//
// # Overview
//
// Configuration is built in three layers: built-in defaults, an optional YAML
// file (the binaries take its path from -config, defaulting to
// IMOBIAUTH_CONFIG_FILE), and IMOBIAUTH_* environment variables. Each layer
// overrides the one before it. Load validates the result.
//
// # Configuration Structure
//
// Server settings:
//
//	IMOBIAUTH_HOST="0.0.0.0"
//	IMOBIAUTH_PORT="8080"
//	IMOBIAUTH_HEALTH_PORT="9090"
//
// Storage settings:
//
//	IMOBIAUTH_DATABASE_URL="postgres://localhost/imobiauth"
//	IMOBIAUTH_DB_MAX_OPEN_CONNS="20"
//	IMOBIAUTH_DB_MAX_IDLE_CONNS="2"
//	IMOBIAUTH_DB_CONN_MAX_LIFETIME="30m"
//	IMOBIAUTH_REDIS_URL="redis://localhost:6379/0"
//
// Credential settings:
//
//	IMOBIAUTH_JWT_SECRET="..."          # at least 32 bytes
//	IMOBIAUTH_JWT_ISSUER="imobiauth"
//	IMOBIAUTH_ACCESS_TOKEN_TTL="15m"
//	IMOBIAUTH_REFRESH_TOKEN_TTL="24h"
//	IMOBIAUTH_LOGIN_MAX_ATTEMPTS="5"
//	IMOBIAUTH_LOGIN_WINDOW="15m"
//
// Authorization and reconciliation:
//
//	IMOBIAUTH_RESOURCE_CACHE_TTL="30s"
//	IMOBIAUTH_RECONCILE_SCHEDULE="*/30 * * * *"
//
// Observability settings:
//
//	IMOBIAUTH_LOG_LEVEL="info"
//	IMOBIAUTH_METRICS_ENABLED="true"
//	IMOBIAUTH_OTEL_ENABLED="false"
//	IMOBIAUTH_OTEL_ENDPOINT="localhost:4317"
//
// The same keys in YAML:
//
//	server:
//	  port: "8080"
//	auth:
//	  access_token_ttl: 15m
//	observability:
//	  log_level: debug
//
// # Live Reload
//
// Watcher re-reads the YAML file when it changes. The server applies the new
// log level; other settings take effect at the next restart.
package config
