// Copyright 2025 Certen Protocol

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ubl-gate service.
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string

	// Storage Configuration
	DataDir      string // base directory for the content-addressed blob store
	TipStoreKind string // "memdb" or "goleveldb", backs the per-tenant tip store

	// ManifestDir holds one YAML pipeline manifest per app; empty means use
	// the built-in permissive default manifest for every app.
	ManifestDir string

	// Ed25519 Key Configuration
	Ed25519KeyPath string // path to the hex-encoded default signing key
	DevMode        bool   // when true, an ephemeral dev KeyRing is generated if no key file is configured

	// Service Identity
	ServiceName string
	LogLevel    string
	LogFormat   string // "json" or "text"

	// Gateway Contract (C9)
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	AuthDisabled   bool   // when true, bearer auth is skipped and every request runs as "anonymous"
	DevToken       string // bearer token accepted when no ClientInfo store is configured
	IdempotencyCap int
	IdempotencyTTL time.Duration
	RateLimitRPM   int // tokens refilled per minute per client
	RateLimitBurst int // token bucket capacity per client

	// VM fuel default (spec.md §4.9)
	DefaultFuelLimit uint64

	// CORS Configuration — resolved per-scope at request time; these are the
	// global fallback origins. Per-app and per-(app,tenant) overrides are
	// read lazily via CORSOriginsFor.
	CORSGlobalOrigins []string
}

// Load reads configuration from environment variables.
//
// CRITICAL: this service only reads these specific variable names. There
// are no silent aliases — a typo'd variable name is simply ignored and the
// default applies.
//
// SECURITY: in production (DevMode=false) a missing Ed25519KeyPath is an
// error at Validate() time, not a silent fallback to an ephemeral key.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("UBL_LISTEN_ADDR", "0.0.0.0:8080"),
		MetricsAddr: getEnv("UBL_METRICS_ADDR", "0.0.0.0:9090"),

		DataDir:      getEnv("UBL_DATA_DIR", "./data"),
		TipStoreKind: getEnv("UBL_TIP_STORE_KIND", "memdb"),
		ManifestDir:  getEnv("UBL_MANIFEST_DIR", ""),

		Ed25519KeyPath: getEnv("UBL_ED25519_KEY_PATH", ""),
		DevMode:        getEnvBool("UBL_DEV_MODE", true),

		ServiceName: getEnv("UBL_SERVICE_NAME", "ubl-gate"),
		LogLevel:    getEnv("UBL_LOG_LEVEL", "info"),
		LogFormat:   getEnv("UBL_LOG_FORMAT", "json"),

		MaxBodyBytes:   getEnvInt64("UBL_MAX_BODY_BYTES", 1_048_576),
		RequestTimeout: getEnvDuration("UBL_REQUEST_TIMEOUT", 30*time.Second),
		AuthDisabled:   getEnvBool("UBL_AUTH_DISABLED", false),
		DevToken:       getEnv("UBL_DEV_TOKEN", "dev-token"),

		IdempotencyCap: getEnvInt("IDEMP_MAX_ENTRIES", 10_000),
		IdempotencyTTL: time.Duration(getEnvInt("IDEMP_TTL_SECS", 86_400)) * time.Second,

		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM_DEFAULT", 300),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),

		DefaultFuelLimit: uint64(getEnvInt64("UBL_DEFAULT_FUEL_LIMIT", 100_000)),

		CORSGlobalOrigins: splitCSV(getEnv("CORS_GLOBAL_ORIGINS", "")),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent.
// Call this after Load() before starting the service.
func (c *Config) Validate() error {
	var errs []string

	if !c.DevMode && c.Ed25519KeyPath == "" {
		errs = append(errs, "UBL_ED25519_KEY_PATH is required when UBL_DEV_MODE=false")
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, "UBL_MAX_BODY_BYTES must be positive")
	}
	if c.TipStoreKind != "memdb" && c.TipStoreKind != "goleveldb" {
		errs = append(errs, fmt.Sprintf("UBL_TIP_STORE_KIND %q is not one of memdb|goleveldb", c.TipStoreKind))
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, "RATE_LIMIT_RPM_DEFAULT and RATE_LIMIT_BURST must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RateLimitRefillPerSec converts the per-minute refill rate into the
// per-second rate the token bucket implementation consumes.
func (c *Config) RateLimitRefillPerSec() float64 {
	return float64(c.RateLimitRPM) / 60.0
}

// CORSOriginsFor resolves the effective CORS allowlist for a scope, falling
// back from (app,tenant) to app to the global list.
func (c *Config) CORSOriginsFor(app, tenant string) []string {
	if v := splitCSV(getEnv(fmt.Sprintf("CORS_APP_%s_TENANT_%s_ORIGINS", envKey(app), envKey(tenant)), "")); len(v) > 0 {
		return v
	}
	if v := splitCSV(getEnv(fmt.Sprintf("CORS_APP_%s_ORIGINS", envKey(app)), "")); len(v) > 0 {
		return v
	}
	return c.CORSGlobalOrigins
}

func envKey(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
