// Copyright 2025 Certen Protocol
//
// Unit tests for environment-variable configuration loading and validation.

package config

import "testing"

// ============================================================================
// Load defaults
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("ListenAddr got %q, want %q", cfg.ListenAddr, "0.0.0.0:8080")
	}
	if cfg.TipStoreKind != "memdb" {
		t.Errorf("TipStoreKind got %q, want %q", cfg.TipStoreKind, "memdb")
	}
	if !cfg.DevMode {
		t.Error("expected DevMode to default to true")
	}
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("UBL_LISTEN_ADDR", "127.0.0.1:9999")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("got %q, want %q", cfg.ListenAddr, "127.0.0.1:9999")
	}
}

func TestLoad_InvalidTypedValueFallsBackToDefault(t *testing.T) {
	t.Setenv("UBL_MAX_BODY_BYTES", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxBodyBytes != 1_048_576 {
		t.Errorf("got %d, want the default 1048576", cfg.MaxBodyBytes)
	}
}

// ============================================================================
// Validate
// ============================================================================

func TestValidate_DevModeAllowsEmptyKeyPath(t *testing.T) {
	cfg := &Config{
		DevMode:           true,
		MaxBodyBytes:      1024,
		TipStoreKind:      "memdb",
		RateLimitRPM:   60,
		RateLimitBurst: 10,
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected dev mode to validate without a key path: %v", err)
	}
}

func TestValidate_ProductionRequiresKeyPath(t *testing.T) {
	cfg := &Config{
		DevMode:           false,
		Ed25519KeyPath:    "",
		MaxBodyBytes:      1024,
		TipStoreKind:      "memdb",
		RateLimitRPM:   60,
		RateLimitBurst: 10,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to fail without a key path outside dev mode")
	}
}

func TestValidate_RejectsUnknownTipStoreKind(t *testing.T) {
	cfg := &Config{
		DevMode:           true,
		MaxBodyBytes:      1024,
		TipStoreKind:      "sqlite",
		RateLimitRPM:   60,
		RateLimitBurst: 10,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to reject an unrecognized tip store kind")
	}
}

func TestValidate_RejectsNonPositiveRateLimit(t *testing.T) {
	cfg := &Config{
		DevMode:           true,
		MaxBodyBytes:      1024,
		TipStoreKind:      "memdb",
		RateLimitRPM:   0,
		RateLimitBurst: 10,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to reject a zero RateLimitRPM")
	}
}

func TestLoad_GatewayKnobs(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPM_DEFAULT", "120")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("IDEMP_MAX_ENTRIES", "500")
	t.Setenv("IDEMP_TTL_SECS", "60")
	t.Setenv("UBL_AUTH_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitRPM != 120 || cfg.RateLimitBurst != 7 {
		t.Errorf("rate limit knobs got rpm=%d burst=%d", cfg.RateLimitRPM, cfg.RateLimitBurst)
	}
	if got := cfg.RateLimitRefillPerSec(); got != 2.0 {
		t.Errorf("refill/sec got %v, want 2", got)
	}
	if cfg.IdempotencyCap != 500 {
		t.Errorf("IdempotencyCap got %d, want 500", cfg.IdempotencyCap)
	}
	if cfg.IdempotencyTTL.Seconds() != 60 {
		t.Errorf("IdempotencyTTL got %v, want 60s", cfg.IdempotencyTTL)
	}
	if !cfg.AuthDisabled {
		t.Error("expected AuthDisabled to be set")
	}
}

// ============================================================================
// CORSOriginsFor resolution order
// ============================================================================

func TestCORSOriginsFor_FallsBackToGlobal(t *testing.T) {
	cfg := &Config{CORSGlobalOrigins: []string{"https://example.com"}}
	got := cfg.CORSOriginsFor("billing", "tenant-1")
	if len(got) != 1 || got[0] != "https://example.com" {
		t.Errorf("got %v, want the global origin list", got)
	}
}

func TestCORSOriginsFor_AppOverrideWinsOverGlobal(t *testing.T) {
	t.Setenv("CORS_APP_BILLING_ORIGINS", "https://billing.example.com")
	cfg := &Config{CORSGlobalOrigins: []string{"https://example.com"}}
	got := cfg.CORSOriginsFor("billing", "tenant-1")
	if len(got) != 1 || got[0] != "https://billing.example.com" {
		t.Errorf("got %v, want the app-scoped origin", got)
	}
}

func TestCORSOriginsFor_ScopedOverrideWinsOverApp(t *testing.T) {
	t.Setenv("CORS_APP_BILLING_ORIGINS", "https://billing.example.com")
	t.Setenv("CORS_APP_BILLING_TENANT_TENANT_1_ORIGINS", "https://tenant1.example.com")
	cfg := &Config{CORSGlobalOrigins: []string{"https://example.com"}}
	got := cfg.CORSOriginsFor("billing", "tenant-1")
	if len(got) != 1 || got[0] != "https://tenant1.example.com" {
		t.Errorf("got %v, want the tenant-scoped origin", got)
	}
}
