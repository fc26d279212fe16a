package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.MaxSessionsPerUser != 5 {
		t.Errorf("expected 5 sessions per user, got %d", cfg.MaxSessionsPerUser)
	}
	if cfg.MaxSessionsPerTenant != 1000 {
		t.Errorf("expected 1000 sessions per tenant, got %d", cfg.MaxSessionsPerTenant)
	}
	if cfg.FrameRateLimit != 100 {
		t.Errorf("expected frame rate limit 100, got %d", cfg.FrameRateLimit)
	}
	if cfg.FrameRateWindow != 60*time.Second {
		t.Errorf("expected 60s frame window, got %v", cfg.FrameRateWindow)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.RedisEnabled {
		t.Error("redis should be disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "override-secret")
	t.Setenv("MAX_SESSIONS_PER_USER", "3")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env production, got %s", cfg.Env)
	}
	if cfg.JWTSecret != "override-secret" {
		t.Errorf("expected overridden secret, got %s", cfg.JWTSecret)
	}
	if cfg.MaxSessionsPerUser != 3 {
		t.Errorf("expected 3 sessions per user, got %d", cfg.MaxSessionsPerUser)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected 10s heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
	if !cfg.RedisEnabled {
		t.Error("redis should be enabled")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("HEARTBEAT_TIMEOUT", "five minutes")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid HEARTBEAT_TIMEOUT")
	}
}
