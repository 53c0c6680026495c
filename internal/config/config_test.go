package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerID != "worker-1" {
		t.Fatalf("want worker-1, got %q", cfg.WorkerID)
	}
	if cfg.ListenAddr != ":8081" {
		t.Fatalf("want :8081, got %q", cfg.ListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("want auth mode none, got %q", cfg.AuthMode)
	}
	if cfg.ConnectionTimeout != 5*time.Minute {
		t.Fatalf("want 5m, got %s", cfg.ConnectionTimeout)
	}
	if cfg.DirectoryEnabled() {
		t.Fatalf("directory should be disabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WORKER_ID", "summarizer-1")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("SIGNING_KEY", "secret")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerID != "summarizer-1" {
		t.Fatalf("want summarizer-1, got %q", cfg.WorkerID)
	}
	if !cfg.DirectoryEnabled() {
		t.Fatalf("directory should be enabled")
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("want 10s, got %s", cfg.HeartbeatInterval)
	}
}

func TestValidateAuthModes(t *testing.T) {
	t.Setenv("AUTH_MODE", "api-key")
	if _, err := Load(); err == nil {
		t.Fatalf("api-key mode without API_VERIFY_URL should fail")
	}

	t.Setenv("API_VERIFY_URL", "https://api.example.com/api-keys/verify")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	t.Setenv("AUTH_MODE", "jwt")
	if _, err := Load(); err == nil {
		t.Fatalf("jwt mode without SIGNING_KEY should fail")
	}

	t.Setenv("AUTH_MODE", "cookie")
	if _, err := Load(); err == nil {
		t.Fatalf("unknown auth mode should fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("zero pool size should fail")
	}
}

func TestAdvertise(t *testing.T) {
	cfg := &Config{ListenAddr: ":8081"}
	if got := cfg.Advertise(); got != ":8081" {
		t.Fatalf("want :8081, got %q", got)
	}
	cfg.AdvertiseAddr = "10.0.0.5:8081"
	if got := cfg.Advertise(); got != "10.0.0.5:8081" {
		t.Fatalf("want advertise addr, got %q", got)
	}
}

func TestStringHidesSecrets(t *testing.T) {
	cfg := &Config{
		WorkerID:          "w",
		ListenAddr:        ":8081",
		AuthMode:          AuthModeJWT,
		SigningKey:        "super-secret",
		RedisPassword:     "hunter2",
		ConnectionTimeout: time.Minute,
		HeartbeatInterval: time.Second,
		WorkerPoolSize:    4,
		LogLevel:          "info",
	}
	s := cfg.String()
	if strings.Contains(s, "super-secret") || strings.Contains(s, "hunter2") {
		t.Fatalf("config string leaks secrets: %s", s)
	}
}
