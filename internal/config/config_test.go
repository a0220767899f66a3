package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "https://api.example.com")
	configViper.Set("credentials.path", "/tmp/token")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != "127.0.0.1:7315" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "lodestar.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.SyncInterval != 10*time.Second {
		t.Fatalf("unexpected sync interval %v", cfg.SyncInterval)
	}
	if cfg.OpDelay != 50*time.Millisecond {
		t.Fatalf("unexpected op delay %v", cfg.OpDelay)
	}
	if cfg.DependencyGrace != 2*time.Minute {
		t.Fatalf("unexpected dependency grace %v", cfg.DependencyGrace)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("unexpected max retries %d", cfg.MaxRetries)
	}
}

func TestLoadRequiresAPIBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("credentials.path", "/tmp/token")

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "api.base_url") {
		t.Fatalf("expected api.base_url error, got %v", err)
	}
}

func TestLoadRequiresCredentialsPath(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "https://api.example.com")

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "credentials.path") {
		t.Fatalf("expected credentials.path error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveInterval(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "https://api.example.com")
	configViper.Set("credentials.path", "/tmp/token")
	configViper.Set("sync.interval_seconds", 0)

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "sync.interval_seconds") {
		t.Fatalf("expected interval error, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "https://api.example.com")
	configViper.Set("credentials.path", "/tmp/token")
	configViper.Set("http.address", "127.0.0.1:9000")
	configViper.Set("sync.interval_seconds", 30)
	configViper.Set("ui.origin", "http://localhost:3000")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("unexpected sync interval %v", cfg.SyncInterval)
	}
	if cfg.UIOrigin != "http://localhost:3000" {
		t.Fatalf("unexpected ui origin %q", cfg.UIOrigin)
	}
}
