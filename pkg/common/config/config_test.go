package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.VaultDriver != "sqlite" {
		t.Fatalf("expected sqlite vault by default, got %s", cfg.VaultDriver)
	}
	if cfg.SessionTimeout != 30*time.Minute {
		t.Fatalf("expected 30m session timeout, got %s", cfg.SessionTimeout)
	}
	if cfg.SessionBackend != "memory" {
		t.Fatalf("expected memory session backend, got %s", cfg.SessionBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "5m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("EVENTS_ENABLED", "true")
	t.Setenv("VAULT_DRIVER", "Postgres")

	cfg := Load()
	if cfg.SessionTimeout != 5*time.Minute {
		t.Fatalf("expected 5m, got %s", cfg.SessionTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if !cfg.EventsEnabled {
		t.Fatal("expected events enabled")
	}
	if cfg.VaultDriver != "postgres" {
		t.Fatalf("expected lowercased driver, got %s", cfg.VaultDriver)
	}
}
