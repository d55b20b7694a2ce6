package config

import (
	"testing"
	"time"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("SENTRA_PG_DSN", "")
	t.Setenv("SENTRA_TOKEN_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without SENTRA_PG_DSN")
	}

	t.Setenv("SENTRA_PG_DSN", "postgres://localhost/sentra")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without SENTRA_TOKEN_SECRET")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SENTRA_PG_DSN", "postgres://localhost/sentra")
	t.Setenv("SENTRA_TOKEN_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %q", cfg.Addr)
	}
	if cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 168*time.Hour {
		t.Fatalf("unexpected TTLs: %v %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.MaxAttempts != 3 || cfg.RateWindow != time.Minute {
		t.Fatalf("unexpected challenge settings: %d %v", cfg.MaxAttempts, cfg.RateWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SENTRA_PG_DSN", "postgres://localhost/sentra")
	t.Setenv("SENTRA_TOKEN_SECRET", "secret")
	t.Setenv("SENTRA_ACCESS_TTL", "30m")
	t.Setenv("SENTRA_CHALLENGE_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTTL != 30*time.Minute || cfg.MaxAttempts != 5 {
		t.Fatalf("overrides not applied: %v %d", cfg.AccessTTL, cfg.MaxAttempts)
	}
}
