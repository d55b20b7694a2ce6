// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the service. All durations accept the Go
// duration syntax (e.g. "15m", "168h").
type Config struct {
	Addr      string `env:"SENTRA_ADDR" envDefault:":8080"`
	PGDSN     string `env:"SENTRA_PG_DSN"`
	RedisAddr string `env:"SENTRA_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"SENTRA_REDIS_DB" envDefault:"0"`

	TokenSecret string `env:"SENTRA_TOKEN_SECRET"`
	TokenIssuer string `env:"SENTRA_TOKEN_ISSUER" envDefault:"sentra"`

	AccessTTL     time.Duration `env:"SENTRA_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"SENTRA_REFRESH_TTL" envDefault:"168h"`
	ChallengeTTL  time.Duration `env:"SENTRA_CHALLENGE_TTL" envDefault:"5m"`
	MaxAttempts   int           `env:"SENTRA_CHALLENGE_MAX_ATTEMPTS" envDefault:"3"`
	RateWindow    time.Duration `env:"SENTRA_RATE_WINDOW" envDefault:"60s"`
	SweepInterval time.Duration `env:"SENTRA_SWEEP_INTERVAL" envDefault:"10m"`

	HTTPRateLimit float64 `env:"SENTRA_HTTP_RATE_LIMIT" envDefault:"50"`
	HTTPRateBurst int     `env:"SENTRA_HTTP_RATE_BURST" envDefault:"100"`
}

// Load parses the environment and validates the required settings.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PGDSN == "" {
		return nil, errors.New("config: SENTRA_PG_DSN is required")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("config: SENTRA_TOKEN_SECRET is required")
	}
	return &cfg, nil
}
