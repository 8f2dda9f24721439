// Package config loads the service's environment-driven settings
// once at startup into an immutable record, rather than consulting
// the environment from inside request or event handling code.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// StorageType selects the Message Store / Log Store / Stats Service
// backend.
type StorageType string

const (
	StorageKV    StorageType = "KV"
	StorageTurso StorageType = "TURSO"
)

// Config is every environment-recognized option, plus the ambient
// operational knobs the reference binary needs to actually run.
type Config struct {
	AuthToken        string      `env:"AUTH_TOKEN"`
	StorageType      StorageType `env:"STORAGE_TYPE" envDefault:"TURSO"`
	TursoDBURL       string      `env:"TURSO_DB_URL" envDefault:":memory:"`
	TursoDBAuthToken string      `env:"TURSO_DB_AUTH_TOKEN"`
	EnableLogs       bool        `env:"ENABLE_LOGS" envDefault:"false"`

	Addr     string `env:"ADDR" envDefault:":8080"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	RetryPollInterval time.Duration `env:"RETRY_POLL_INTERVAL" envDefault:"1s"`
	ActivatorCron     string        `env:"ACTIVATOR_CRON" envDefault:"0 0 * * *"`
}

// Load reads environment variables into a Config. A missing
// AUTH_TOKEN is filled with a random value, logged once by the
// caller, never regenerated afterward.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.AuthToken == "" {
		token, err := randomToken()
		if err != nil {
			return Config{}, fmt.Errorf("generating auth token: %w", err)
		}
		cfg.AuthToken = token
	}
	return cfg, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
