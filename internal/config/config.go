package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string `env:"DB_PATH" envDefault:"marketflow.db"`

	// Empty RedisAddr selects the in-memory counter store; rate-limit
	// windows are loss-tolerant, but multi-replica deployments need Redis
	// for correct cross-replica limiting.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	Workers           int           `env:"WORKERS" envDefault:"8"`
	ScreenshotWorkers int           `env:"SCREENSHOT_WORKERS" envDefault:"2"`
	BulkSharePct      int           `env:"BULK_SHARE_PCT" envDefault:"10"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	LeaseDuration     time.Duration `env:"LEASE_DURATION" envDefault:"60s"`
	ReclaimInterval   time.Duration `env:"RECLAIM_INTERVAL" envDefault:"30s"`

	MaxPayloadBytes  int   `env:"MAX_PAYLOAD_BYTES" envDefault:"262144"`
	BudgetLimitCents int64 `env:"BUDGET_LIMIT_CENTS" envDefault:"50000"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}
