package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	// Backend is "memory" (default), "redis" or "none".
	Backend string
	TTL     time.Duration

	// SweepInterval is how often the memory backend purges expired entries.
	SweepInterval time.Duration

	Prefix    string
	RedisAddr string
}

func (c Config) WithDefaults() Config {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Prefix == "" {
		c.Prefix = "erpy"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	return c
}

func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "redis", "none":
		return nil
	}
	return fmt.Errorf("cache: unknown backend %q", c.Backend)
}

// NewSummaryCache builds the configured cache wrapped with logging. It
// returns nil for the "none" backend. redisClient is only used by "redis".
func NewSummaryCache(cfg Config, redisClient *redis.Client) SummaryCache {
	switch cfg.Backend {
	case "none":
		return nil
	case "redis":
		return NewLoggingSummaryCache(NewRedisSummaryCache(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		}))
	default:
		return NewLoggingSummaryCache(NewMemorySummaryCache(cfg.SweepInterval))
	}
}
