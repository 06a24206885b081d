// Package config loads erpy's settings from a YAML file and ERPY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"erpy/internal/app"
	"erpy/internal/cache"
	"erpy/internal/dispatch"
	"erpy/pkg/logging/logging"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Log      LogConfig           `mapstructure:"log"`
	Cache    CacheConfig         `mapstructure:"cache"`
	LLM      app.LLMSettings     `mapstructure:"llm"`
	Models   ModelsConfig        `mapstructure:"models"`
	Autoload *dispatch.LoadModel `mapstructure:"autoload"`
	Sync     SyncConfig          `mapstructure:"sync"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Env        string `mapstructure:"env"`
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func (c LogConfig) Logging() logging.Config {
	return logging.Config{
		Env:        c.Env,
		Level:      c.Level,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Prefix        string        `mapstructure:"prefix"`
	RedisAddr     string        `mapstructure:"redis_addr"`
}

func (c CacheConfig) Cache() cache.Config {
	return cache.Config{
		Backend:       c.Backend,
		TTL:           c.TTL,
		SweepInterval: c.SweepInterval,
		Prefix:        c.Prefix,
		RedisAddr:     c.RedisAddr,
	}.WithDefaults()
}

type ModelsConfig struct {
	// Dir resolves relative embedded model file names.
	Dir string `mapstructure:"dir"`
	// Home is the directory whose caches are scanned for GGUF files.
	Home string `mapstructure:"home"`
}

type SyncConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	APIKey   string `mapstructure:"api_key"`
}

// Load reads path, or config.yaml from the user config dir or the working
// directory when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "erpy"))
		}
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("ERPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// names used by earlier sync-server deployments
	_ = v.BindEnv("sync.api_key", "ERPY_SYNC_API_KEY", "ERPY_API_KEY")
	_ = v.BindEnv("sync.addr", "ERPY_SYNC_ADDR", "ERPY_ADDR")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Sync.APIKey = expandEnv(cfg.Sync.APIKey)
	if cfg.Autoload != nil {
		cfg.Autoload.APIKey = expandEnv(cfg.Autoload.APIKey)
		if cfg.Autoload.Type == "" {
			cfg.Autoload = nil
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:4040")
	v.SetDefault("server.request_timeout", 2*time.Minute)
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.env", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)
	v.SetDefault("cache.prefix", "erpy")
	v.SetDefault("cache.redis_addr", "localhost:6379")

	v.SetDefault("models.dir", "")
	v.SetDefault("models.home", "")

	v.SetDefault("sync.addr", "127.0.0.1:4041")
	v.SetDefault("sync.database", "erpy-sync.db")
	v.SetDefault("sync.api_key", "")
}

func (c *Config) Validate() error {
	if err := c.Cache.Cache().Validate(); err != nil {
		return err
	}
	if c.Autoload != nil {
		if err := c.Autoload.Validate(); err != nil {
			return fmt.Errorf("config: autoload: %w", err)
		}
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}
