// Package svcconfig loads the daemon's service-level configuration
// (connector, storage backend, table-lock mode, logging, diagnostics
// listener) from a YAML file with environment-variable overrides.
package svcconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vitaliisemenov/spsync/internal/storage"
)

// Config is the top-level service configuration.
type Config struct {
	AppId      string           `mapstructure:"app_id"`
	Connector  ConnectorConfig  `mapstructure:"connector"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Lock       LockConfig       `mapstructure:"lock"`
	Log        LogConfig        `mapstructure:"log"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Run        RunConfig        `mapstructure:"run"`
}

// ConnectorConfig addresses the external remote connector; the connector
// implementation itself lives outside this module.
type ConnectorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects and configures the Local Store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "sqlite", "postgres", "flatfile"
	Path    string `mapstructure:"path"`    // sqlite file path / flatfile document path
	DSN     string `mapstructure:"dsn"`     // postgres connection string
}

// LockMode selects the TableLock implementation.
type LockMode string

const (
	LockModeInProcess LockMode = "in_process"
	LockModeRedis     LockMode = "redis"
)

// LockConfig configures per-entity table locking.
type LockConfig struct {
	Mode           LockMode      `mapstructure:"mode"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	TTL            time.Duration `mapstructure:"ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// LogConfig mirrors internal/logging.Config for viper binding.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DiagnosticsConfig configures the read-only operational HTTP surface.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RunConfig controls the `syncd run` daemon loop.
type RunConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from configPath (if non-empty) and the
// environment, applying defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("SPSYNC")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app_id", "default")

	viper.SetDefault("connector.timeout", "100s")

	viper.SetDefault("storage.backend", storage.BackendSQLite)
	viper.SetDefault("storage.path", "./spsync.db")

	viper.SetDefault("lock.mode", string(LockModeInProcess))
	viper.SetDefault("lock.ttl", "30s")
	viper.SetDefault("lock.acquire_timeout", "5s")
	viper.SetDefault("lock.retry_interval", "100ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")

	viper.SetDefault("diagnostics.enabled", true)
	viper.SetDefault("diagnostics.addr", ":9090")

	viper.SetDefault("run.interval", "5m")
}

// Validate checks the config for internally-consistent values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case storage.BackendSQLite, storage.BackendFlatFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for backend %q", c.Storage.Backend)
		}
	case storage.BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Lock.Mode {
	case LockModeInProcess:
	case LockModeRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required when lock.mode is %q", LockModeRedis)
		}
	default:
		return fmt.Errorf("unknown lock mode %q", c.Lock.Mode)
	}

	if c.AppId == "" {
		return fmt.Errorf("app_id cannot be empty")
	}
	return nil
}
