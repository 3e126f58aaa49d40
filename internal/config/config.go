// Package config loads service configuration from an optional YAML file,
// defaults and ANOMALY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anomaly-service/internal/logging"
)

// EnvPrefix prefixes every environment override: server.addr is read from
// ANOMALY_SERVER_ADDR.
const EnvPrefix = "ANOMALY"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Store    StoreConfig    `mapstructure:"store"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	History  HistoryConfig  `mapstructure:"history"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Logging  logging.Config `mapstructure:"logging"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	PoolSize       int    `mapstructure:"pool_size"`
	ConnectRetries int    `mapstructure:"connect_retries"`
}

type StoreConfig struct {
	// Backend is memory, redis or postgres
	Backend string `mapstructure:"backend"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Size   int `mapstructure:"size"`
	Shards int `mapstructure:"shards"`
}

type AnalyzerConfig struct {
	Workers    int `mapstructure:"workers"`
	BufferSize int `mapstructure:"buffer_size"`
	MinSamples int `mapstructure:"min_samples"`
}

type AlertsConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	BatchLimit  int           `mapstructure:"batch_limit"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.connect_retries", 5)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("postgres.dsn", "")

	v.SetDefault("history.size", 100)
	v.SetDefault("history.shards", 32)

	v.SetDefault("analyzer.workers", 4)
	v.SetDefault("analyzer.buffer_size", 10000)
	v.SetDefault("analyzer.min_samples", 5)

	v.SetDefault("alerts.dedup_window", 5*time.Minute)
	v.SetDefault("alerts.batch_limit", 8)

	def := logging.DefaultConfig()
	v.SetDefault("logging.level", def.Level)
	v.SetDefault("logging.encoding", def.Encoding)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", def.MaxSizeMB)
	v.SetDefault("logging.max_backups", def.MaxBackups)
	v.SetDefault("logging.max_age_days", def.MaxAgeDays)
	v.SetDefault("logging.compress", def.Compress)

	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load reads configuration. path names a YAML file; when empty the
// ANOMALY_CONFIG variable is consulted, then ./config.yaml and
// /etc/anomaly-service/config.yaml. A missing file is not an error unless
// it was named explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/anomaly-service/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if !c.Redis.Enabled {
			return errors.New("store.backend redis requires redis.enabled")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("store.backend postgres requires postgres.dsn")
		}
	default:
		return fmt.Errorf("invalid store.backend %q: must be memory, redis or postgres", c.Store.Backend)
	}
	if c.History.Size <= 0 {
		return fmt.Errorf("history.size must be positive, got %d", c.History.Size)
	}
	if c.Alerts.DedupWindow < 0 {
		return fmt.Errorf("alerts.dedup_window must not be negative, got %s", c.Alerts.DedupWindow)
	}
	return nil
}
