// Package config provides configuration management for the kvpk server.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported index store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSqlite   = "sqlite"
)

// Config holds all configuration for the kvpk server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Limits      LimitsConfig      `mapstructure:"limits" yaml:"limits"`
	CORS        CORSConfig        `mapstructure:"cors" yaml:"cors"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// AuthConfig configures the upstream token verification service.
type AuthConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// Audience overrides the request hostname as the token audience.
	Audience string        `mapstructure:"audience" yaml:"audience"`
	Role     string        `mapstructure:"role" yaml:"role"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// CacheTTL caches successful verifications; zero disables the cache.
	CacheTTL  time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size"`
}

// StoreConfig selects and configures the index store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the database file (bolt, sqlite) or directory (pebble).
	Path        string        `mapstructure:"path" yaml:"path"`
	DSN         string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns    int32         `mapstructure:"max_conns" yaml:"max_conns"`
	Redis       RedisConfig   `mapstructure:"redis" yaml:"redis"`
	SyncWrites  bool          `mapstructure:"sync_writes" yaml:"sync_writes"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	// ScanPageSize is the number of keys fetched per cursor page.
	ScanPageSize int `mapstructure:"scan_page_size" yaml:"scan_page_size"`
	// CacheSize enables an LRU value cache of this many entries.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

// RedisConfig holds the redis backend connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"-"`
	DB        int    `mapstructure:"db" yaml:"db"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// EngineConfig tunes the KV engine.
type EngineConfig struct {
	FetchConcurrency int `mapstructure:"fetch_concurrency" yaml:"fetch_concurrency"`
}

// LimitsConfig holds key and value size limits.
type LimitsConfig struct {
	MaxKeyLength  int `mapstructure:"max_key_length" yaml:"max_key_length"`
	MaxValueBytes int `mapstructure:"max_value_bytes" yaml:"max_value_bytes"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxAge         int      `mapstructure:"max_age" yaml:"max_age"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kvpk/")
	}

	// KVPK_STORE_BACKEND overrides store.backend, etc.
	v.SetEnvPrefix("KVPK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// defaults are all well-typed; Unmarshal cannot fail
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 4<<20)

	// Auth defaults
	v.SetDefault("auth.url", "https://pfpk.daodao.zone/auth")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.role", "admin")
	v.SetDefault("auth.timeout", "10s")
	v.SetDefault("auth.cache_ttl", "0s")
	v.SetDefault("auth.cache_size", 10000)

	// Store defaults
	v.SetDefault("store.backend", BackendBolt)
	v.SetDefault("store.path", "data/kvpk.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.namespace", "kvpk")
	v.SetDefault("store.sync_writes", true)
	v.SetDefault("store.open_timeout", "5s")
	v.SetDefault("store.scan_page_size", 1000)
	v.SetDefault("store.cache_size", 0)

	// Engine defaults
	v.SetDefault("engine.fetch_concurrency", 16)

	// Limit defaults
	v.SetDefault("limits.max_key_length", 256)
	v.SetDefault("limits.max_value_bytes", 100_000)

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.max_age", 3600)

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server max body bytes must be positive")
	}

	if _, err := url.ParseRequestURI(c.Auth.URL); err != nil {
		return fmt.Errorf("invalid auth url %q: %w", c.Auth.URL, err)
	}

	if c.Auth.Timeout <= 0 {
		return fmt.Errorf("auth timeout must be positive")
	}

	if c.Auth.CacheTTL < 0 {
		return fmt.Errorf("auth cache ttl must not be negative")
	}

	if c.Auth.CacheTTL > 0 && c.Auth.CacheSize <= 0 {
		return fmt.Errorf("auth cache size must be positive when the cache is enabled")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendBolt, BackendPebble, BackendSqlite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the %s backend", c.Store.Backend)
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.Store.ScanPageSize <= 0 {
		return fmt.Errorf("store scan page size must be positive")
	}

	if c.Store.CacheSize < 0 {
		return fmt.Errorf("store cache size must not be negative")
	}

	if c.Engine.FetchConcurrency <= 0 {
		return fmt.Errorf("engine fetch concurrency must be positive")
	}

	if c.Limits.MaxKeyLength <= 0 || c.Limits.MaxValueBytes <= 0 {
		return fmt.Errorf("limits must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics port must differ from server port")
		}
	}

	return nil
}
