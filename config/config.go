// Package config holds the daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/logging"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Engine      EngineConfig      `yaml:"engine"`
	Routing     RoutingConfig     `yaml:"routing"`
	Log         logging.Config    `yaml:"log"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// ReadTimeout bounds request headers. There is no write timeout:
	// subscriptions hold their connection open.
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type StoreConfig struct {
	Driver string       `yaml:"driver"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path        string `yaml:"path"`
	TablePrefix string `yaml:"table_prefix"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	RecordTTL time.Duration `yaml:"record_ttl"`
}

type SchedulerConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	BatchSize       int           `yaml:"batch_size"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	LocalTimers     bool          `yaml:"local_timers"`
	Timezone        string        `yaml:"timezone"`
}

type EngineConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	HookTimeout    time.Duration `yaml:"hook_timeout"`
	RouteTimeout   time.Duration `yaml:"route_timeout"`
	DefaultChannel string        `yaml:"default_channel"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   string        `yaml:"retry_backoff"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// RoutingConfig selects route sinks. Channels without a sink fall back to
// logging.
type RoutingConfig struct {
	Redis RedisRoutingConfig `yaml:"redis"`
}

type RedisRoutingConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Prefix   string   `yaml:"prefix"`
	MaxQueue int64    `yaml:"max_queue"`
	Channels []string `yaml:"channels"`
}

type DefinitionsConfig struct {
	Paths []string `yaml:"paths"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
	Runtime   bool   `yaml:"runtime"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			SQLite: SQLiteConfig{Path: "humanfn.db", TablePrefix: "humanfn_"},
			Redis:  RedisConfig{Addr: "localhost:6379", KeyPrefix: "humanfn:"},
		},
		Scheduler: SchedulerConfig{
			SweepInterval:   time.Second,
			BatchSize:       100,
			DeliveryTimeout: 30 * time.Second,
			LocalTimers:     true,
			Timezone:        "UTC",
		},
		Engine: EngineConfig{
			DefaultTimeout: humanfn.DefaultTimeout,
			HookTimeout:    30 * time.Second,
			RouteTimeout:   10 * time.Second,
			DefaultChannel: humanfn.DefaultChannel,
			MaxRetries:     humanfn.DefaultMaxRetries,
			RetryBackoff:   string(humanfn.BackoffExponential),
			RetryDelay:     humanfn.DefaultRetryDelay,
		},
		Routing: RoutingConfig{
			Redis: RedisRoutingConfig{Prefix: "humanfn:route:", MaxQueue: 1000},
		},
		Log: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "humanfn",
			Path:      "/metrics",
			Runtime:   true,
		},
	}
}

// Parse decodes YAML (or JSON) over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, errors.CategoryBadInput, "failed to parse config").
			WithTextCode("CONFIG_INVALID")
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// Load reads path; an empty path yields the validated defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		cfg.ApplyEnv(os.LookupEnv)
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), errors.Wrap(err, errors.CategoryBadInput, "failed to read config").
			WithTextCode("CONFIG_UNREADABLE").
			WithMetadata(map[string]any{"path": path})
	}
	return Parse(data)
}

// ApplyEnv overrides connection settings from HUMANFN_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup("HUMANFN_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("HUMANFN_STORE_DRIVER"); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := lookup("HUMANFN_SQLITE_PATH"); ok && v != "" {
		c.Store.SQLite.Path = v
	}
	if v, ok := lookup("HUMANFN_REDIS_ADDR"); ok && v != "" {
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup("HUMANFN_REDIS_PASSWORD"); ok {
		c.Store.Redis.Password = v
	}
	if v, ok := lookup("HUMANFN_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = errors.Join(errs, fmt.Errorf("server.addr required"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = errors.Join(errs, fmt.Errorf("server rate limit cannot be negative"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			errs = errors.Join(errs, fmt.Errorf("store.sqlite.path required"))
		}
	case StoreRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			errs = errors.Join(errs, fmt.Errorf("store.redis.addr required"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("scheduler.sweep_interval must be positive"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = errors.Join(errs, fmt.Errorf("scheduler.batch_size must be positive"))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = errors.Join(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if c.Engine.DefaultTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("engine.default_timeout must be positive"))
	}
	if c.Engine.MaxRetries < 0 || c.Engine.RetryDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf("engine retry settings cannot be negative"))
	}
	if !humanfn.IsValidBackoffStrategy(c.Engine.RetryBackoff) {
		errs = errors.Join(errs, fmt.Errorf("unknown engine.retry_backoff %q", c.Engine.RetryBackoff))
	}
	if err := c.Log.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = errors.Join(errs, fmt.Errorf("metrics.path must start with /"))
	}
	if errs != nil {
		return errors.Wrap(errs, errors.CategoryValidation, "invalid configuration").
			WithTextCode("CONFIG_INVALID")
	}
	return nil
}

// RetryPolicy returns the engine-wide retry defaults.
func (c EngineConfig) RetryPolicy() humanfn.RetryPolicy {
	return humanfn.RetryPolicy{
		MaxRetries: c.MaxRetries,
		Backoff:    humanfn.ParseBackoffStrategy(c.RetryBackoff),
		Delay:      c.RetryDelay,
	}
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
