package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s" strings or bare seconds.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or an integer of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration. Values resolve in order: defaults,
// YAML file, environment variables, command-line flags.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Bus        BusConfig        `yaml:"bus"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Notify     NotifyConfig     `yaml:"notify"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Store      StoreConfig      `yaml:"store"`
	API        APIConfig        `yaml:"api"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// BusConfig selects and tunes the event-bus backend.
type BusConfig struct {
	Backend        string   `yaml:"backend" validate:"oneof=memory redis nats"`
	RedisURL       string   `yaml:"redis_url"`
	NATSURL        string   `yaml:"nats_url"`
	NATSStream     string   `yaml:"nats_stream"`
	ChannelPrefix  string   `yaml:"channel_prefix" validate:"required"`
	QueueSize      int      `yaml:"queue_size" validate:"gte=1"`
	PublishRetries int      `yaml:"publish_retries" validate:"gte=0"`
	RetryBase      Duration `yaml:"retry_base"`
	StreamMaxLen   int64    `yaml:"stream_max_len" validate:"gte=0"`
}

// ResilienceConfig tunes the middleware wrapping the bus.
type ResilienceConfig struct {
	FailureThreshold   int      `yaml:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout    Duration `yaml:"recovery_timeout"`
	HalfOpenMax        int      `yaml:"half_open_max" validate:"gte=1"`
	MaxPublishRetries  int      `yaml:"max_publish_retries" validate:"gte=1"`
	RetryBase          Duration `yaml:"retry_base"`
	DLQSize            int      `yaml:"dlq_size" validate:"gte=1"`
	HealthInterval     Duration `yaml:"health_interval"`
	DegradedDLQEntries int      `yaml:"degraded_dlq_entries" validate:"gte=1"`
}

// TasksConfig tunes the background task manager.
type TasksConfig struct {
	Workers    int `yaml:"workers" validate:"gte=1"`
	QueueSize  int `yaml:"queue_size" validate:"gte=1"`
	MaxHistory int `yaml:"max_history" validate:"gte=1"`
}

// AlertsConfig tunes the alert-rule engine.
type AlertsConfig struct {
	MaxHistory int `yaml:"max_history" validate:"gte=1"`
}

// NotifyConfig tunes webhook dispatch.
type NotifyConfig struct {
	DefaultTimeout    Duration `yaml:"default_timeout"`
	DefaultMaxRetries int      `yaml:"default_max_retries" validate:"gte=1"`
	HistorySize       int      `yaml:"history_size" validate:"gte=1"`
}

// RateLimitConfig tunes the rate-limiter service.
type RateLimitConfig struct {
	Enabled         bool     `yaml:"enabled"`
	DefaultRequests int      `yaml:"default_requests" validate:"gte=0"`
	DefaultWindow   Duration `yaml:"default_window"`
	DefaultBurst    int      `yaml:"default_burst" validate:"gte=0"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	MaxIdle         Duration `yaml:"max_idle"`
}

// StoreConfig selects the report persistence backend.
type StoreConfig struct {
	Backend   string   `yaml:"backend" validate:"oneof=memory bolt sql"`
	BoltPath  string   `yaml:"bolt_path"`
	SQLDriver string   `yaml:"sql_driver" validate:"omitempty,oneof=sqlite3 postgres"`
	SQLDSN    string   `yaml:"sql_dsn"`
	CacheSize int      `yaml:"cache_size" validate:"gte=0"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// APIConfig controls the HTTP adapter.
type APIConfig struct {
	Listen            string   `yaml:"listen" validate:"required"`
	Key               string   `yaml:"key"`
	KeyRole           string   `yaml:"key_role" validate:"oneof=viewer operator admin"`
	TokenSecret       string   `yaml:"token_secret"`
	TokenTTL          Duration `yaml:"token_ttl"`
	RefreshTTL        Duration `yaml:"refresh_ttl"`
	RBACEnforce       bool     `yaml:"rbac_enforce"`
	SlowThreshold     Duration `yaml:"slow_threshold"`
	RequestsPerSecond float64  `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int      `yaml:"burst" validate:"gte=0"`
}

// Default returns the configuration the daemon runs with when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", JSON: true},
		Bus: BusConfig{
			Backend:        "memory",
			RedisURL:       "redis://localhost:6379/0",
			NATSURL:        "nats://localhost:4222",
			NATSStream:     "SPIDERFOOT",
			ChannelPrefix:  "spiderfoot",
			QueueSize:      256,
			PublishRetries: 3,
			RetryBase:      Duration(100 * time.Millisecond),
			StreamMaxLen:   10000,
		},
		Resilience: ResilienceConfig{
			FailureThreshold:   5,
			RecoveryTimeout:    Duration(30 * time.Second),
			HalfOpenMax:        3,
			MaxPublishRetries:  3,
			RetryBase:          Duration(100 * time.Millisecond),
			DLQSize:            1000,
			HealthInterval:     Duration(15 * time.Second),
			DegradedDLQEntries: 100,
		},
		Tasks: TasksConfig{
			Workers:    4,
			QueueSize:  128,
			MaxHistory: 500,
		},
		Alerts: AlertsConfig{MaxHistory: 1000},
		Notify: NotifyConfig{
			DefaultTimeout:    Duration(10 * time.Second),
			DefaultMaxRetries: 3,
			HistorySize:       1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			DefaultRequests: 60,
			DefaultWindow:   Duration(time.Minute),
			DefaultBurst:    10,
			CleanupInterval: Duration(time.Hour),
			MaxIdle:         Duration(time.Hour),
		},
		Store: StoreConfig{
			Backend:   "memory",
			BoltPath:  "/var/lib/spiderfoot/fabric.db",
			SQLDriver: "sqlite3",
			CacheSize: 100,
			CacheTTL:  Duration(5 * time.Minute),
		},
		API: APIConfig{
			Listen:            ":8080",
			KeyRole:           "operator",
			TokenTTL:          Duration(15 * time.Minute),
			RefreshTTL:        Duration(720 * time.Hour),
			RBACEnforce:       false,
			SlowThreshold:     Duration(5 * time.Second),
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Load resolves configuration from an optional YAML file and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the enumerated environment inputs.
func (c *Config) applyEnv() error {
	if v := os.Getenv("SF_BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
	if v := os.Getenv("SF_REDIS_URL"); v != "" {
		c.Bus.RedisURL = v
	}
	if v := os.Getenv("SF_NATS_URL"); v != "" {
		c.Bus.NATSURL = v
	}
	if v := os.Getenv("SF_NATS_STREAM"); v != "" {
		c.Bus.NATSStream = v
	}
	if v := os.Getenv("SF_CHANNEL_PREFIX"); v != "" {
		c.Bus.ChannelPrefix = v
	}
	if v := os.Getenv("SF_API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("SF_API_KEY_ROLE"); v != "" {
		c.API.KeyRole = v
	}
	if v := os.Getenv("SF_JWT_SECRET"); v != "" {
		c.API.TokenSecret = v
	}
	if v := os.Getenv("SF_JWT_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SF_JWT_ACCESS_TTL: %w", err)
		}
		c.API.TokenTTL = Duration(d)
	}
	if v := os.Getenv("SF_JWT_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SF_JWT_REFRESH_TTL: %w", err)
		}
		c.API.RefreshTTL = Duration(d)
	}
	if v := os.Getenv("SF_RBAC_ENFORCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SF_RBAC_ENFORCE: %w", err)
		}
		c.API.RBACEnforce = b
	}
	if v := os.Getenv("SF_WEBHOOK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SF_WEBHOOK_TIMEOUT: %w", err)
		}
		c.Notify.DefaultTimeout = Duration(d)
	}
	if v := os.Getenv("SF_RATELIMIT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SF_RATELIMIT_ENABLED: %w", err)
		}
		c.RateLimit.Enabled = b
	}
	return nil
}

// Validate checks structural constraints on the resolved configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Backend == "sql" && c.Store.SQLDSN == "" {
		return fmt.Errorf("invalid configuration: store.sql_dsn required for sql backend")
	}
	if c.Store.Backend == "bolt" && c.Store.BoltPath == "" {
		return fmt.Errorf("invalid configuration: store.bolt_path required for bolt backend")
	}
	return nil
}
