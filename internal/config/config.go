package config

import (
	"time"
)

// Config represents the complete application configuration. Values are
// layered: built-in defaults, the user config file, environment variables,
// then runtime overrides.
type Config struct {
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Rates       RatesConfig       `mapstructure:"rates"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Cycle       CycleConfig       `mapstructure:"cycle"`
	Store       StoreConfig       `mapstructure:"store"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
}

// MarketplaceConfig identifies the upstream seller API and our client.
type MarketplaceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	UserAgent      string `mapstructure:"user_agent"`
	AcceptLanguage string `mapstructure:"accept_language"`
	ProxyURL       string `mapstructure:"proxy_url"`
}

// TimeoutsConfig bounds each upstream HTTP call.
type TimeoutsConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Read    time.Duration `mapstructure:"read"`
	Total   time.Duration `mapstructure:"total"`
}

// RatesConfig sizes the per-category token buckets.
type RatesConfig struct {
	Window         time.Duration  `mapstructure:"window"`
	PenaltyFactor  float64        `mapstructure:"penalty_factor"`
	RecoverAfterOK int            `mapstructure:"recover_after_ok"`
	SafetyMargin   float64        `mapstructure:"safety_margin"`
	Categories     map[string]int `mapstructure:"categories"`
}

// BreakerConfig configures every category's circuit breaker.
type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// RetryConfig is the requester's backoff policy.
type RetryConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

// ConcurrencyConfig caps in-flight upstream requests across categories.
type ConcurrencyConfig struct {
	Global int `mapstructure:"global"`
}

// TrackerConfig controls learning snapshot flushes.
type TrackerConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// CycleConfig tunes activation cycles and quantity mutations.
type CycleConfig struct {
	SettleWait          time.Duration `mapstructure:"settle_wait"`
	Workers             int           `mapstructure:"workers"`
	ChunkSize           int           `mapstructure:"chunk_size"`
	AbortOnFirstFailure bool          `mapstructure:"abort_on_first_failure"`
	MutationMaxAttempts int           `mapstructure:"mutation_max_attempts"`
	FallbackPrice       string        `mapstructure:"fallback_price"`
	Currency            string        `mapstructure:"currency"`
}

// StoreConfig selects the persistence backend. libsql is the primary store;
// postgres is a sink for snapshots and listings.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
	MaxConns  int    `mapstructure:"max_conns"`
	BatchSize int    `mapstructure:"batch_size"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level: SIMPLE or STRUCTURED.
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus exporter port. The main HTTP port
	// proxies it at /metrics.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
