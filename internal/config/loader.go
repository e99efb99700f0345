// Package config provides centralized configuration management for marketsync.
// Layers are merged in order:
// Layer 1: built-in defaults
// Layer 2: user YAML file (--config or XDG paths), read with viper
// Layer 3: MARKETSYNC_* environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/marketsync/marketsync/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex

	// configFile is an explicit user config path set by --config.
	configFile string
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins the user config file. An empty path restores XDG discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration from defaults, the user file, environment
// variables, and runtime overrides, in increasing precedence.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := Defaults()

	userLayer, err := readUserFile()
	if err != nil {
		return nil, err
	}
	deepMerge(merged, userLayer)

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	deepMerge(merged, envOverrides)

	for _, override := range runtimeOverrides {
		deepMerge(merged, override)
	}

	// Unmarshal into typed config struct
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Store.Driver == "libsql" && strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "libsql":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be libsql or postgres, got %q", c.Store.Driver))
	}
	if c.Rates.PenaltyFactor <= 0 || c.Rates.PenaltyFactor > 1 {
		errs = append(errs, fmt.Errorf("rates.penalty_factor must be in (0, 1], got %v", c.Rates.PenaltyFactor))
	}
	if c.Concurrency.Global < 1 {
		errs = append(errs, errors.New("concurrency.global must be at least 1"))
	}
	if c.Cycle.Workers < 1 {
		errs = append(errs, errors.New("cycle.workers must be at least 1"))
	}
	if c.Cycle.ChunkSize < 1 {
		errs = append(errs, errors.New("cycle.chunk_size must be at least 1"))
	}
	if c.Cycle.SettleWait < 0 {
		errs = append(errs, errors.New("cycle.settle_wait must not be negative"))
	}
	for name, max := range c.Rates.Categories {
		if max < 1 {
			errs = append(errs, fmt.Errorf("rates.categories.%s must be at least 1", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// readUserFile returns the first user config layer found, or an empty map.
// An explicit --config path must exist.
func readUserFile() (map[string]any, error) {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	path := explicit
	if path == "" {
		for _, candidate := range getUserConfigPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return map[string]any{}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return v.AllSettings(), nil
}

// getUserConfigPaths returns the list of user config file paths to check
// Uses gofulmen/config for XDG-compliant path discovery
func getUserConfigPaths() []string {
	return gfconfig.GetAppConfigPaths(appid.ConfigName)
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := appid.EnvPrefix

	return []EnvVarSpec{
		// Marketplace
		{Name: prefix + "BASE_URL", Path: []string{"marketplace", "base_url"}, Type: EnvString},
		{Name: prefix + "TOKEN", Path: []string{"marketplace", "token"}, Type: EnvString},
		{Name: prefix + "USER_AGENT", Path: []string{"marketplace", "user_agent"}, Type: EnvString},
		{Name: prefix + "ACCEPT_LANGUAGE", Path: []string{"marketplace", "accept_language"}, Type: EnvString},
		{Name: prefix + "PROXY_URL", Path: []string{"marketplace", "proxy_url"}, Type: EnvString},

		// Upstream timeouts; durations are parsed by the mapstructure hook
		{Name: prefix + "CONNECT_TIMEOUT", Path: []string{"timeouts", "connect"}, Type: EnvString},
		{Name: prefix + "REQUEST_READ_TIMEOUT", Path: []string{"timeouts", "read"}, Type: EnvString},
		{Name: prefix + "TOTAL_TIMEOUT", Path: []string{"timeouts", "total"}, Type: EnvString},

		// Rate limiting and resilience
		{Name: prefix + "RATE_WINDOW", Path: []string{"rates", "window"}, Type: EnvString},
		{Name: prefix + "RATE_PENALTY_FACTOR", Path: []string{"rates", "penalty_factor"}, Type: EnvString},
		{Name: prefix + "RATE_SAFETY_MARGIN", Path: []string{"rates", "safety_margin"}, Type: EnvString},
		{Name: prefix + "BREAKER_FAIL_THRESHOLD", Path: []string{"breaker", "fail_threshold"}, Type: EnvInt},
		{Name: prefix + "BREAKER_COOLDOWN", Path: []string{"breaker", "cooldown"}, Type: EnvString},
		{Name: prefix + "RETRY_BASE", Path: []string{"retry", "base"}, Type: EnvString},
		{Name: prefix + "RETRY_MAX", Path: []string{"retry", "max"}, Type: EnvString},
		{Name: prefix + "GLOBAL_CONCURRENCY", Path: []string{"concurrency", "global"}, Type: EnvInt},
		{Name: prefix + "TRACKER_FLUSH_INTERVAL", Path: []string{"tracker", "flush_interval"}, Type: EnvString},

		// Cycle
		{Name: prefix + "SETTLE_WAIT", Path: []string{"cycle", "settle_wait"}, Type: EnvString},
		{Name: prefix + "WORKERS", Path: []string{"cycle", "workers"}, Type: EnvInt},
		{Name: prefix + "CHUNK_SIZE", Path: []string{"cycle", "chunk_size"}, Type: EnvInt},
		{Name: prefix + "ABORT_ON_FIRST_FAILURE", Path: []string{"cycle", "abort_on_first_failure"}, Type: EnvBool},
		{Name: prefix + "FALLBACK_PRICE", Path: []string{"cycle", "fallback_price"}, Type: EnvString},
		{Name: prefix + "CURRENCY", Path: []string{"cycle", "currency"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},
		{Name: prefix + "DB_DSN", Path: []string{"store", "dsn"}, Type: EnvString},
		{Name: prefix + "DB_MAX_CONNS", Path: []string{"store", "max_conns"}, Type: EnvInt},

		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appid.ConfigName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(appid.ConfigName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + appid.BinaryName + ".db"
	}
	return filepath.Join(dataDir, appid.BinaryName+".db")
}

// deepMerge copies src into dst, recursing into nested maps. Keys are
// lowercased so viper output and env specs line up.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		key = strings.ToLower(key)
		if nested, ok := asMap(value); ok {
			target := ensureMap(dst, key)
			deepMerge(target, nested)
			continue
		}
		dst[key] = value
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if parent == nil {
		return map[string]any{}
	}
	if existing, ok := parent[key]; ok {
		if typed, ok := existing.(map[string]any); ok {
			return typed
		}
	}
	next := map[string]any{}
	parent[key] = next
	return next
}
