// Package config provides configuration management for the application.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (with ${VAR} and ${VAR:-default} expansion in scalar values), then
// environment variable overrides. A .env file in the working directory is
// loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LogConfig       `yaml:"logging"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Probe     ProbeConfig     `yaml:"probe"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Outcomes  OutcomesConfig  `yaml:"outcomes"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  []ChannelConfig `yaml:"channels"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`

	// MasterKey enables bearer authentication on the API when set.
	MasterKey string `yaml:"master_key"`

	// BodySizeLimit caps request bodies, e.g. "10M". Empty means the default.
	BodySizeLimit string `yaml:"body_size_limit"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, pretty; empty picks pretty on a terminal
}

// DispatchConfig bounds the failover loop.
type DispatchConfig struct {
	// MaxAttempts caps channels tried per request. 0 tries every eligible channel.
	MaxAttempts int `yaml:"max_attempts"`

	// AttemptTimeout bounds a single backend invocation, in seconds.
	AttemptTimeout int `yaml:"attempt_timeout"`
}

// EvaluatorConfig tunes channel health tracking.
type EvaluatorConfig struct {
	// FailureThreshold is the number of consecutive failures that excludes a channel.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown in seconds after which an excluded channel is offered again as a
	// last resort. 0 keeps it excluded until a probe succeeds.
	Cooldown int `yaml:"cooldown"`
}

// ProbeConfig controls background health probes.
type ProbeConfig struct {
	Interval int `yaml:"interval"` // seconds, 0 disables
	Timeout  int `yaml:"timeout"`  // seconds
}

// CacheConfig holds health snapshot cache configuration
type CacheConfig struct {
	// Type is "local", "redis" or "none".
	Type string `yaml:"type"`

	Local LocalCacheConfig `yaml:"local"`
	Redis RedisConfig      `yaml:"redis"`

	// SnapshotInterval in seconds between health snapshots. 0 saves only at shutdown.
	SnapshotInterval int `yaml:"snapshot_interval"`
}

// LocalCacheConfig holds the local file cache location.
type LocalCacheConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	TTL int    `yaml:"ttl"` // seconds
}

// StorageConfig holds the outcome log database configuration
type StorageConfig struct {
	// Type is "sqlite", "postgresql" or "mongodb".
	Type string `yaml:"type"`

	SQLite     SQLiteStorageConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLStorageConfig `yaml:"postgresql"`
	MongoDB    MongoDBStorageConfig    `yaml:"mongodb"`
}

// SQLiteStorageConfig holds SQLite-specific settings
type SQLiteStorageConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLStorageConfig holds PostgreSQL-specific settings
type PostgreSQLStorageConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBStorageConfig holds MongoDB-specific settings
type MongoDBStorageConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// OutcomesConfig controls the per-attempt outcome log.
type OutcomesConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"` // seconds
	RetentionDays int  `yaml:"retention_days"` // 0 keeps entries forever
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ChannelConfig declares one channel. Config is handed to the adapter
// factory untouched.
type ChannelConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Priority int            `yaml:"priority"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

// IsEnabled reports whether the channel takes traffic. Channels are enabled
// unless explicitly disabled.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config

	// Path is the YAML file that was read, empty when none was found.
	Path string
}

// defaultConfigPaths are searched when no path is given.
var defaultConfigPaths = []string{"config.yaml", "config/config.yaml"}

// Load reads configuration from defaults, the YAML file at path (or the
// ONEGATE_CONFIG environment variable, or a default location) and the
// environment, then validates it.
func Load(path string) (*LoadResult, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("ONEGATE_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = findConfigFile()
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &LoadResult{Config: cfg, Path: path}, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080"},
		Logging: LogConfig{Level: "info"},
		Dispatch: DispatchConfig{
			AttemptTimeout: 240,
		},
		Evaluator: EvaluatorConfig{FailureThreshold: 3},
		Probe:     ProbeConfig{Interval: 300, Timeout: 60},
		Cache: CacheConfig{
			Type:             "local",
			Local:            LocalCacheConfig{Path: "data/channel-health.json"},
			Redis:            RedisConfig{Key: "onegate:channel-health", TTL: 3600},
			SnapshotInterval: 60,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteStorageConfig{Path: "data/onegate.db"},
			PostgreSQL: PostgreSQLStorageConfig{MaxConns: 10},
			MongoDB:    MongoDBStorageConfig{Database: "onegate"},
		},
		Outcomes: OutcomesConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
	}
}

func findConfigFile() string {
	for _, p := range defaultConfigPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// loadFile decodes the YAML file over cfg, expanding environment
// placeholders in every scalar first.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if root.Kind == 0 {
		return nil
	}
	expandNode(&root)

	if err := root.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		n.Value = expandString(n.Value)
		return
	}
	for _, c := range n.Content {
		expandNode(c)
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A variable that is unset
// or empty takes the default when one is given; without a default the
// placeholder is left as is.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return m
	})
}

// envBindings maps environment variables to config fields. Targets are
// *string, *int or *bool.
var envBindings = []struct {
	key    string
	target func(*Config) any
}{
	{"PORT", func(c *Config) any { return &c.Server.Port }},
	{"ONEGATE_MASTER_KEY", func(c *Config) any { return &c.Server.MasterKey }},
	{"BODY_SIZE_LIMIT", func(c *Config) any { return &c.Server.BodySizeLimit }},
	{"LOG_LEVEL", func(c *Config) any { return &c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) any { return &c.Logging.Format }},
	{"DISPATCH_MAX_ATTEMPTS", func(c *Config) any { return &c.Dispatch.MaxAttempts }},
	{"DISPATCH_ATTEMPT_TIMEOUT", func(c *Config) any { return &c.Dispatch.AttemptTimeout }},
	{"EVALUATOR_FAILURE_THRESHOLD", func(c *Config) any { return &c.Evaluator.FailureThreshold }},
	{"EVALUATOR_COOLDOWN", func(c *Config) any { return &c.Evaluator.Cooldown }},
	{"PROBE_INTERVAL", func(c *Config) any { return &c.Probe.Interval }},
	{"PROBE_TIMEOUT", func(c *Config) any { return &c.Probe.Timeout }},
	{"CACHE_TYPE", func(c *Config) any { return &c.Cache.Type }},
	{"CACHE_LOCAL_PATH", func(c *Config) any { return &c.Cache.Local.Path }},
	{"CACHE_SNAPSHOT_INTERVAL", func(c *Config) any { return &c.Cache.SnapshotInterval }},
	{"REDIS_URL", func(c *Config) any { return &c.Cache.Redis.URL }},
	{"REDIS_KEY", func(c *Config) any { return &c.Cache.Redis.Key }},
	{"REDIS_TTL", func(c *Config) any { return &c.Cache.Redis.TTL }},
	{"STORAGE_TYPE", func(c *Config) any { return &c.Storage.Type }},
	{"SQLITE_PATH", func(c *Config) any { return &c.Storage.SQLite.Path }},
	{"POSTGRES_URL", func(c *Config) any { return &c.Storage.PostgreSQL.URL }},
	{"POSTGRES_MAX_CONNS", func(c *Config) any { return &c.Storage.PostgreSQL.MaxConns }},
	{"MONGODB_URL", func(c *Config) any { return &c.Storage.MongoDB.URL }},
	{"MONGODB_DATABASE", func(c *Config) any { return &c.Storage.MongoDB.Database }},
	{"OUTCOMES_ENABLED", func(c *Config) any { return &c.Outcomes.Enabled }},
	{"OUTCOMES_BUFFER_SIZE", func(c *Config) any { return &c.Outcomes.BufferSize }},
	{"OUTCOMES_FLUSH_INTERVAL", func(c *Config) any { return &c.Outcomes.FlushInterval }},
	{"OUTCOMES_RETENTION_DAYS", func(c *Config) any { return &c.Outcomes.RetentionDays }},
	{"METRICS_ENABLED", func(c *Config) any { return &c.Metrics.Enabled }},
	{"METRICS_ENDPOINT", func(c *Config) any { return &c.Metrics.Endpoint }},
}

// applyEnvOverrides sets every field whose environment variable is present
// and non-empty. Malformed numbers and booleans are reported together.
func applyEnvOverrides(cfg *Config) error {
	v := viper.New()
	v.AutomaticEnv()

	var errs []error
	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		raw := strings.TrimSpace(v.GetString(b.key))

		switch dst := b.target(cfg).(type) {
		case *string:
			*dst = raw
		case *int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", b.key, raw))
				continue
			}
			*dst = n
		case *bool:
			val, err := strconv.ParseBool(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", b.key, raw))
				continue
			}
			*dst = val
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Server.Port) == "" {
		add("server.port is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "pretty":
	default:
		add("logging.format: must be json or pretty, got %q", c.Logging.Format)
	}

	if c.Dispatch.MaxAttempts < 0 {
		add("dispatch.max_attempts must not be negative")
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		add("dispatch.attempt_timeout must be positive")
	}
	if c.Evaluator.FailureThreshold < 1 {
		add("evaluator.failure_threshold must be at least 1")
	}
	if c.Evaluator.Cooldown < 0 {
		add("evaluator.cooldown must not be negative")
	}
	if c.Probe.Interval < 0 {
		add("probe.interval must not be negative")
	}
	if c.Probe.Interval > 0 && c.Probe.Timeout <= 0 {
		add("probe.timeout must be positive when probing is enabled")
	}

	switch c.Cache.Type {
	case "", "local", "none":
	case "redis":
		if c.Cache.Redis.URL == "" {
			add("cache.redis.url is required for the redis cache")
		}
	default:
		add("cache.type: unknown type %q", c.Cache.Type)
	}

	if c.Outcomes.Enabled {
		switch c.Storage.Type {
		case "", "sqlite":
		case "postgresql":
			if c.Storage.PostgreSQL.URL == "" {
				add("storage.postgresql.url is required")
			}
		case "mongodb":
			if c.Storage.MongoDB.URL == "" {
				add("storage.mongodb.url is required")
			}
		default:
			add("storage.type: unknown type %q", c.Storage.Type)
		}
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			add("channels[%d]: name is required", i)
			continue
		}
		if seen[name] {
			add("channels[%d]: duplicate channel name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(ch.Type) == "" {
			add("channel %q: type is required", name)
		}
	}

	return errors.Join(errs...)
}
