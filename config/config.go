// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Guide   GuideConfig   `yaml:"guide"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Cache   CacheConfig   `yaml:"cache"`
	HTTP    HTTPConfig    `yaml:"http"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingConfig `yaml:"logging"`
}

// GuideConfig describes the lineup and the span of guide data to acquire
type GuideConfig struct {
	// Days is the number of days of guide data, 1 to 14.
	Days int `yaml:"days"`
	// RefreshHours is the refresh window in hours, 0 to 168. 0 reuses every
	// cached block.
	RefreshHours int `yaml:"refresh_hours"`

	LineupID    string `yaml:"lineup_id"`
	Country     string `yaml:"country"`
	PostalCode  string `yaml:"postal_code"`
	AffiliateID string `yaml:"affiliate_id"`

	GridURL    string `yaml:"grid_url"`
	DetailsURL string `yaml:"details_url"`

	// FetchEntities enables the second pass that acquires series details.
	FetchEntities bool `yaml:"fetch_entities"`
}

// FetchConfig holds acquisition tuning
type FetchConfig struct {
	// Strategy names a preset: conservative, balanced or aggressive.
	Strategy string `yaml:"strategy"`
	// Workers overrides the preset's maximum pool size when non-zero.
	Workers int `yaml:"workers"`
	// RateLimit overrides the preset's requests per second when non-zero.
	RateLimit float64 `yaml:"rate_limit"`
	// Adaptive enables the adaptive controllers.
	Adaptive bool `yaml:"adaptive"`
	// Timeout bounds one acquisition call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts is the number of attempts per key, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	UserAgents []string `yaml:"user_agents"`
	// RotateEvery switches user agent after that many requests.
	RotateEvery int `yaml:"rotate_every"`
}

// CacheConfig holds cache backend configuration
type CacheConfig struct {
	// Backend is "file" or "redis".
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	// Codec is gzip, br or identity.
	Codec string `yaml:"codec"`

	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`

	// RetentionDays is the retention horizon. It must cover Guide.Days.
	RetentionDays int `yaml:"retention_days"`
	// PruneEntities removes series details no longer referenced by the guide.
	PruneEntities bool `yaml:"prune_entities"`
}

// HTTPConfig holds upstream HTTP client settings
type HTTPConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// MonitorConfig holds the optional stats endpoint settings
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// MetricsFile receives the final stats snapshot as JSON on shutdown.
	// Empty disables it. Independent of Enabled.
	MetricsFile string `yaml:"metrics_file"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	// Format is auto, json, tint or pretty.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config
	// Source is the YAML file that was read, empty when none was found.
	Source string
}

// DefaultConfigFile is read when Load is given no path.
const DefaultConfigFile = "config.yaml"

// Load reads configuration from an optional YAML file, .env and the
// environment, in increasing order of precedence, and validates the result.
func Load(path string) (*LoadResult, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := buildDefaultConfig()
	result := &LoadResult{Config: cfg}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		result.Source = path
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Guide: GuideConfig{
			Days:          1,
			RefreshHours:  48,
			Country:       "USA",
			AffiliateID:   "orbebb",
			GridURL:       "http://tvlistings.gracenote.com/api/grid",
			DetailsURL:    "https://tvlistings.gracenote.com/api/program/overviewDetails",
			FetchEntities: true,
		},
		Fetch: FetchConfig{
			Strategy:    "balanced",
			Adaptive:    true,
			Timeout:     30 * time.Minute,
			MaxAttempts: 4,
			RotateEvery: 25,
		},
		Cache: CacheConfig{
			Backend:       "file",
			Dir:           "cache",
			Codec:         "gzip",
			RedisPrefix:   "guidefetch",
			RetentionDays: 14,
			PruneEntities: true,
		},
		HTTP: HTTPConfig{
			Timeout:               15 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Port:    9989,
		},
		Logging: LoggingConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders. A variable
// that is unset or empty takes its default; without a default the
// placeholder is kept as is.
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

// applyEnvOverrides applies GUIDEFETCH_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
			return
		}
		*dst = n
	}
	float := func(name string, dst *float64) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
			return
		}
		*dst = f
	}
	boolean := func(name string, dst *bool) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
			return
		}
		*dst = b
	}
	duration := func(name string, dst *time.Duration) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
			return
		}
		*dst = d
	}

	integer("GUIDEFETCH_DAYS", &cfg.Guide.Days)
	integer("GUIDEFETCH_REFRESH_HOURS", &cfg.Guide.RefreshHours)
	str("GUIDEFETCH_LINEUP_ID", &cfg.Guide.LineupID)
	str("GUIDEFETCH_COUNTRY", &cfg.Guide.Country)
	str("GUIDEFETCH_POSTAL_CODE", &cfg.Guide.PostalCode)
	str("GUIDEFETCH_GRID_URL", &cfg.Guide.GridURL)
	str("GUIDEFETCH_DETAILS_URL", &cfg.Guide.DetailsURL)
	boolean("GUIDEFETCH_FETCH_ENTITIES", &cfg.Guide.FetchEntities)

	str("GUIDEFETCH_STRATEGY", &cfg.Fetch.Strategy)
	integer("GUIDEFETCH_WORKERS", &cfg.Fetch.Workers)
	float("GUIDEFETCH_RATE_LIMIT", &cfg.Fetch.RateLimit)
	boolean("GUIDEFETCH_ADAPTIVE", &cfg.Fetch.Adaptive)
	duration("GUIDEFETCH_TIMEOUT", &cfg.Fetch.Timeout)
	integer("GUIDEFETCH_MAX_ATTEMPTS", &cfg.Fetch.MaxAttempts)

	str("GUIDEFETCH_CACHE_BACKEND", &cfg.Cache.Backend)
	str("GUIDEFETCH_CACHE_DIR", &cfg.Cache.Dir)
	str("GUIDEFETCH_CACHE_CODEC", &cfg.Cache.Codec)
	str("REDIS_URL", &cfg.Cache.RedisURL)
	str("GUIDEFETCH_REDIS_URL", &cfg.Cache.RedisURL)
	integer("GUIDEFETCH_RETENTION_DAYS", &cfg.Cache.RetentionDays)
	boolean("GUIDEFETCH_PRUNE_ENTITIES", &cfg.Cache.PruneEntities)

	duration("GUIDEFETCH_HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	duration("GUIDEFETCH_HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	boolean("GUIDEFETCH_MONITOR_ENABLED", &cfg.Monitor.Enabled)
	integer("GUIDEFETCH_MONITOR_PORT", &cfg.Monitor.Port)
	str("GUIDEFETCH_METRICS_FILE", &cfg.Monitor.MetricsFile)

	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Guide.Days < 1 || c.Guide.Days > 14 {
		errs = append(errs, fmt.Errorf("guide.days must be 1-14, got %d", c.Guide.Days))
	}
	if c.Guide.RefreshHours < 0 || c.Guide.RefreshHours > 168 {
		errs = append(errs, fmt.Errorf("guide.refresh_hours must be 0-168, got %d", c.Guide.RefreshHours))
	}
	if _, ok := presets[c.Fetch.Strategy]; !ok {
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Fetch.Strategy))
	}
	if c.Fetch.Workers != 0 && (c.Fetch.Workers < MinWorkers || c.Fetch.Workers > MaxWorkers) {
		errs = append(errs, fmt.Errorf("fetch.workers must be %d-%d, got %d", MinWorkers, MaxWorkers, c.Fetch.Workers))
	}
	if c.Fetch.RateLimit != 0 && (c.Fetch.RateLimit < MinRate || c.Fetch.RateLimit > MaxRate) {
		errs = append(errs, fmt.Errorf("fetch.rate_limit must be %.1f-%.1f, got %v", MinRate, MaxRate, c.Fetch.RateLimit))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be at least 1, got %d", c.Fetch.MaxAttempts))
	}
	switch c.Cache.Backend {
	case "file":
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required for the file backend"))
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.RetentionDays < c.Guide.Days {
		errs = append(errs, fmt.Errorf("cache.retention_days (%d) must cover guide.days (%d)", c.Cache.RetentionDays, c.Guide.Days))
	}
	if c.Cache.RetentionDays*24 < c.Guide.RefreshHours {
		errs = append(errs, fmt.Errorf("cache.retention_days (%d) must cover guide.refresh_hours (%d)", c.Cache.RetentionDays, c.Guide.RefreshHours))
	}
	if c.Monitor.Enabled && (c.Monitor.Port < 1 || c.Monitor.Port > 65535) {
		errs = append(errs, fmt.Errorf("monitor.port out of range: %d", c.Monitor.Port))
	}

	return errors.Join(errs...)
}
