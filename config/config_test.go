package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidefetch/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	result, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Empty(t, result.Source)
	assert.Equal(t, "balanced", result.Config.Fetch.Strategy)
	assert.Equal(t, "file", result.Config.Cache.Backend)
	assert.True(t, result.Config.Fetch.Adaptive)
}

func TestLoad_FromFileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
guide:
  days: ${TEST_GF_DAYS:-5}
  lineup_id: "USA-OTA92101"
  postal_code: "92101"
fetch:
  strategy: conservative
  timeout: 5m
cache:
  dir: "${TEST_GF_CACHE_DIR:-/var/cache/guidefetch}"
`)

	result, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := result.Config
	assert.Equal(t, path, result.Source)
	assert.Equal(t, 5, cfg.Guide.Days)
	assert.Equal(t, "USA-OTA92101", cfg.Guide.LineupID)
	assert.Equal(t, "conservative", cfg.Fetch.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Fetch.Timeout)
	assert.Equal(t, "/var/cache/guidefetch", cfg.Cache.Dir)
	// Untouched keys keep their defaults.
	assert.Equal(t, 48, cfg.Guide.RefreshHours)
	assert.Equal(t, 9989, cfg.Monitor.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
guide:
  days: 3
fetch:
  strategy: conservative
`)
	t.Setenv("GUIDEFETCH_DAYS", "7")
	t.Setenv("GUIDEFETCH_STRATEGY", "aggressive")

	result, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, result.Config.Guide.Days)
	assert.Equal(t, "aggressive", result.Config.Fetch.Strategy)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		_, err := Load(writeConfig(t, "guide: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		_, err := Load(writeConfig(t, "guide:\n  days: 30\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"days too high", func(c *Config) { c.Guide.Days = 15 }, true},
		{"refresh negative", func(c *Config) { c.Guide.RefreshHours = -1 }, true},
		{"refresh too high", func(c *Config) { c.Guide.RefreshHours = 169 }, true},
		{"refresh disabled", func(c *Config) { c.Guide.RefreshHours = 0 }, false},
		{"unknown strategy", func(c *Config) { c.Fetch.Strategy = "reckless" }, true},
		{"workers out of range", func(c *Config) { c.Fetch.Workers = 11 }, true},
		{"workers in range", func(c *Config) { c.Fetch.Workers = 10 }, false},
		{"rate too low", func(c *Config) { c.Fetch.RateLimit = 0.1 }, true},
		{"rate too high", func(c *Config) { c.Fetch.RateLimit = 25 }, true},
		{"redis without url", func(c *Config) { c.Cache.Backend = "redis" }, true},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "s3" }, true},
		{"retention shorter than span", func(c *Config) { c.Guide.Days = 10; c.Cache.RetentionDays = 7 }, true},
		{"zero attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_Presets(t *testing.T) {
	tests := []struct {
		strategy           string
		blockMin, blockMax int
		blockInit          int
		blockRate          float64
		entityMax          int
		entityRate         float64
	}{
		{"conservative", 1, 3, 2, 2, 2, 1},
		{"balanced", 1, 6, 4, 5, 3, 2},
		{"aggressive", 2, 10, 6, 10, 4, 2},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			cfg := buildDefaultConfig()
			cfg.Fetch.Strategy = tt.strategy

			p, err := cfg.Policy()
			require.NoError(t, err)

			block, err := p.For(core.CategoryBlock)
			require.NoError(t, err)
			assert.Equal(t, tt.blockMin, block.MinSize)
			assert.Equal(t, tt.blockMax, block.MaxSize)
			assert.Equal(t, tt.blockInit, block.InitialSize)
			assert.Equal(t, tt.blockRate, block.Rate)
			assert.Equal(t, 2, block.GrowStep)

			entity, err := p.For(core.CategoryEntity)
			require.NoError(t, err)
			assert.Equal(t, tt.entityMax, entity.MaxSize)
			assert.Equal(t, tt.entityRate, entity.Rate)
			assert.Equal(t, 1, entity.GrowStep)
		})
	}
}

func TestPolicy_Overrides(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Fetch.Workers = 2
	cfg.Fetch.RateLimit = 3
	cfg.Guide.RefreshHours = 24
	cfg.Cache.RetentionDays = 7

	p, err := cfg.Policy()
	require.NoError(t, err)

	block, _ := p.For(core.CategoryBlock)
	assert.Equal(t, 2, block.MaxSize)
	assert.Equal(t, 2, block.InitialSize)
	assert.Equal(t, 3.0, block.Rate)

	entity, _ := p.For(core.CategoryEntity)
	assert.Equal(t, 1, entity.MaxSize)
	assert.Equal(t, 1, entity.InitialSize)
	assert.Equal(t, 1.5, entity.Rate)

	assert.Equal(t, 24*time.Hour, p.Retention.RefreshWindow)
	assert.Equal(t, 7*24*time.Hour, p.Retention.Horizon)
	assert.Equal(t, 4, block.Retry.MaxAttempts)
	assert.Equal(t, 3, entity.Retry.MaxAttempts)
}

func TestStrategies(t *testing.T) {
	assert.Equal(t, []string{"aggressive", "balanced", "conservative"}, Strategies())
}
