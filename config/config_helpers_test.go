package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestExpandString tests the expandString function with various scenarios
func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "string without placeholders",
			input:    "simple-string",
			expected: "simple-string",
		},
		{
			name:     "simple variable expansion",
			input:    "${GF_LINEUP}",
			envVars:  map[string]string{"GF_LINEUP": "USA-OTA92101"},
			expected: "USA-OTA92101",
		},
		{
			name:     "multiple variables",
			input:    "${GF_SCHEME}://${GF_HOST}:${GF_PORT}",
			envVars:  map[string]string{"GF_SCHEME": "redis", "GF_HOST": "cache.local", "GF_PORT": "6379"},
			expected: "redis://cache.local:6379",
		},
		{
			name:     "default value - env var exists",
			input:    "${GF_DAYS:-7}",
			envVars:  map[string]string{"GF_DAYS": "3"},
			expected: "3",
		},
		{
			name:     "default value - env var missing",
			input:    "${GF_DAYS:-7}",
			expected: "7",
		},
		{
			name:     "default value - env var empty",
			input:    "${GF_DAYS:-7}",
			envVars:  map[string]string{"GF_DAYS": ""},
			expected: "7",
		},
		{
			name:     "unresolved variable - no default",
			input:    "${GF_MISSING}",
			expected: "${GF_MISSING}",
		},
		{
			name:     "mixed resolved and unresolved with defaults",
			input:    "${GF_RESOLVED}:${GF_UNRESOLVED:-fallback}:${GF_MISSING}",
			envVars:  map[string]string{"GF_RESOLVED": "value1"},
			expected: "value1:fallback:${GF_MISSING}",
		},
		{
			name:     "default value with colon in it",
			input:    "${GF_REDIS:-redis://localhost:6379/0}",
			expected: "redis://localhost:6379/0",
		},
		{
			name:     "empty default value",
			input:    "${GF_OPTIONAL:-}",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandString(tt.input)
			if result != tt.expected {
				t.Errorf("expandString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestApplyEnvOverrides tests the applyEnvOverrides function
func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "guide overrides",
			envVars: map[string]string{"GUIDEFETCH_DAYS": "7", "GUIDEFETCH_REFRESH_HOURS": "24", "GUIDEFETCH_LINEUP_ID": "CAN-OTAJ3B1M4"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Guide.Days != 7 {
					t.Errorf("Guide.Days = %d, want 7", cfg.Guide.Days)
				}
				if cfg.Guide.RefreshHours != 24 {
					t.Errorf("Guide.RefreshHours = %d, want 24", cfg.Guide.RefreshHours)
				}
				if cfg.Guide.LineupID != "CAN-OTAJ3B1M4" {
					t.Errorf("Guide.LineupID = %q", cfg.Guide.LineupID)
				}
			},
		},
		{
			name:    "fetch overrides",
			envVars: map[string]string{"GUIDEFETCH_STRATEGY": "aggressive", "GUIDEFETCH_WORKERS": "8", "GUIDEFETCH_RATE_LIMIT": "3.5", "GUIDEFETCH_ADAPTIVE": "false", "GUIDEFETCH_TIMEOUT": "10m"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Fetch.Strategy != "aggressive" {
					t.Errorf("Fetch.Strategy = %q", cfg.Fetch.Strategy)
				}
				if cfg.Fetch.Workers != 8 {
					t.Errorf("Fetch.Workers = %d, want 8", cfg.Fetch.Workers)
				}
				if cfg.Fetch.RateLimit != 3.5 {
					t.Errorf("Fetch.RateLimit = %v, want 3.5", cfg.Fetch.RateLimit)
				}
				if cfg.Fetch.Adaptive {
					t.Error("Fetch.Adaptive should be false")
				}
				if cfg.Fetch.Timeout != 10*time.Minute {
					t.Errorf("Fetch.Timeout = %s, want 10m", cfg.Fetch.Timeout)
				}
			},
		},
		{
			name:    "cache overrides",
			envVars: map[string]string{"GUIDEFETCH_CACHE_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379/1", "GUIDEFETCH_PRUNE_ENTITIES": "0"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Cache.Backend != "redis" {
					t.Errorf("Cache.Backend = %q", cfg.Cache.Backend)
				}
				if cfg.Cache.RedisURL != "redis://localhost:6379/1" {
					t.Errorf("Cache.RedisURL = %q", cfg.Cache.RedisURL)
				}
				if cfg.Cache.PruneEntities {
					t.Error("Cache.PruneEntities should be false")
				}
			},
		},
		{
			name:    "metrics file override",
			envVars: map[string]string{"GUIDEFETCH_METRICS_FILE": "/var/lib/guidefetch/metrics.json"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Monitor.MetricsFile != "/var/lib/guidefetch/metrics.json" {
					t.Errorf("Monitor.MetricsFile = %q", cfg.Monitor.MetricsFile)
				}
				if cfg.Monitor.Enabled {
					t.Error("Monitor.Enabled should stay false")
				}
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Guide.Days != 1 {
					t.Errorf("Guide.Days = %d, want 1", cfg.Guide.Days)
				}
				if cfg.Monitor.Port != 9989 {
					t.Errorf("Monitor.Port = %d, want 9989", cfg.Monitor.Port)
				}
				if cfg.HTTP.Timeout != 15*time.Second {
					t.Errorf("HTTP.Timeout = %s, want 15s", cfg.HTTP.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("GUIDEFETCH_DAYS", "seven")
	t.Setenv("GUIDEFETCH_ADAPTIVE", "maybe")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "GUIDEFETCH_DAYS")
	require.Contains(t, err.Error(), "GUIDEFETCH_ADAPTIVE")
}
