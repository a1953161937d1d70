package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewHandler_AutoIsJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, "auto", "info")
	require.NoError(t, err)

	slog.New(h).Info("acquisition finished", "fetched", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "acquisition finished", line["msg"])
	assert.InDelta(t, 3, line["fetched"], 1e-9)
}

func TestNewHandler_Formats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatTint, FormatPretty} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			h, err := NewHandler(&buf, format, "warn")
			require.NoError(t, err)

			logger := slog.New(h)
			logger.Info("hidden")
			logger.Warn("pool resized", "category", "block")

			out := buf.String()
			assert.NotContains(t, out, "hidden")
			assert.Contains(t, out, "pool resized")
			assert.Contains(t, out, "block")
		})
	}

	_, err := NewHandler(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)
	_, err = NewHandler(&bytes.Buffer{}, "json", "loud")
	assert.Error(t, err)
}

func TestPrettyHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, slog.LevelDebug)).
		With("run", 1).
		WithGroup("pool")

	logger.Debug("resized", "size", 2, slog.Group("rate", "before", 4, "after", 2))

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, "resized")
	assert.Contains(t, out, "run"+colorReset+"=1")
	assert.Contains(t, out, "pool.size"+colorReset+"=2")
	assert.Contains(t, out, "pool.rate.before"+colorReset+"=4")
	assert.Contains(t, out, "pool.rate.after"+colorReset+"=2")
}
