//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"guidefetch/config"
	"guidefetch/internal/app"
)

var fixedNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

// startApp builds an app against upstream. extra is appended to the YAML
// config.
func startApp(t *testing.T, upstream *MockGuideServer, extra string) *app.App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`
guide:
  days: 1
  refresh_hours: 0
  lineup_id: USA-OTA92101
  postal_code: "92101"
  grid_url: %[1]s%[2]s
  details_url: %[1]s%[3]s
fetch:
  strategy: aggressive
  rate_limit: 20
  timeout: 2m
cache:
  backend: file
  dir: %[4]s
  retention_days: 2
%[5]s`, upstream.URL(), gridPath, detailsPath, filepath.Join(dir, "cache"), extra)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	loaded, err := config.Load(path)
	require.NoError(t, err)

	a, err := app.New(context.Background(), app.Config{
		AppConfig: loaded,
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// waitForServer polls url until it answers 200.
func waitForServer(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
}
