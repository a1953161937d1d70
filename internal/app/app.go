// Package app wires the acquisition engine together and controls its
// lifecycle: cache backend, upstream client, manager and the optional
// monitoring endpoint.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"guidefetch/config"
	"guidefetch/internal/acquire"
	"guidefetch/internal/cache"
	"guidefetch/internal/core"
	"guidefetch/internal/events"
	"guidefetch/internal/guide"
	"guidefetch/internal/httpclient"
	"guidefetch/internal/monitor"
	"guidefetch/internal/pool"
	"guidefetch/internal/upstream"
)

// App represents the application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	policy   config.PolicyConfig
	store    cache.Store
	manager  *acquire.Manager
	guide    *guide.Enumerator
	recorder *monitor.Recorder
	server   *monitor.Server
	now      func() time.Time

	metricsFile string

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration produced by
	// config.Load.
	AppConfig *config.LoadResult

	// HTTPClient replaces the upstream HTTP client when set.
	HTTPClient *http.Client

	// Now replaces the wall clock when set.
	Now func() time.Time
}

// Report is the outcome of Run.
type Report struct {
	Blocks *acquire.Summary `json:"blocks"`
	// Entities is nil when the series pass is disabled or was not reached.
	Entities *acquire.Summary `json:"entities,omitempty"`
	// UnreadableBlocks counts blocks whose payload could not be read for
	// series enumeration.
	UnreadableBlocks int `json:"unreadable_blocks,omitempty"`
}

// Failed returns the number of keys that are not available after the run.
func (r *Report) Failed() int {
	n := 0
	for _, s := range []*acquire.Summary{r.Blocks, r.Entities} {
		if s != nil {
			n += len(s.Failed) + len(s.Cancelled)
		}
	}
	return n
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	appCfg := cfg.AppConfig.Config

	policy, err := appCfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve acquisition policy: %w", err)
	}

	enumerator, err := guide.NewEnumerator(guide.Lineup{
		LineupID:    appCfg.Guide.LineupID,
		Country:     appCfg.Guide.Country,
		PostalCode:  appCfg.Guide.PostalCode,
		AffiliateID: appCfg.Guide.AffiliateID,
	}, appCfg.Guide.GridURL, appCfg.Guide.DetailsURL)
	if err != nil {
		return nil, err
	}

	app := &App{
		config: appCfg,
		policy: policy,
		guide:  enumerator,
		now:    cfg.Now,
	}
	if app.now == nil {
		app.now = time.Now
	}

	store, err := newStore(appCfg.Cache, policy.Retention.Horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	app.store = store

	bus := events.NewBus()
	app.recorder = monitor.NewRecorder(monitor.Config{})
	bus.Subscribe(app.recorder)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		hc := httpclient.DefaultConfig()
		hc.Timeout = appCfg.HTTP.Timeout
		hc.ResponseHeaderTimeout = appCfg.HTTP.ResponseHeaderTimeout
		for _, cp := range policy.Categories {
			hc.MaxIdleConnsPerHost = max(hc.MaxIdleConnsPerHost, cp.MaxSize)
		}
		httpClient = httpclient.NewHTTPClient(&hc)
	}

	upCfg := upstream.DefaultConfig()
	upCfg.UserAgents = appCfg.Fetch.UserAgents
	upCfg.RotateEvery = appCfg.Fetch.RotateEvery
	if u, err := url.Parse(appCfg.Guide.GridURL); err == nil {
		upCfg.Origin = u.Scheme + "://" + u.Host
		upCfg.Referer = upCfg.Origin + "/"
	}
	client := upstream.New(httpClient, upCfg)

	manager, err := acquire.New(policy, store, client, acquire.WithBus(bus), acquire.WithClock(app.now))
	if err != nil {
		closeErr := errors.Join(app.recorder.Close(), app.store.Close())
		if closeErr != nil {
			return nil, fmt.Errorf("failed to create acquisition manager: %w (also: close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create acquisition manager: %w", err)
	}
	app.manager = manager

	if appCfg.Monitor.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			monitor.NewPoolCollector(manager.Stats),
		)
		bus.Subscribe(monitor.NewMetrics(registry))
		app.server = monitor.NewServer(app.recorder, monitor.ServerConfig{
			Gatherer: registry,
			Source:   func() any { return manager.Stats() },
			Workers:  func() any { return liveWorkers(manager) },
		})
	}
	app.metricsFile = appCfg.Monitor.MetricsFile

	app.logStartupInfo(cfg.AppConfig.Source)
	return app, nil
}

func newStore(cfg config.CacheConfig, horizon time.Duration) (cache.Store, error) {
	codec, err := cache.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "redis":
		return cache.NewRedisStore(cache.RedisConfig{
			URL:    cfg.RedisURL,
			Prefix: cfg.RedisPrefix,
			TTL:    horizon,
			Codec:  codec,
		})
	default:
		return cache.NewLocalStore(cfg.Dir, codec)
	}
}

// liveWorkers lists the live workers of every category.
func liveWorkers(m *acquire.Manager) map[core.Category][]pool.WorkerState {
	out := make(map[core.Category][]pool.WorkerState, len(core.Categories))
	for _, c := range core.Categories {
		out[c] = m.Workers(c)
	}
	return out
}

// Manager returns the acquisition manager.
func (a *App) Manager() *acquire.Manager {
	return a.manager
}

// Monitor returns the monitor HTTP handler, nil when monitoring is disabled.
func (a *App) Monitor() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server
}

// StartMonitor serves the monitor endpoints in the background when enabled.
func (a *App) StartMonitor() {
	if a.server == nil {
		return
	}
	addr := ":" + strconv.Itoa(a.config.Monitor.Port)
	slog.Info("starting monitor server", "address", addr)
	go func() {
		if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitor server failed", "error", err)
		}
	}()
}

// Run acquires the guide blocks, then the series they reference.
// The error is non-nil only for configuration problems; failed keys are
// reported in the Report.
func (a *App) Run(ctx context.Context) (*Report, error) {
	retention := a.policy.Retention
	blocks := a.guide.Blocks(a.now(), a.config.Guide.Days)

	slog.Info("acquiring guide blocks", "blocks", len(blocks), "days", a.config.Guide.Days)
	blockSummary, err := a.manager.Acquire(ctx, blocks, retention)
	if err != nil {
		return nil, fmt.Errorf("block acquisition failed: %w", err)
	}
	report := &Report{Blocks: blockSummary}

	if !a.config.Guide.FetchEntities {
		return report, nil
	}
	if ctx.Err() != nil {
		slog.Warn("run cancelled, skipping series details")
		return report, nil
	}

	entities, unreadable, err := a.guide.EntitiesFrom(ctx, a.manager, blocks)
	if err != nil {
		slog.Warn("series enumeration interrupted", "error", err)
		return report, nil
	}
	report.UnreadableBlocks = unreadable
	if unreadable > 0 && retention.PruneEntities {
		// Series referenced only by the missing blocks must survive.
		slog.Warn("some blocks are unavailable, keeping unreferenced series", "blocks", unreadable)
		retention.PruneEntities = false
	}

	slog.Info("acquiring series details", "series", len(entities))
	entitySummary, err := a.manager.Acquire(ctx, entities, retention)
	if err != nil {
		return report, fmt.Errorf("series acquisition failed: %w", err)
	}
	report.Entities = entitySummary
	return report, nil
}

// GetCached reads a cached payload, see acquire.Manager.GetCached.
func (a *App) GetCached(ctx context.Context, key core.Key) ([]byte, error) {
	return a.manager.GetCached(ctx, key)
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. Monitor server shutdown, honoring the passed context.
// 2. Recorder close (applies queued events).
// 3. Metrics file write, when configured.
// 4. Cache store close.
//
// Shutdown is idempotent. It attempts every close step and returns a joined
// error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("monitor server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("monitor shutdown: %w", err))
		}
	}

	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recorder close: %w", err))
		}
		if a.metricsFile != "" {
			if err := writeSnapshot(a.metricsFile, a.recorder.Snapshot()); err != nil {
				slog.Error("metrics file write error", "path", a.metricsFile, "error", err)
				errs = append(errs, fmt.Errorf("metrics file: %w", err))
			}
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// writeSnapshot stores snap as indented JSON at path, creating parent
// directories.
func writeSnapshot(path string, snap monitor.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	slog.Info("metrics written", "path", path)
	return nil
}

// logStartupInfo logs the resolved configuration.
func (a *App) logStartupInfo(source string) {
	cfg := a.config

	if source != "" {
		slog.Info("configuration loaded", "file", source)
	} else {
		slog.Info("no config file found, using defaults and environment")
	}

	slog.Info("guide configured",
		"lineup", cfg.Guide.LineupID,
		"days", cfg.Guide.Days,
		"refresh_hours", cfg.Guide.RefreshHours,
		"series_details", cfg.Guide.FetchEntities,
	)

	for _, c := range core.Categories {
		cp := a.policy.Categories[c]
		slog.Info("acquisition policy",
			"strategy", a.policy.Strategy,
			"category", c,
			"workers_min", cp.MinSize,
			"workers_initial", cp.InitialSize,
			"workers_max", cp.MaxSize,
			"rate", cp.Rate,
			"max_attempts", cp.Retry.MaxAttempts,
			"adaptive", a.policy.Adaptive,
		)
	}

	slog.Info("cache configured",
		"backend", cfg.Cache.Backend,
		"codec", cfg.Cache.Codec,
		"retention_days", cfg.Cache.RetentionDays,
	)

	if cfg.Monitor.Enabled {
		slog.Info("monitor enabled", "port", cfg.Monitor.Port)
	} else {
		slog.Info("monitor disabled")
	}
}
