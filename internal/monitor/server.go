package monitor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource supplies extra state for /stats, typically the adaptive
// controllers of the running manager.
type StatsSource func() any

// Server wraps the Echo server exposing the monitor endpoints
type Server struct {
	echo     *echo.Echo
	recorder *Recorder
	source   StatsSource
	workers  StatsSource
}

// ServerConfig holds server configuration options
type ServerConfig struct {
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Source is merged into /stats under "controllers" when set.
	Source StatsSource
	// Workers is merged into /stats under "workers" when set.
	Workers StatsSource
}

// NewServer creates the monitor HTTP server.
func NewServer(recorder *Recorder, cfg ServerConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("monitor request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))

	s := &Server{echo: e, recorder: recorder, source: cfg.Source, workers: cfg.Workers}

	e.GET("/health", s.health)
	e.GET("/stats", s.stats)
	if cfg.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return s
}

// health handles GET /health
func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// stats handles GET /stats
func (s *Server) stats(c echo.Context) error {
	resp := struct {
		Snapshot
		Controllers any `json:"controllers,omitempty"`
		Workers     any `json:"workers,omitempty"`
	}{Snapshot: s.recorder.Snapshot()}
	if s.source != nil {
		resp.Controllers = s.source()
	}
	if s.workers != nil {
		resp.Workers = s.workers()
	}
	return c.JSON(http.StatusOK, resp)
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
