// Package main is the entry point for the guide acquisition CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guidefetch/config"
	"guidefetch/internal/acquire"
	"guidefetch/internal/app"
	"guidefetch/internal/logging"
	"guidefetch/internal/version"
)

const (
	exitConfig = 1
	exitFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to the YAML config file (default ./config.yaml when present)")
	days := flag.Int("days", 0, "Number of guide days to fetch (1-14)")
	refreshHours := flag.Int("refresh-hours", -1, "Re-fetch blocks starting within this many hours (0-168)")
	strategy := flag.String("strategy", "", "Acquisition strategy: conservative, balanced or aggressive")
	workers := flag.Int("workers", 0, "Maximum workers per category, overrides the strategy")
	rateLimit := flag.Float64("rate-limit", 0, "Requests per second per category, overrides the strategy")
	adaptive := flag.Bool("adaptive", true, "Adjust workers and rate from observed outcomes")
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		return 0
	}

	result, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitConfig
	}
	cfg := result.Config

	// Only flags given on the command line override the file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "days":
			cfg.Guide.Days = *days
		case "refresh-hours":
			cfg.Guide.RefreshHours = *refreshHours
		case "strategy":
			cfg.Fetch.Strategy = *strategy
		case "workers":
			cfg.Fetch.Workers = *workers
		case "rate-limit":
			cfg.Fetch.RateLimit = *rateLimit
		case "adaptive":
			cfg.Fetch.Adaptive = *adaptive
		}
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfig
	}

	if _, err := logging.Setup(cfg.Logging.Format, cfg.Logging.Level); err != nil {
		slog.Error("failed to set up logging", "error", err)
		return exitConfig
	}

	slog.Info("starting guidefetch",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, app.Config{AppConfig: result})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	application.StartMonitor()

	report, err := application.Run(ctx)
	if err != nil {
		slog.Error("run failed", "error", err)
		return exitConfig
	}
	logReport(report)

	if ctx.Err() != nil {
		slog.Warn("run interrupted")
	}
	if report.Failed() > 0 {
		return exitFailed
	}
	return 0
}

func logReport(r *app.Report) {
	if s := r.Blocks; s != nil {
		slog.Info("blocks done",
			"total", s.Total,
			"fetched", s.Fetched,
			"cached", s.Cached,
			"failed", len(s.Failed),
			"cancelled", len(s.Cancelled),
			"duration", s.Duration,
		)
	}
	if s := r.Entities; s != nil {
		slog.Info("series done",
			"total", s.Total,
			"fetched", s.Fetched,
			"cached", s.Cached,
			"failed", len(s.Failed),
			"cancelled", len(s.Cancelled),
			"unreadable_blocks", r.UnreadableBlocks,
			"duration", s.Duration,
		)
	}
	for _, s := range []*acquire.Summary{r.Blocks, r.Entities} {
		if s == nil {
			continue
		}
		for _, f := range s.Failed {
			slog.Warn("key failed", "key", f.Key.String(), "class", f.Class, "attempts", f.Attempts, "error", f.Error)
		}
	}
}
