// Command voiceshield-server runs the remote analysis backend: the text
// analysis endpoint, the per-call websocket channel, health probes and the
// Prometheus scrape endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceshield/internal/app"
	"github.com/MrWong99/voiceshield/internal/config"
	"github.com/MrWong99/voiceshield/internal/health"
	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/internal/server"
)

const defaultConfigPath = "voiceshield.yaml"

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "voiceshield-server: %v\n", err)
		return 1
	}
	path := *configPath
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		path = ""
		cfg, err = config.Load("")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceshield-server: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voiceshield-server starting",
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"history", cfg.History.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		RuntimeMetrics: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := tel.Metrics()
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Readiness checks ──────────────────────────────────────────────────────
	var checkers []health.Checker
	if cfg.History.Backend == config.HistoryPostgres {
		store, closer, err := app.OpenHistory(ctx, cfg.History)
		if err != nil {
			slog.Error("failed to open history store", "err", err)
			return 1
		}
		defer closer()
		if p, ok := store.(interface{ Ping(context.Context) error }); ok {
			checkers = append(checkers, health.Checker{Name: "history", Check: p.Ping})
		}
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.ListenAddr,
		Checkers:        checkers,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Metrics:         metrics,
		MetricsHandler:  tel.Handler(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	// ── Config hot reload ─────────────────────────────────────────────────────
	if path != "" {
		w, err := config.NewWatcher(path, func(old, next *config.Config) {
			d := config.Diff(old, next)
			if d.LogLevelChanged {
				level.Set(d.NewLogLevel.Level())
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart to take effect", "settings", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
