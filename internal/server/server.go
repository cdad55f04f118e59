// Package server implements the analysis backend that sits on the far end of
// the client's duplex channel.
//
// Routes:
//
//	GET  /healthz, /readyz    probes
//	GET  /metrics             Prometheus scrape endpoint
//	POST /api/analyze-text    score one text as a single caller turn
//	GET  /ws/call/{callID}    per-call websocket; every transcript frame is
//	                          answered with a cumulative risk_update
//
// The server scores with the same deterministic engine the client falls back
// to, so a degraded client and a healthy server agree on every label.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceshield/internal/analyze"
	"github.com/MrWong99/voiceshield/internal/health"
	"github.com/MrWong99/voiceshield/internal/observe"
)

// Config configures a [Server].
type Config struct {
	// Addr is the TCP listen address for [Server.Run].
	Addr string

	// Analyzer serves POST /api/analyze-text. Defaults to [analyze.Local].
	Analyzer analyze.Analyzer

	// Checkers are evaluated by /readyz.
	Checkers []health.Checker

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration

	// MetricsHandler serves /metrics. Defaults to [observe.MetricsHandler].
	MetricsHandler http.Handler

	// Metrics receives request and connection metrics. nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the analysis backend.
type Server struct {
	cfg    Config
	health *health.Handler
	router chi.Router
}

// New builds the router for cfg.
func New(cfg Config) *Server {
	if cfg.Analyzer == nil {
		cfg.Analyzer = analyze.Local{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = observe.MetricsHandler()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg, health: health.New(cfg.Checkers...)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(cfg.Metrics))

	s.health.Register(r)
	r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	r.Post(analyze.Path, s.handleAnalyze)
	r.Get("/ws/call/{callID}", s.handleCall)
	s.router = r
	return s
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler { return s.router }

// Health returns the probe handler, e.g. to mark the server as draining.
func (s *Server) Health() *health.Handler { return s.health }

// Run listens on Config.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains: /readyz starts
// failing, open call sockets are closed and in-flight requests get
// ShutdownTimeout to finish. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server: listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.SetDraining(true)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		slog.Info("server: stopped")
		return nil
	})
	return g.Wait()
}
