// Package app wires the VoiceShield client subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New opens the history store and
// builds the analyzer, the channel manager and the session machine, Monitor
// runs one monitored call, and Shutdown tears everything down in reverse
// order.
//
// For testing, inject test doubles via functional options (WithHistoryStore,
// WithMicrophone, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voiceshield/internal/analyze"
	"github.com/MrWong99/voiceshield/internal/channel"
	"github.com/MrWong99/voiceshield/internal/config"
	"github.com/MrWong99/voiceshield/internal/history"
	"github.com/MrWong99/voiceshield/internal/history/postgres"
	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/internal/session"
	"github.com/MrWong99/voiceshield/pkg/audio"
	"github.com/MrWong99/voiceshield/pkg/provider/stt"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// App owns all subsystem lifetimes of the monitoring client.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	history  history.Store
	mic      audio.Microphone
	source   stt.Source
	dialer   channel.Dialer
	analyzer *analyze.Client
	machine  *session.Machine

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of opening one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMicrophone injects the capture device. Defaults to [audio.Granted].
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSource injects the turn source. Without one, turns arrive only through
// [session.Machine.SubmitTurn].
func WithSource(s stt.Source) Option {
	return func(a *App) { a.source = s }
}

// WithDialer injects the remote analyzer dialer instead of a websocket dialer
// built from channel.url.
func WithDialer(d channel.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.mic == nil {
		a.mic = &audio.Granted{}
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if a.history == nil {
		store, closer, err := OpenHistory(ctx, cfg.History)
		if err != nil {
			return nil, fmt.Errorf("app: init history: %w", err)
		}
		a.history = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	// ── 2. Text analyzer ─────────────────────────────────────────────────
	if err := a.initAnalyzer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init analyzer: %w", err)
	}

	// ── 3. Session machine ───────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	return a, nil
}

// OpenHistory opens the store selected by cfg. The returned closer is nil
// when the backend holds no resources.
func OpenHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, func() error, error) {
	switch cfg.Backend {
	case config.HistoryMemory:
		return history.NewMemStore(), nil, nil
	case config.HistoryFile, "":
		s, err := history.OpenFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("history: using file store", "path", s.Path())
		return s, nil, nil
	case config.HistoryPostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

func (a *App) initAnalyzer() error {
	acfg := analyze.Config{
		MaxFailures:  a.cfg.Analyzer.MaxFailures,
		ResetTimeout: a.cfg.Analyzer.ResetTimeout,
		Metrics:      a.metrics,
	}
	if a.cfg.Analyzer.URL != "" {
		remote, err := analyze.NewRemote(a.cfg.Analyzer.URL, analyze.WithTimeout(a.cfg.Analyzer.Timeout))
		if err != nil {
			return err
		}
		acfg.Remote = remote
	}
	a.analyzer = analyze.NewClient(acfg)
	return nil
}

func (a *App) initSession() error {
	if a.dialer == nil && a.cfg.Channel.URL != "" {
		a.dialer = channel.WebSocketDialer{BaseURL: a.cfg.Channel.URL}
	}
	mgr := channel.NewManager(channel.Config{
		Dialer:            a.dialer,
		DialTimeout:       a.cfg.Channel.DialTimeout,
		WriteTimeout:      a.cfg.Channel.WriteTimeout,
		MaxRetries:        a.cfg.Channel.MaxRetries,
		Backoff:           a.cfg.Channel.Backoff,
		MaxBackoff:        a.cfg.Channel.MaxBackoff,
		HeartbeatInterval: a.cfg.Channel.HeartbeatInterval,
		Metrics:           a.metrics,
	})

	m, err := session.New(session.Config{
		Microphone:         a.mic,
		History:            a.history,
		Source:             a.source,
		Channel:            mgr,
		Language:           a.cfg.Session.Language,
		IngestMaxRestarts:  a.cfg.Session.IngestMaxRestarts,
		IngestBackoff:      a.cfg.Session.IngestBackoff,
		HeartbeatMissLimit: a.cfg.Session.HeartbeatMissLimit,
		ProtectionDays:     a.cfg.Session.ProtectionDays,
		Metrics:            a.metrics,
	})
	if err != nil {
		return err
	}
	a.machine = m
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the session state machine.
func (a *App) Session() *session.Machine { return a.machine }

// History returns the history store.
func (a *App) History() history.Store { return a.history }

// Analyzer returns the text analysis client.
func (a *App) Analyzer() *analyze.Client { return a.analyzer }

// ─── Operations ──────────────────────────────────────────────────────────────

// Monitor runs one monitored call. It starts a session, passes every
// snapshot to onUpdate (which may be nil), and ends the session once the
// configured source has no more turns or ctx is cancelled. A source that
// fails for good leaves the session open and flagged as listening
// interrupted until ctx is cancelled. The finalized record is returned even
// when persisting it failed.
func (a *App) Monitor(ctx context.Context, onUpdate func(session.Snapshot)) (types.CallSession, error) {
	if err := a.machine.Start(ctx); err != nil {
		return types.CallSession{}, err
	}

	updates, unsubscribe := a.machine.Subscribe()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for s := range updates {
			if onUpdate != nil {
				onUpdate(s)
			}
			if s.State == session.StateSummary {
				return
			}
		}
	}()

	// Without a source, turns arrive through SubmitTurn until ctx ends.
	var ingestDone <-chan struct{}
	if a.source != nil {
		ingestDone = a.machine.IngestionDone()
	}
	select {
	case <-ingestDone:
		if snap := a.machine.Snapshot(); snap.State.Open() && !snap.SourceExhausted {
			slog.Warn("app: listening interrupted, session stays open", "session_id", snap.SessionID)
			<-ctx.Done()
		}
	case <-ctx.Done():
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	final, err := a.machine.End(endCtx)

	select {
	case <-forwarded:
	case <-endCtx.Done():
	}
	unsubscribe()
	return final, err
}

// Feedback records whether the call with the given id was a scam. An empty
// id targets the session this App monitored last.
func (a *App) Feedback(ctx context.Context, id string, isScam bool) error {
	if id == "" {
		return a.machine.RecordFeedback(ctx, isScam)
	}
	if err := a.history.SetFeedback(ctx, id, isScam); err != nil {
		return fmt.Errorf("app: record feedback: %w", err)
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends a session that is still open and closes all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.machine.Snapshot().State.Open() {
			if _, err := a.machine.End(ctx); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
				slog.Warn("ending open session", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
