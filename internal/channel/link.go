package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/internal/risk"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// Default link parameters.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 2 * time.Second
	defaultMaxRetries   = 10
	defaultBackoff      = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second
)

// Config configures a [Manager].
type Config struct {
	// Dialer reaches the remote analyzer. nil runs every link in local-only
	// mode: the state stays DISCONNECTED and every turn is scored locally.
	Dialer Dialer

	// DialTimeout bounds a single connection attempt. Defaults to 5s.
	DialTimeout time.Duration

	// WriteTimeout bounds a single outbound frame. Defaults to 2s.
	WriteTimeout time.Duration

	// MaxRetries caps reconnection attempts per outage. Defaults to 10 when
	// zero; a negative value disables retries.
	MaxRetries int

	// Backoff is the initial delay between attempts. It grows exponentially
	// up to MaxBackoff. Defaults to 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// HeartbeatInterval is the ping period. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// Metrics receives link counters. nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager opens links to the remote analyzer.
type Manager struct {
	cfg Config
}

// NewManager returns a Manager with defaults applied to cfg.
func NewManager(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.Backoff)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{cfg: cfg}
}

// Remote reports whether links opened by m try to reach a remote analyzer.
func (m *Manager) Remote() bool { return m.cfg.Dialer != nil }

// Open starts a link for sessionID and returns without waiting for the
// connection. The link lives until [Link.Close] or until ctx is cancelled.
func (m *Manager) Open(ctx context.Context, sessionID string, h Handlers) (*Link, error) {
	if sessionID == "" {
		return nil, errors.New("channel: open: empty session id")
	}
	lctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(lctx)
	l := &Link{
		cfg:       m.cfg,
		sessionID: sessionID,
		h:         h,
		log:       slog.With("session_id", sessionID),
		local:     risk.New(),
		cancel:    cancel,
		g:         g,
		wake:      make(chan struct{}, 1),
	}
	if m.cfg.Dialer == nil {
		return l, nil
	}
	g.Go(func() error {
		l.supervise(gctx)
		return nil
	})
	if m.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			l.heartbeat(gctx)
			return nil
		})
	}
	return l, nil
}

// Link is the per-session duplex connection. All methods are safe for
// concurrent use.
type Link struct {
	cfg       Config
	sessionID string
	h         Handlers
	log       *slog.Logger
	local     *risk.Aggregator
	cancel    context.CancelFunc
	g         *errgroup.Group
	wake      chan struct{}

	// notifyMu orders state transitions with their OnStateChange calls.
	notifyMu sync.Mutex
	writeMu  sync.Mutex

	mu     sync.Mutex
	state  State
	conn   Conn
	closed bool
}

// SessionID returns the session the link belongs to.
func (l *Link) SessionID() string { return l.sessionID }

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LocalResult returns the shadow aggregator's view of the session.
func (l *Link) LocalResult() types.RiskResult {
	return l.local.Result()
}

// Send offers turn to the analyzer. When connected the turn is written to
// the remote and Send returns (nil, nil); the update arrives later through
// [Handlers.OnRiskUpdate]. Otherwise, or when the write fails, the turn is
// scored locally and that result is returned. The error is non-nil only
// after Close or when ctx ends.
func (l *Link) Send(ctx context.Context, turn types.TranscriptTurn) (*types.RiskResult, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	conn, state := l.conn, l.state
	l.mu.Unlock()

	local := l.local.Update(turn)
	if state != StateConnected || conn == nil {
		l.kick()
		return &local, nil
	}

	data, err := Encode(TypeTranscript, turn)
	if err != nil {
		return &local, err
	}
	wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	if err := l.write(wctx, conn, data); err != nil {
		if ctx.Err() != nil {
			return &local, ctx.Err()
		}
		l.log.Warn("channel: send failed, scoring locally", "err", err)
		l.detach(conn)
		_ = conn.Close()
		l.kick()
		return &local, nil
	}
	return nil, nil
}

// Close sends end_call when connected, releases the connection and stops
// background work. It is idempotent and always leaves the link
// DISCONNECTED.
func (l *Link) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn, connected := l.conn, l.state == StateConnected
	l.conn = nil
	l.mu.Unlock()

	if connected && conn != nil {
		if data, err := Encode(TypeEndCall, nil); err == nil {
			wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
			if err := l.write(wctx, conn, data); err != nil {
				l.log.Debug("channel: end_call not delivered", "err", err)
			}
			cancel()
		}
	}

	l.cancel()
	var closeErr error
	if conn != nil {
		if err := conn.Close(); err != nil {
			closeErr = fmt.Errorf("channel: close: %w", err)
		}
	}
	_ = l.g.Wait()

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.mu.Lock()
	changed := l.state != StateDisconnected
	l.state = StateDisconnected
	l.mu.Unlock()
	if changed && l.h.OnStateChange != nil {
		l.h.OnStateChange(StateDisconnected)
	}
	return closeErr
}

// kick asks an idle supervisor to start a new reconnection cycle.
func (l *Link) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) write(ctx context.Context, conn Conn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.Write(ctx, data)
}

// transition runs fn under the state lock and reports the resulting state
// when fn says it changed. Transitions after Close are up to fn to refuse.
func (l *Link) transition(fn func() bool) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.mu.Lock()
	changed := fn()
	s := l.state
	l.mu.Unlock()
	if changed && l.h.OnStateChange != nil {
		l.h.OnStateChange(s)
	}
}

func (l *Link) setState(s State) {
	l.transition(func() bool {
		if l.closed || l.state == s {
			return false
		}
		l.state = s
		return true
	})
}

func (l *Link) attach(conn Conn) bool {
	ok := false
	l.transition(func() bool {
		if l.closed {
			return false
		}
		l.conn = conn
		l.state = StateConnected
		ok = true
		return true
	})
	if ok {
		// A kick from the outage that just ended must not start a cycle
		// after the next one.
		select {
		case <-l.wake:
		default:
		}
	}
	return ok
}

// detach drops conn if it is still the active connection and marks the link
// degraded.
func (l *Link) detach(conn Conn) {
	l.transition(func() bool {
		if l.conn != conn {
			return false
		}
		l.conn = nil
		if l.closed || l.state == StateDegraded {
			return false
		}
		l.state = StateDegraded
		return true
	})
}

// supervise owns the connection lifecycle: dial with backoff, read until the
// connection breaks, repeat. After a failed cycle it waits for a Send to ask
// for another one.
func (l *Link) supervise(ctx context.Context) {
	l.setState(StateConnecting)
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("channel: remote analyzer unreachable, scoring locally", "err", err)
			l.setState(StateDegraded)
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		if !l.attach(conn) {
			_ = conn.Close()
			return
		}
		l.log.Info("channel: connected")

		err = l.readLoop(ctx, conn)
		l.detach(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("channel: connection lost, reconnecting", "err", err)
	}
}

func (l *Link) connect(ctx context.Context) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.Backoff
	b.MaxInterval = l.cfg.MaxBackoff

	op := func() (Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
		defer cancel()
		conn, err := l.cfg.Dialer.Dial(dctx, l.sessionID)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return nil, backoff.Permanent(ctx.Err())
		}
		l.cfg.Metrics.RecordReconnect(ctx, err)
		return conn, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.log.Debug("channel: dial failed", "err", err, "retry_in", next)
			l.setState(StateDegraded)
		}),
	)
}

func (l *Link) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if errors.Is(err, ErrUnsupportedFrame) {
			l.malformed(ctx, err)
			continue
		}
		if err != nil {
			return err
		}
		r, err := DecodeRiskUpdate(data)
		if err != nil {
			l.malformed(ctx, err)
			continue
		}
		if l.h.OnRiskUpdate != nil {
			l.h.OnRiskUpdate(r)
		}
	}
}

func (l *Link) malformed(ctx context.Context, err error) {
	l.log.Warn("channel: dropping malformed message", "err", err)
	l.cfg.Metrics.MalformedMessages.Add(ctx, 1)
}

func (l *Link) heartbeat(ctx context.Context) {
	t := time.NewTicker(l.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.beat(ctx, now)
		}
	}
}

func (l *Link) beat(ctx context.Context, now time.Time) {
	l.mu.Lock()
	conn, state := l.conn, l.state
	l.mu.Unlock()

	alive := false
	if state == StateConnected && conn != nil {
		pctx, cancel := context.WithTimeout(ctx, l.cfg.HeartbeatInterval)
		alive = conn.Ping(pctx) == nil
		cancel()
	}
	if ctx.Err() != nil {
		return
	}
	if !alive {
		l.cfg.Metrics.MissedHeartbeats.Add(ctx, 1)
	}
	if l.h.OnHeartbeat != nil {
		l.h.OnHeartbeat(Heartbeat{At: now, State: state, Alive: alive})
	}
}
