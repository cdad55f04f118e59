// Package session implements the call session state machine.
//
// A [Machine] drives one monitored call at a time through
// IDLE → MONITORING → LISTENING → ALERTED → SUMMARY → IDLE. It owns the
// microphone, the transcript and the channel link for the session's lifetime
// and hands the finalized record to the history store when the session ends.
//
// Turn arrival, inbound risk updates, heartbeat ticks and user commands may
// happen concurrently. They are serialized on a mutex-guarded session
// object; turns are applied to the transcript and offered to the link
// strictly in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voiceshield/internal/channel"
	"github.com/MrWong99/voiceshield/internal/history"
	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/internal/risk"
	"github.com/MrWong99/voiceshield/internal/transcript"
	"github.com/MrWong99/voiceshield/pkg/audio"
	"github.com/MrWong99/voiceshield/pkg/provider/stt"
	"github.com/MrWong99/voiceshield/pkg/types"
)

var (
	// ErrPermissionDenied is returned by [Machine.Start] when the microphone
	// is unavailable. No session is created.
	ErrPermissionDenied = errors.New("session: microphone permission denied")

	// ErrInvalidTransition is returned when a command does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrNotPersisted is returned by [Machine.Reset] while the ended session
	// has not reached the history store yet.
	ErrNotPersisted = errors.New("session: session not persisted")

	// ErrNoSession is returned by [Machine.RecordFeedback] when no session
	// has been persisted yet.
	ErrNoSession = errors.New("session: no closed session")

	// ErrProtectionExpired is returned by [Machine.Start] once the protection
	// window ran out. [Machine.StartProtection] opens a new one.
	ErrProtectionExpired = errors.New("session: protection window expired")
)

// Default tuning.
const (
	defaultIngestMaxRestarts  = 5
	defaultIngestBackoff      = 500 * time.Millisecond
	defaultHeartbeatMissLimit = 3
)

// Config wires a [Machine] to its collaborators.
type Config struct {
	// Microphone is acquired on Start and released when the session ends.
	// Required.
	Microphone audio.Microphone

	// History receives the finalized session. Required.
	History history.Store

	// Source delivers spoken turns. nil means turns arrive only through
	// [Machine.SubmitTurn].
	Source stt.Source

	// Channel opens the link to the remote analyzer. nil scores every turn
	// locally.
	Channel *channel.Manager

	// Normalizer cleans turns before they are recorded. nil uses
	// [transcript.NewNormalizer] with Language as the default language.
	Normalizer *transcript.Normalizer

	// Language is the recognition language hint, e.g. "en" or "hi-IN".
	Language string

	// Keywords boost recognition of remote-access tool names. Defaults to
	// [transcript.DefaultVocabulary].
	Keywords []string

	// IngestMaxRestarts caps consecutive turn source restarts. Defaults to 5.
	IngestMaxRestarts int

	// IngestBackoff is the delay before the first restart. Defaults to 500ms.
	IngestBackoff time.Duration

	// HeartbeatMissLimit is the number of consecutive missed heartbeats that
	// marks the session degraded. Defaults to 3.
	HeartbeatMissLimit int

	// ProtectionDays is the length of the protection window opened by the
	// first Start. Defaults to [DefaultProtectionDays].
	ProtectionDays int

	// Metrics receives session counters. nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Machine is the session state machine. All methods are safe for concurrent
// use.
type Machine struct {
	cfg        Config
	norm       *transcript.Normalizer
	protection *Protection

	// turnMu orders turn application: a turn is appended and offered to the
	// link before the next one is looked at. Taken before mu.
	turnMu sync.Mutex

	// persistMu serializes history writes so End never saves twice.
	persistMu sync.Mutex

	mu          sync.Mutex
	state       State
	starting    bool
	gen         uint64
	log         *slog.Logger
	id          string
	startTime   time.Time
	tlog        *transcript.Log
	risk        types.RiskResult
	link        *channel.Link
	chanState   channel.State
	misses      int
	interrupted bool
	exhausted   bool
	stopIngest  context.CancelFunc
	ingestDone  chan struct{}
	final       *types.CallSession
	persisted   bool
	lastSaved   string
	subs        map[chan Snapshot]struct{}
}

// New returns an idle Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Microphone == nil {
		return nil, errors.New("session: microphone is required")
	}
	if cfg.History == nil {
		return nil, errors.New("session: history store is required")
	}
	if cfg.Channel == nil {
		cfg.Channel = channel.NewManager(channel.Config{Metrics: cfg.Metrics})
	}
	if cfg.IngestMaxRestarts <= 0 {
		cfg.IngestMaxRestarts = defaultIngestMaxRestarts
	}
	if cfg.IngestBackoff <= 0 {
		cfg.IngestBackoff = defaultIngestBackoff
	}
	if cfg.HeartbeatMissLimit <= 0 {
		cfg.HeartbeatMissLimit = defaultHeartbeatMissLimit
	}
	if cfg.Keywords == nil {
		cfg.Keywords = transcript.DefaultVocabulary
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	norm := cfg.Normalizer
	if norm == nil {
		norm = transcript.NewNormalizer(transcript.WithDefaultLanguage(cfg.Language))
	}
	return &Machine{
		cfg:        cfg,
		norm:       norm,
		protection: NewProtection(cfg.ProtectionDays, cfg.Now),
		log:        slog.Default(),
		risk: risk.New().Result(),
		subs: make(map[chan Snapshot]struct{}),
	}, nil
}

// Start opens a new session: it acquires the microphone, creates the call
// record, opens the channel link and starts turn ingestion. It is only valid
// in IDLE. A denied or unavailable microphone yields [ErrPermissionDenied].
//
// The first Start opens the protection window. Once the window has expired
// Start fails with [ErrProtectionExpired].
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle || m.starting {
		s := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrInvalidTransition, s)
	}
	switch {
	case m.protection.Expired():
		m.mu.Unlock()
		return ErrProtectionExpired
	case !m.protection.Active():
		expires := m.protection.Start()
		m.log.Info("session: protection started", "days", m.protection.Days(), "expires", expires)
	}
	m.starting = true
	m.mu.Unlock()

	granted, err := m.cfg.Microphone.RequestAccess(ctx)
	if err != nil || !granted {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return ErrPermissionDenied
	}

	id := history.NewID()
	sctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false
	m.gen++
	gen := m.gen
	m.log = slog.With("session_id", id)
	m.id = id
	m.startTime = m.cfg.Now().UTC()
	m.tlog = transcript.NewLog()
	m.risk = risk.New().Result()
	m.chanState = channel.StateDisconnected
	m.misses = 0
	m.interrupted = false
	m.exhausted = false
	m.final = nil
	m.persisted = false

	link, err := m.cfg.Channel.Open(sctx, id, m.handlers(gen))
	if err != nil {
		cancel()
		m.releaseMicrophone()
		return fmt.Errorf("session: open channel: %w", err)
	}
	m.link = link
	m.stopIngest = cancel
	m.ingestDone = make(chan struct{})
	if m.cfg.Source != nil {
		go m.ingest(sctx, gen, m.ingestDone)
	} else {
		close(m.ingestDone)
	}

	m.state = StateMonitoring
	m.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("session: started", "remote", m.cfg.Channel.Remote())
	m.publishLocked()
	return nil
}

// StartProtection opens a fresh protection window, also after expiry. It
// does not touch an open session.
func (m *Machine) StartProtection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := m.protection.Start()
	m.log.Info("session: protection started", "days", m.protection.Days(), "expires", expires)
	m.publishLocked()
}

// StopProtection closes the protection window. An open session runs on
// until End; the next Start opens a new window.
func (m *Machine) StopProtection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protection.Stop()
	m.log.Info("session: protection stopped")
	m.publishLocked()
}

// SubmitTurn records a turn delivered outside the configured source, for
// example by a platform callback. It fails outside an open session.
func (m *Machine) SubmitTurn(ctx context.Context, turn types.TranscriptTurn) error {
	m.mu.Lock()
	gen, open := m.gen, m.state.Open()
	m.mu.Unlock()
	if !open {
		return fmt.Errorf("%w: no open session", ErrInvalidTransition)
	}
	return m.applyTurn(ctx, gen, turn)
}

// applyTurn normalizes, records and offers one turn. Blank turns are
// dropped.
func (m *Machine) applyTurn(ctx context.Context, gen uint64, turn types.TranscriptTurn) error {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || !m.state.Open() {
		m.mu.Unlock()
		return fmt.Errorf("%w: session ended", ErrInvalidTransition)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.cfg.Now().UTC()
	}
	norm, corrections := m.norm.Normalize(turn)
	if norm.Text == "" {
		m.mu.Unlock()
		return nil
	}
	for _, c := range corrections {
		m.log.Debug("session: corrected term", "from", c.Original, "to", c.Corrected, "confidence", c.Confidence)
	}
	m.tlog.Append(norm)
	link, log := m.link, m.log
	m.publishLocked()
	m.mu.Unlock()

	m.cfg.Metrics.TurnsIngested.Add(ctx, 1, observeSpeaker(norm.Speaker))

	res, err := link.Send(ctx, norm)
	if err != nil {
		log.Debug("session: turn not offered to link", "err", err)
	}
	if res != nil {
		m.applyRisk(ctx, gen, *res, "local")
	}
	return nil
}

// applyRisk merges an update into the held result and raises the alert when
// the merged label warrants it. Remote updates are topped up with the link's
// local total so the session keeps summing across reconnects.
func (m *Machine) applyRisk(ctx context.Context, gen uint64, r types.RiskResult, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || !m.state.Open() {
		return
	}
	m.risk = risk.Merge(m.risk, r)
	if source == "remote" && m.link != nil {
		// The remote scores only what it saw on its current socket; after a
		// reconnect the link's own running total is ahead of it.
		if local := m.link.LocalResult(); local.Score > m.risk.Score {
			m.risk = risk.Merge(m.risk, local)
		}
	}
	m.cfg.Metrics.RecordRiskUpdate(ctx, source, string(m.risk.Label))
	if m.risk.Label.Alerting() && m.state != StateAlerted {
		m.log.Warn("session: fraud risk detected",
			"label", m.risk.Label,
			"score", m.risk.Score,
			"triggers", m.risk.Triggers,
		)
		m.state = StateAlerted
		m.cfg.Metrics.Alerts.Add(ctx, 1, observeLabel(m.risk.Label))
	}
	m.publishLocked()
}

func (m *Machine) handlers(gen uint64) channel.Handlers {
	return channel.Handlers{
		OnRiskUpdate: func(r types.RiskResult) {
			m.applyRisk(context.Background(), gen, r, "remote")
		},
		OnStateChange: func(s channel.State) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen != gen || !m.state.Open() {
				return
			}
			m.log.Info("session: channel state changed", "channel", s)
			m.chanState = s
			m.publishLocked()
		},
		OnHeartbeat: func(hb channel.Heartbeat) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen != gen || !m.state.Open() {
				return
			}
			if hb.Alive {
				m.misses = 0
			} else {
				m.misses++
				if m.misses == m.cfg.HeartbeatMissLimit {
					m.log.Warn("session: link stalled", "missed_heartbeats", m.misses)
				}
			}
			m.publishLocked()
		},
	}
}

// End finalizes the open session, releases the link, the turn source and
// the microphone, and persists the record. Calling End again returns the
// same record without saving it twice; if the earlier save failed, only the
// save is retried. Storage failures are returned.
func (m *Machine) End(ctx context.Context) (types.CallSession, error) {
	m.turnMu.Lock()
	m.mu.Lock()
	switch {
	case m.state == StateSummary:
		final := m.final.Clone()
		m.mu.Unlock()
		m.turnMu.Unlock()
		return final, m.persist(ctx, final)
	case !m.state.Open():
		s := m.state
		m.mu.Unlock()
		m.turnMu.Unlock()
		return types.CallSession{}, fmt.Errorf("%w: end in %s", ErrInvalidTransition, s)
	}

	end := m.cfg.Now().UTC()
	r := m.risk.Clone()
	final := types.CallSession{
		ID:         m.id,
		StartTime:  m.startTime,
		EndTime:    &end,
		Transcript: m.tlog.Snapshot(),
		FinalRisk:  &r,
	}
	m.final = &final
	m.state = StateSummary
	link, stop, done, log := m.link, m.stopIngest, m.ingestDone, m.log
	m.link = nil
	m.publishLocked()
	m.mu.Unlock()
	m.turnMu.Unlock()

	stop()
	if err := link.Close(ctx); err != nil {
		log.Warn("session: closing channel", "err", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("session: turn source did not stop before end deadline")
	}
	m.releaseMicrophone()
	m.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	log.Info("session: ended",
		"label", r.Label,
		"score", r.Score,
		"turns", len(final.Transcript),
		"duration", end.Sub(final.StartTime),
	)

	return final.Clone(), m.persist(ctx, final)
}

func (m *Machine) persist(ctx context.Context, final types.CallSession) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	done := m.persisted && m.final != nil && m.final.ID == final.ID
	m.mu.Unlock()
	if done {
		return nil
	}

	err := m.cfg.History.Save(ctx, final)
	if errors.Is(err, history.ErrAlreadyExists) {
		err = nil
	}
	m.cfg.Metrics.RecordPersist(ctx, err)
	if err != nil {
		return fmt.Errorf("session: persist %s: %w", final.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.final != nil && m.final.ID == final.ID {
		m.persisted = true
	}
	m.lastSaved = final.ID
	return nil
}

func (m *Machine) releaseMicrophone() {
	if err := m.cfg.Microphone.Release(); err != nil {
		m.log.Warn("session: releasing microphone", "err", err)
	}
}

// Reset discards the ended session and returns to IDLE. It is only valid in
// SUMMARY once the record was persisted.
func (m *Machine) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSummary {
		return fmt.Errorf("%w: reset in %s", ErrInvalidTransition, m.state)
	}
	if !m.persisted {
		return ErrNotPersisted
	}
	m.state = StateIdle
	m.id = ""
	m.startTime = time.Time{}
	m.tlog = nil
	m.risk = risk.New().Result()
	m.chanState = channel.StateDisconnected
	m.misses = 0
	m.interrupted = false
	m.exhausted = false
	m.final = nil
	m.publishLocked()
	return nil
}

// RecordFeedback attaches the user's verdict to the most recently persisted
// session. Feedback can be given once per session.
func (m *Machine) RecordFeedback(ctx context.Context, isScam bool) error {
	m.mu.Lock()
	id := m.lastSaved
	m.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	if err := m.cfg.History.SetFeedback(ctx, id, isScam); err != nil {
		return fmt.Errorf("session: record feedback: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.final != nil && m.final.ID == id {
		v := isScam
		m.final.UserFeedback = &v
		m.publishLocked()
	}
	return nil
}

// Snapshot returns the current view of the machine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Transcript returns the turns recorded so far in the current or last
// session.
func (m *Machine) Transcript() []types.TranscriptTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tlog == nil {
		return []types.TranscriptTurn{}
	}
	return m.tlog.Snapshot()
}

// IngestionDone returns a channel that is closed when turn ingestion of the
// current session stops for good: the source was exhausted, restarts ran
// out, or the session ended. It is nil when no session was started.
func (m *Machine) IngestionDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ingestDone
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers miss intermediate snapshots, never the newest one. Call the
// returned function to unsubscribe.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:                   m.state,
		SessionID:               m.id,
		StartTime:               m.startTime,
		Risk:                    m.risk.Clone(),
		Channel:                 m.chanState,
		Degraded:                m.state.Open() && (m.chanState == channel.StateDegraded || m.misses >= m.cfg.HeartbeatMissLimit),
		ListeningInterrupted:    m.interrupted,
		SourceExhausted:         m.exhausted,
		MissedHeartbeats:        m.misses,
		Protected:               m.protection.Active(),
		ProtectionExpires:       m.protection.ExpiresAt(),
		ProtectionDaysRemaining: m.protection.DaysRemaining(),
	}
	if m.tlog != nil {
		s.Turns = m.tlog.Len()
	}
	if m.final != nil {
		f := m.final.Clone()
		s.Summary = &f
	}
	return s
}

// publishLocked hands the latest snapshot to every subscriber without
// blocking. Caller holds mu.
func (m *Machine) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
