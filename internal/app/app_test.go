package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voiceshield/internal/app"
	"github.com/MrWong99/voiceshield/internal/config"
	"github.com/MrWong99/voiceshield/internal/history"
	histmock "github.com/MrWong99/voiceshield/internal/history/mock"
	"github.com/MrWong99/voiceshield/internal/session"
	audiomock "github.com/MrWong99/voiceshield/pkg/audio/mock"
	"github.com/MrWong99/voiceshield/pkg/provider/stt/linefeed"
	sttmock "github.com/MrWong99/voiceshield/pkg/provider/stt/mock"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// testConfig returns defaults with a memory backend and fast ingestion.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.History.Backend = config.HistoryMemory
	cfg.Session.IngestBackoff = time.Millisecond
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(t.Context(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	store := &histmock.Store{}
	a := newApp(t, testConfig(), app.WithHistoryStore(store), app.WithMicrophone(&audiomock.Microphone{}))
	if a.Session() == nil || a.Analyzer() == nil {
		t.Fatal("New left a subsystem nil")
	}
	if a.History() != store {
		t.Error("History() did not return the injected store")
	}
	if a.Analyzer().RemoteBreaker() != nil {
		t.Error("analyzer without url should be local only")
	}
}

func TestNew_RemoteAnalyzer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Analyzer.URL = "http://127.0.0.1:1"
	a := newApp(t, cfg)
	if a.Analyzer().RemoteBreaker() == nil {
		t.Error("analyzer.url set but no remote breaker")
	}
}

func TestOpenHistory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.HistoryConfig
		wantErr bool
	}{
		{"memory", config.HistoryConfig{Backend: config.HistoryMemory}, false},
		{"file", config.HistoryConfig{Backend: config.HistoryFile, Path: filepath.Join(t.TempDir(), "h.jsonl")}, false},
		{"unknown", config.HistoryConfig{Backend: "tape"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, closer, err := app.OpenHistory(t.Context(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenHistory: %v", err)
			}
			if store == nil {
				t.Fatal("store is nil")
			}
			if closer != nil {
				t.Errorf("%s backend should not need a closer", tt.name)
			}
		})
	}
}

func TestMonitor_ScoresFeedAndPersists(t *testing.T) {
	t.Parallel()

	store := &histmock.Store{}
	mic := &audiomock.Microphone{}
	feed := strings.NewReader("caller: good morning, this is your bank\n\nuser: hello?\ncaller: Please tell me the 6 digit OTP\n")
	a := newApp(t, testConfig(),
		app.WithHistoryStore(store),
		app.WithMicrophone(mic),
		app.WithSource(linefeed.New(feed)),
	)

	var (
		mu     sync.Mutex
		states []session.State
	)
	final, err := a.Monitor(t.Context(), func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	if len(final.Transcript) != 3 {
		t.Fatalf("transcript = %+v, want 3 turns", final.Transcript)
	}
	if final.Transcript[1].Speaker != types.SpeakerUser {
		t.Errorf("turn 1 speaker = %s, want user", final.Transcript[1].Speaker)
	}
	if final.FinalRisk == nil || final.FinalRisk.Label != types.LabelHigh {
		t.Errorf("final risk = %+v, want HIGH", final.FinalRisk)
	}
	if store.Len() != 1 {
		t.Errorf("persisted sessions = %d, want 1", store.Len())
	}
	if mic.Held() {
		t.Error("microphone still held after Monitor")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != session.StateSummary {
		t.Errorf("snapshot states = %v, want to end in SUMMARY", states)
	}
}

func TestMonitor_PermissionDenied(t *testing.T) {
	t.Parallel()

	store := &histmock.Store{}
	a := newApp(t, testConfig(), app.WithHistoryStore(store), app.WithMicrophone(&audiomock.Microphone{Deny: true}))

	if _, err := a.Monitor(t.Context(), nil); !errors.Is(err, session.ErrPermissionDenied) {
		t.Errorf("Monitor err = %v, want ErrPermissionDenied", err)
	}
	if store.CallCount("Save") != 0 {
		t.Error("denied session must not be persisted")
	}
}

func TestMonitor_CancelEndsSession(t *testing.T) {
	t.Parallel()

	store := &histmock.Store{}
	// No source: the session stays open until ctx is cancelled.
	a := newApp(t, testConfig(), app.WithHistoryStore(store))

	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := a.Monitor(ctx, func(s session.Snapshot) {
			if s.State.Open() {
				once.Do(func() { close(started) })
			}
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("session never opened")
	}
	if err := a.Session().SubmitTurn(t.Context(), types.TranscriptTurn{Speaker: types.SpeakerCaller, Text: "this is urgent"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Monitor: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	if store.Len() != 1 {
		t.Errorf("persisted sessions = %d, want 1", store.Len())
	}
}

func TestMonitor_FailingSourceKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	store := &histmock.Store{}
	cfg := testConfig()
	cfg.Session.IngestMaxRestarts = 2
	src := &sttmock.Source{StartErr: errors.New("recognizer unavailable")}
	a := newApp(t, cfg, app.WithHistoryStore(store), app.WithSource(src))

	ctx, cancel := context.WithCancel(t.Context())
	interrupted := make(chan struct{})
	var once sync.Once
	done := make(chan types.CallSession, 1)
	go func() {
		final, err := a.Monitor(ctx, func(s session.Snapshot) {
			if s.ListeningInterrupted {
				once.Do(func() { close(interrupted) })
			}
		})
		if err != nil {
			t.Errorf("Monitor: %v", err)
		}
		done <- final
	}()

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("listening was never interrupted")
	}

	// Restarts are used up but the call goes on; risk keeps accumulating.
	time.Sleep(20 * time.Millisecond)
	snap := a.Session().Snapshot()
	if !snap.State.Open() || snap.SourceExhausted {
		t.Fatalf("snapshot = %+v, want an open, interrupted session", snap)
	}
	if err := a.Session().SubmitTurn(t.Context(), types.TranscriptTurn{Speaker: types.SpeakerCaller, Text: "share the otp"}); err != nil {
		t.Fatalf("SubmitTurn after interruption: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("persisted sessions = %d before cancel, want 0", store.Len())
	}

	cancel()
	select {
	case final := <-done:
		if final.FinalRisk == nil || final.FinalRisk.Label != types.LabelHigh {
			t.Errorf("final risk = %+v, want HIGH", final.FinalRisk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	if store.Len() != 1 {
		t.Errorf("persisted sessions = %d, want 1", store.Len())
	}
}

func TestFeedback(t *testing.T) {
	t.Parallel()

	store := history.NewMemStore()
	a := newApp(t, testConfig(), app.WithHistoryStore(store), app.WithSource(linefeed.New(strings.NewReader("caller: hi\n"))))

	if err := a.Feedback(t.Context(), "", true); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Feedback before any session err = %v, want ErrNoSession", err)
	}

	final, err := a.Monitor(t.Context(), nil)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if err := a.Feedback(t.Context(), "", false); err != nil {
		t.Fatalf("Feedback(last): %v", err)
	}
	if err := a.Feedback(t.Context(), final.ID, true); !errors.Is(err, history.ErrFeedbackAlreadySet) {
		t.Errorf("second Feedback err = %v, want ErrFeedbackAlreadySet", err)
	}
	if err := a.Feedback(t.Context(), "call_unknown", true); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Feedback(unknown) err = %v, want ErrNotFound", err)
	}

	got, err := store.Get(t.Context(), final.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserFeedback == nil || *got.UserFeedback {
		t.Errorf("UserFeedback = %v, want false", got.UserFeedback)
	}
}

func TestShutdown_EndsOpenSession(t *testing.T) {
	t.Parallel()

	store := &histmock.Store{}
	mic := &audiomock.Microphone{}
	a, err := app.New(t.Context(), testConfig(), app.WithHistoryStore(store), app.WithMicrophone(mic))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Session().Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if store.CallCount("Save") != 1 {
		t.Errorf("Save calls = %d, want 1", store.CallCount("Save"))
	}
	if mic.Held() {
		t.Error("microphone still held after Shutdown")
	}
	// Second Shutdown is a no-op.
	if err := a.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if store.CallCount("Save") != 1 {
		t.Error("second Shutdown saved again")
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.History.Backend = config.HistoryFile
	cfg.History.Path = filepath.Join(t.TempDir(), "h.jsonl")
	a, err := app.New(t.Context(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	// Nothing to close for the file backend, so an expired context is fine.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
