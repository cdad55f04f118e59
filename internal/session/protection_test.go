package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voiceshield/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestProtection_DaysRemaining(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		elapsed time.Duration
		days    int
		active  bool
	}{
		{"just started", 0, 6, true},
		{"one second in", time.Second, 6, true},
		{"one day in", 24 * time.Hour, 5, true},
		{"last day", 5*24*time.Hour + 23*time.Hour, 1, true},
		{"expired", 6 * 24 * time.Hour, 0, false},
		{"long expired", 30 * 24 * time.Hour, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newClock()
			p := session.NewProtection(6, c.Now)
			p.Start()
			c.Advance(tt.elapsed)
			if got := p.DaysRemaining(); got != tt.days {
				t.Errorf("DaysRemaining = %d, want %d", got, tt.days)
			}
			if got := p.Active(); got != tt.active {
				t.Errorf("Active = %v, want %v", got, tt.active)
			}
			if got := p.Expired(); got == tt.active {
				t.Errorf("Expired = %v, want %v", got, !tt.active)
			}
		})
	}
}

func TestProtection_StopAndRestart(t *testing.T) {
	t.Parallel()
	c := newClock()
	p := session.NewProtection(0, c.Now)
	if p.Days() != session.DefaultProtectionDays {
		t.Errorf("Days = %d, want default %d", p.Days(), session.DefaultProtectionDays)
	}
	if p.Active() || p.Expired() || p.DaysRemaining() != 0 || !p.ExpiresAt().IsZero() {
		t.Fatal("new window is not closed")
	}

	expires := p.Start()
	if want := c.Now().Add(6 * 24 * time.Hour); !expires.Equal(want) || !p.ExpiresAt().Equal(want) {
		t.Errorf("expiry = %v, want %v", expires, want)
	}
	p.Stop()
	if p.Active() || p.Expired() || !p.StartedAt().IsZero() {
		t.Error("stopped window still open")
	}

	c.Advance(10 * 24 * time.Hour)
	p.Start()
	if p.DaysRemaining() != 6 || !p.StartedAt().Equal(c.Now()) {
		t.Errorf("restarted window: %d days from %v", p.DaysRemaining(), p.StartedAt())
	}
}

func TestStart_ProtectionWindow(t *testing.T) {
	t.Parallel()
	c := newClock()
	h := newHarness(t, func(cfg *session.Config) {
		cfg.Now = c.Now
		cfg.ProtectionDays = 3
	})

	if snap := h.m.Snapshot(); snap.Protected || snap.ProtectionDaysRemaining != 0 {
		t.Fatalf("protection open before the first call: %+v", snap)
	}
	mustStart(t, h.m)
	snap := h.m.Snapshot()
	if !snap.Protected || snap.ProtectionDaysRemaining != 3 || !snap.ProtectionExpires.Equal(c.Now().Add(3*24*time.Hour)) {
		t.Errorf("snapshot = %+v, want a fresh 3 day window", snap)
	}
	if _, err := h.m.End(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Reset(t.Context()); err != nil {
		t.Fatal(err)
	}

	// A later call inside the window keeps counting down.
	c.Advance(36 * time.Hour)
	mustStart(t, h.m)
	if got := h.m.Snapshot().ProtectionDaysRemaining; got != 2 {
		t.Errorf("days remaining = %d, want 2", got)
	}
	if _, err := h.m.End(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Reset(t.Context()); err != nil {
		t.Fatal(err)
	}

	c.Advance(2 * 24 * time.Hour)
	if err := h.m.Start(t.Context()); !errors.Is(err, session.ErrProtectionExpired) {
		t.Fatalf("Start after expiry = %v, want ErrProtectionExpired", err)
	}
	if h.mic.Held() {
		t.Error("microphone acquired after expiry")
	}
	if snap := h.m.Snapshot(); snap.Protected || snap.ProtectionDaysRemaining != 0 || snap.State != session.StateIdle {
		t.Errorf("snapshot after expiry = %+v", snap)
	}

	h.m.StartProtection()
	mustStart(t, h.m)
	if got := h.m.Snapshot().ProtectionDaysRemaining; got != 3 {
		t.Errorf("days remaining after renewal = %d, want 3", got)
	}
}

func TestStopProtection_KeepsSessionOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	mustStart(t, h.m)

	h.m.StopProtection()
	snap := h.m.Snapshot()
	if snap.Protected || !snap.State.Open() {
		t.Errorf("snapshot = %+v, want open session without protection", snap)
	}
	mustSubmit(t, h.m, "share the otp")
	if _, err := h.m.End(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Reset(t.Context()); err != nil {
		t.Fatal(err)
	}
	mustStart(t, h.m)
	if !h.m.Snapshot().Protected {
		t.Error("next call did not reopen protection")
	}
}
