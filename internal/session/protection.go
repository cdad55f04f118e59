package session

import (
	"math"
	"sync"
	"time"
)

// DefaultProtectionDays is the length of a protection window when none is
// configured.
const DefaultProtectionDays = 6

const day = 24 * time.Hour

// Protection is the period during which calls are monitored in the
// background. It opens with [Protection.Start] and closes after a fixed
// number of days or on [Protection.Stop]. It is safe for concurrent use.
type Protection struct {
	mu      sync.Mutex
	days    int
	now     func() time.Time
	started time.Time
	active  bool
}

// NewProtection returns a closed window lasting days once started. days <= 0
// uses [DefaultProtectionDays]; now defaults to time.Now.
func NewProtection(days int, now func() time.Time) *Protection {
	if days <= 0 {
		days = DefaultProtectionDays
	}
	if now == nil {
		now = time.Now
	}
	return &Protection{days: days, now: now}
}

// Days returns the configured window length.
func (p *Protection) Days() int { return p.days }

// Start opens a fresh window beginning now, also when one is running or has
// expired. It returns the expiry.
func (p *Protection) Start() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = p.now().UTC()
	p.active = true
	return p.expiryLocked()
}

// Stop closes the window.
func (p *Protection) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.started = time.Time{}
}

// Active reports whether the window is open and not yet expired.
func (p *Protection) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.now().Before(p.expiryLocked())
}

// Expired reports whether a started window ran out without being stopped.
func (p *Protection) Expired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && !p.now().Before(p.expiryLocked())
}

// StartedAt returns when the window opened, or the zero time when closed.
func (p *Protection) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// ExpiresAt returns when the window closes, or the zero time when closed.
func (p *Protection) ExpiresAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return time.Time{}
	}
	return p.expiryLocked()
}

// DaysRemaining returns the started days left in the window, so a fresh
// window reports the full length and the last day reports 1. A closed or
// expired window reports 0.
func (p *Protection) DaysRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return 0
	}
	left := p.expiryLocked().Sub(p.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(day)))
}

func (p *Protection) expiryLocked() time.Time {
	return p.started.Add(time.Duration(p.days) * day)
}
