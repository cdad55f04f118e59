// Package audio defines the capture-device abstraction used by a monitoring
// session.
//
// The pipeline never touches audio samples; it only needs to acquire the
// capture device before a session starts and release it on every exit path.
// Platform adapters implement [Microphone].
package audio

import (
	"context"
	"sync/atomic"
)

// Microphone grants or denies access to the capture device.
type Microphone interface {
	// RequestAccess asks for capture permission. It reports false without an
	// error when the user or the platform denied access.
	RequestAccess(ctx context.Context) (bool, error)

	// Release gives the device back. Calling Release without a granted
	// access, or more than once, is safe.
	Release() error
}

// Granted is a [Microphone] that always grants access. It suits turn sources
// that do not capture audio themselves, such as text feeds.
type Granted struct {
	held atomic.Bool
}

// RequestAccess implements [Microphone].
func (g *Granted) RequestAccess(context.Context) (bool, error) {
	g.held.Store(true)
	return true, nil
}

// Release implements [Microphone].
func (g *Granted) Release() error {
	g.held.Store(false)
	return nil
}

// Held reports whether access is currently held.
func (g *Granted) Held() bool { return g.held.Load() }

var _ Microphone = (*Granted)(nil)
