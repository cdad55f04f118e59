// Package mock provides an in-memory mock of [audio.Microphone] for unit
// tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert that access was requested and released, and exposes fields that
// control the outcome.
//
// Typical usage:
//
//	mic := &mock.Microphone{Deny: true}
//	ok, err := mic.RequestAccess(ctx) // false, nil
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceshield/pkg/audio"
)

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Deny makes RequestAccess report false.
	Deny bool

	// RequestErr is returned by RequestAccess.
	RequestErr error

	// ReleaseErr is returned by Release.
	ReleaseErr error

	// CallCountRequest records how many times RequestAccess was called.
	CallCountRequest int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	held bool
}

// RequestAccess records the call and grants access unless Deny or
// RequestErr is set.
func (m *Microphone) RequestAccess(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountRequest++
	if m.RequestErr != nil {
		return false, m.RequestErr
	}
	if m.Deny {
		return false, nil
	}
	m.held = true
	return true, nil
}

// Release records the call and returns ReleaseErr.
func (m *Microphone) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountRelease++
	m.held = false
	return m.ReleaseErr
}

// Held reports whether access is currently granted and not yet released.
func (m *Microphone) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Releases returns the number of Release calls. Thread-safe.
func (m *Microphone) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountRelease
}

var _ audio.Microphone = (*Microphone)(nil)
