// Package mock provides a recording test double for [history.Store].
//
// Store behaves like [history.MemStore] unless an *Err field is set, in which
// case the corresponding method fails with that error without touching the
// stored data.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceshield/internal/history"
	"github.com/MrWong99/voiceshield/pkg/types"
)

var _ history.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable [history.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	mem   history.MemStore

	SaveErr        error
	ListErr        error
	GetErr         error
	SetFeedbackErr error
}

func (s *Store) record(method string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

func (s *Store) errFor(p *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *p
}

// Calls returns a copy of all recorded invocations.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SetSaveErr changes the Save error while the store is in use.
func (s *Store) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveErr = err
}

// Len returns the number of successfully saved sessions.
func (s *Store) Len() int { return s.mem.Len() }

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, cs types.CallSession) error {
	s.record("Save", cs.ID)
	if err := s.errFor(&s.SaveErr); err != nil {
		return err
	}
	return s.mem.Save(ctx, cs)
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit, offset int) ([]types.CallSession, error) {
	s.record("List", limit, offset)
	if err := s.errFor(&s.ListErr); err != nil {
		return nil, err
	}
	return s.mem.List(ctx, limit, offset)
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (types.CallSession, error) {
	s.record("Get", id)
	if err := s.errFor(&s.GetErr); err != nil {
		return types.CallSession{}, err
	}
	return s.mem.Get(ctx, id)
}

// SetFeedback implements [history.Store].
func (s *Store) SetFeedback(ctx context.Context, id string, isScam bool) error {
	s.record("SetFeedback", id, isScam)
	if err := s.errFor(&s.SetFeedbackErr); err != nil {
		return err
	}
	return s.mem.SetFeedback(ctx, id, isScam)
}
