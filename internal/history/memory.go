package history

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceshield/pkg/types"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps sessions in process memory. The zero value is ready to use.
type MemStore struct {
	mu       sync.Mutex
	sessions []types.CallSession
	index    map[string]int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, s types.CallSession) error {
	if err := validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.insert(s)
	return nil
}

func (m *MemStore) insert(s types.CallSession) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	m.index[s.ID] = len(m.sessions)
	m.sessions = append(m.sessions, s.Clone())
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, limit, offset int) ([]types.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.sessions, limit, offset), nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, id string) (types.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return types.CallSession{}, ErrNotFound
	}
	return m.sessions[i].Clone(), nil
}

// SetFeedback implements [Store].
func (m *MemStore) SetFeedback(_ context.Context, id string, isScam bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFeedback(id); err != nil {
		return err
	}
	m.setFeedback(id, isScam)
	return nil
}

func (m *MemStore) checkFeedback(id string) error {
	i, ok := m.index[id]
	if !ok {
		return ErrNotFound
	}
	if m.sessions[i].UserFeedback != nil {
		return ErrFeedbackAlreadySet
	}
	return nil
}

func (m *MemStore) setFeedback(id string, isScam bool) {
	v := isScam
	m.sessions[m.index[id]].UserFeedback = &v
}

// Len returns the number of stored sessions.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
