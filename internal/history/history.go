// Package history persists closed call sessions.
//
// A session enters the store exactly once, when the live session ends. After
// that the record is read-only except for the user's scam feedback, which may
// be attached once. Three backends share these semantics: [MemStore] for
// tests and ephemeral runs, [FileStore] for a local append-only JSONL file and
// the postgres subpackage for shared deployments.
package history

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/MrWong99/voiceshield/pkg/types"
)

var (
	// ErrNotFound is returned when no session with the given ID exists.
	ErrNotFound = errors.New("history: session not found")

	// ErrAlreadyExists is returned when a session ID is saved twice.
	ErrAlreadyExists = errors.New("history: session already exists")

	// ErrFeedbackAlreadySet is returned when feedback is recorded for a
	// session that already carries feedback.
	ErrFeedbackAlreadySet = errors.New("history: feedback already set")

	// ErrNotClosed is returned when saving a session without an end time or
	// final risk.
	ErrNotClosed = errors.New("history: session is not closed")
)

// Store is the session history contract.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save records a closed session. Saving the same ID twice returns
	// [ErrAlreadyExists].
	Save(ctx context.Context, s types.CallSession) error

	// List returns sessions newest-first by start time. A limit <= 0 means no
	// limit.
	List(ctx context.Context, limit, offset int) ([]types.CallSession, error)

	// Get returns one session or [ErrNotFound].
	Get(ctx context.Context, id string) (types.CallSession, error)

	// SetFeedback attaches the user's verdict to a stored session.
	SetFeedback(ctx context.Context, id string, isScam bool) error
}

// NewID returns a fresh session identifier.
func NewID() string {
	return "call_" + uuid.NewString()
}

func validate(s types.CallSession) error {
	if s.ID == "" {
		return errors.New("history: session id is empty")
	}
	if !s.Closed() {
		return ErrNotClosed
	}
	return nil
}

// page sorts newest-first and applies limit/offset. Sessions with equal start
// times keep reverse insertion order, so the stable sort runs on the slice
// reversed from insertion order.
func page(inserted []types.CallSession, limit, offset int) []types.CallSession {
	out := make([]types.CallSession, 0, len(inserted))
	for i := len(inserted) - 1; i >= 0; i-- {
		out = append(out, inserted[i].Clone())
	}
	slices.SortStableFunc(out, func(a, b types.CallSession) int {
		return b.StartTime.Compare(a.StartTime)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []types.CallSession{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
