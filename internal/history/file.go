package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/voiceshield/pkg/types"
)

var _ Store = (*FileStore)(nil)

// Record kinds in the JSONL file.
const (
	kindSession  = "session"
	kindFeedback = "feedback"
)

// record is one line of the history file. Sessions are written once; feedback
// is appended as a separate line so the file never needs rewriting.
type record struct {
	Kind      string             `json:"kind"`
	Timestamp time.Time          `json:"timestamp"`
	Session   *types.CallSession `json:"session,omitempty"`
	ID        string             `json:"id,omitempty"`
	IsScam    *bool              `json:"isScam,omitempty"`
}

// FileStore persists sessions as append-only JSON lines in a local file and
// serves reads from an in-memory index rebuilt on open.
type FileStore struct {
	path string
	mem  MemStore
}

// OpenFileStore loads the history file at path, creating nothing until the
// first write. Lines that cannot be decoded are skipped with a warning; a
// torn final line from an interrupted write is the usual cause.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			slog.Warn("history: skipping malformed line", "path", path, "line", line, "err", err)
			continue
		}
		s.replay(rec, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: read %q: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) replay(rec record, line int) {
	switch rec.Kind {
	case kindSession:
		if rec.Session == nil || validate(*rec.Session) != nil {
			slog.Warn("history: skipping invalid session record", "path", s.path, "line", line)
			return
		}
		if _, dup := s.mem.index[rec.Session.ID]; dup {
			return
		}
		s.mem.insert(*rec.Session)
	case kindFeedback:
		if rec.IsScam == nil || s.mem.checkFeedback(rec.ID) != nil {
			return
		}
		s.mem.setFeedback(rec.ID, *rec.IsScam)
	default:
		slog.Warn("history: skipping unknown record kind", "path", s.path, "line", line, "kind", rec.Kind)
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Save implements [Store].
func (s *FileStore) Save(_ context.Context, cs types.CallSession) error {
	if err := validate(cs); err != nil {
		return err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if _, ok := s.mem.index[cs.ID]; ok {
		return ErrAlreadyExists
	}
	if err := s.append(record{Kind: kindSession, Timestamp: time.Now().UTC(), Session: &cs}); err != nil {
		return err
	}
	s.mem.insert(cs)
	return nil
}

// List implements [Store].
func (s *FileStore) List(ctx context.Context, limit, offset int) ([]types.CallSession, error) {
	return s.mem.List(ctx, limit, offset)
}

// Get implements [Store].
func (s *FileStore) Get(ctx context.Context, id string) (types.CallSession, error) {
	return s.mem.Get(ctx, id)
}

// SetFeedback implements [Store].
func (s *FileStore) SetFeedback(_ context.Context, id string, isScam bool) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if err := s.mem.checkFeedback(id); err != nil {
		return err
	}
	if err := s.append(record{Kind: kindFeedback, Timestamp: time.Now().UTC(), ID: id, IsScam: &isScam}); err != nil {
		return err
	}
	s.mem.setFeedback(id, isScam)
	return nil
}

func (s *FileStore) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("history: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}
