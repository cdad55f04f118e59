// Package transcript holds the ordered record of a call's speech turns and
// the normalisation applied to turns before they are recorded.
package transcript

import (
	"iter"
	"slices"
	"sync"

	"github.com/MrWong99/voiceshield/pkg/types"
)

// Log is an append-only, ordered sequence of turns. There is no way to edit
// or remove a turn once appended. Log is safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	turns []types.TranscriptTurn
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append records turn after every previously appended turn.
func (l *Log) Append(turn types.TranscriptTurn) {
	l.mu.Lock()
	l.turns = append(l.turns, turn)
	l.mu.Unlock()
}

// Len returns the number of recorded turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// All yields turns in insertion order. The sequence is lazy and may be ranged
// over any number of times; each pass sees the turns present when it reaches
// them, so turns appended mid-iteration are included.
func (l *Log) All() iter.Seq[types.TranscriptTurn] {
	return func(yield func(types.TranscriptTurn) bool) {
		for i := 0; ; i++ {
			l.mu.RLock()
			if i >= len(l.turns) {
				l.mu.RUnlock()
				return
			}
			t := l.turns[i]
			l.mu.RUnlock()
			if !yield(t) {
				return
			}
		}
	}
}

// LastN returns up to the k most recent turns, oldest first.
func (l *Log) LastN(k int) []types.TranscriptTurn {
	if k <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := max(len(l.turns)-k, 0)
	return slices.Clone(l.turns[start:])
}

// Snapshot returns a copy of every turn.
func (l *Log) Snapshot() []types.TranscriptTurn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := slices.Clone(l.turns)
	if out == nil {
		out = []types.TranscriptTurn{}
	}
	return out
}
