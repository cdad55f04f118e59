// Package linefeed implements a [stt.Source] that reads already transcribed
// turns from text, one per line, in the form "speaker: text".
//
// Lines without a recognised speaker prefix are attributed to the caller.
// Blank lines are skipped. The source is one-shot: once the reader is
// consumed, further Start calls return [stt.ErrSourceExhausted].
package linefeed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voiceshield/pkg/provider/stt"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// Source reads turns from an [io.Reader].
type Source struct {
	mu      sync.Mutex
	r       io.Reader
	started bool
	now     func() time.Time
}

// New returns a source reading from r.
func New(r io.Reader) *Source {
	return &Source{r: r, now: time.Now}
}

// Start implements [stt.Source].
func (s *Source) Start(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, stt.ErrSourceExhausted
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	st := &stream{
		out:    make(chan types.TranscriptTurn),
		cancel: cancel,
	}
	lines := make(chan string)
	readErr := make(chan error, 1)

	// The reader goroutine may stay blocked on a terminal read after Close;
	// it exits at the next line or EOF.
	go func() {
		sc := bufio.NewScanner(s.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			readErr <- fmt.Errorf("linefeed: read: %w", err)
		}
		close(lines)
	}()

	go func() {
		defer close(st.out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-readErr:
				st.setErr(err)
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				turn, ok := ParseLine(line, s.now(), cfg.Language)
				if !ok {
					continue
				}
				select {
				case st.out <- turn:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return st, nil
}

// ParseLine converts one "speaker: text" line into a turn. It reports false
// for blank lines.
func ParseLine(line string, at time.Time, lang string) (types.TranscriptTurn, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.TranscriptTurn{}, false
	}
	speaker := types.SpeakerCaller
	if prefix, rest, ok := strings.Cut(line, ":"); ok {
		switch strings.ToLower(strings.TrimSpace(prefix)) {
		case "caller", "user", "me", "you", "self":
			speaker = types.ParseSpeaker(prefix)
			line = strings.TrimSpace(rest)
		}
	}
	if line == "" {
		return types.TranscriptTurn{}, false
	}
	return types.TranscriptTurn{Speaker: speaker, Text: line, Timestamp: at, Language: lang}, true
}

type stream struct {
	out    chan types.TranscriptTurn
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (st *stream) Turns() <-chan types.TranscriptTurn { return st.out }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) setErr(err error) {
	st.mu.Lock()
	st.err = err
	st.mu.Unlock()
}

func (st *stream) Close() error {
	st.cancel()
	return nil
}

var _ stt.Source = (*Source)(nil)
