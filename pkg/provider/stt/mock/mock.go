// Package mock provides test doubles for the stt package interfaces.
//
// Use Source to hand out a scripted sequence of streams and to verify how
// often the caller (re)started capture. Use Stream to feed controlled turns
// and end the stream cleanly or with an error.
//
// Example:
//
//	s := mock.NewStream(4)
//	src := &mock.Source{Streams: []*mock.Stream{s}}
//	s.Send(types.TranscriptTurn{Speaker: types.SpeakerCaller, Text: "hi"})
//	s.Fail(errors.New("socket reset"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceshield/pkg/provider/stt"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// StartCall records a single invocation of Source.Start.
type StartCall struct {
	Cfg stt.StreamConfig
}

// Source is a mock implementation of stt.Source. Each Start call returns the
// next element of Streams; once they run out, StartErr is returned, or
// [stt.ErrSourceExhausted] when StartErr is nil.
type Source struct {
	mu sync.Mutex

	// Streams are handed out in order.
	Streams []*Stream

	// StartErr, if non-nil, is returned by every Start call once Streams is
	// exhausted.
	StartErr error

	// StartCalls records every call to Start.
	StartCalls []StartCall

	next int
}

// Start records the call and returns the next scripted stream.
func (s *Source) Start(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, StartCall{Cfg: cfg})
	if s.next < len(s.Streams) {
		st := s.Streams[s.next]
		s.next++
		return st, nil
	}
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	return nil, stt.ErrSourceExhausted
}

// StartCallCount returns the number of Start calls. Thread-safe.
func (s *Source) StartCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.StartCalls)
}

// Ensure Source implements stt.Source at compile time.
var _ stt.Source = (*Source)(nil)

// Stream is a mock implementation of stt.Stream.
type Stream struct {
	mu      sync.Mutex
	turns   chan types.TranscriptTurn
	err     error
	closed  bool
	closeCt int

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error
}

// NewStream returns a stream whose Turns channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{turns: make(chan types.TranscriptTurn, buffer)}
}

// Send delivers turn to the consumer. It blocks when the buffer is full and
// is a no-op after the stream ended.
func (s *Stream) Send(turn types.TranscriptTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.turns <- turn
}

// End closes the stream cleanly.
func (s *Stream) End() { s.finish(nil) }

// Fail closes the stream with err.
func (s *Stream) Fail(err error) { s.finish(err) }

func (s *Stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.turns)
}

// Turns implements stt.Stream.
func (s *Stream) Turns() <-chan types.TranscriptTurn { return s.turns }

// Err implements stt.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call, ends the stream and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCt++
	s.mu.Unlock()
	s.finish(nil)
	return s.CloseErr
}

// CloseCallCount returns the number of Close calls. Thread-safe.
func (s *Stream) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCt
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)
