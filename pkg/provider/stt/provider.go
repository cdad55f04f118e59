// Package stt defines the turn source abstraction over a speech-to-text
// backend.
//
// A [Source] wraps whatever produces finalized speech turns for a call (a
// platform transcriber, a streaming STT service, or a text feed in tests and
// the CLI) and exposes them as a [Stream]. Recognition itself happens outside
// this module; the pipeline only consumes finalized turns.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/voiceshield/pkg/types"
)

// ErrSourceExhausted is returned by [Source.Start] when the source cannot
// produce any further streams, for example a one-shot reader that hit EOF.
var ErrSourceExhausted = errors.New("stt: source exhausted")

// StreamConfig carries recognition hints for a new stream.
type StreamConfig struct {
	// Language is the BCP-47 tag for recognition ("en", "hi-IN"). Empty lets
	// the source auto-detect if it can.
	Language string

	// Keywords boosts recognition of uncommon vocabulary such as remote-access
	// tool names.
	Keywords []string
}

// Stream is one running capture. Turns are delivered in the order they were
// spoken.
//
// Callers must call Close when done. All methods are safe for concurrent use.
type Stream interface {
	// Turns emits finalized turns. The channel is closed when the stream
	// ends, cleanly or not.
	Turns() <-chan types.TranscriptTurn

	// Err returns the error that terminated the stream, or nil if it ended
	// cleanly. It is only meaningful after Turns is closed.
	Err() error

	// Close stops capture and closes the Turns channel. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Source opens turn streams.
type Source interface {
	// Start begins capturing. Cancelling ctx stops the stream. Start may be
	// called again after a stream failed to resume capture.
	Start(ctx context.Context, cfg StreamConfig) (Stream, error)
}
