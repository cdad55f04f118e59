// Package channel manages the duplex link between a monitoring session and
// the remote risk analyzer.
//
// A [Link] is opened per session. Turns are written as JSON text frames and
// risk updates arrive asynchronously on the same connection. Whenever the
// link is not connected, every turn is scored by a local [risk.Aggregator]
// that shadows the session, so a caller always gets a usable risk result.
// Unexpected closure triggers bounded reconnection with exponential backoff.
// Turns that were scored locally are never re-sent.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voiceshield/pkg/types"
)

var (
	// ErrClosed is returned by [Link.Send] after [Link.Close].
	ErrClosed = errors.New("channel: link closed")

	// ErrUnsupportedFrame is returned by [Conn.Read] for a frame that is not
	// text. The link drops such frames and keeps reading.
	ErrUnsupportedFrame = errors.New("channel: unsupported frame type")
)

// State is the connection state of a [Link].
type State int

const (
	// StateDisconnected is the state before the first dial and after Close.
	// A link without a remote endpoint also stays here.
	StateDisconnected State = iota

	// StateConnecting means the initial dial is in progress.
	StateConnecting

	// StateConnected means turns are delivered to the remote analyzer.
	StateConnected

	// StateDegraded means the remote is unreachable and turns are scored
	// locally while reconnection is attempted.
	StateDegraded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Message types on the wire.
const (
	TypeTranscript = "transcript"
	TypeEndCall    = "end_call"
	TypeRiskUpdate = "risk_update"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a frame of the given type. A nil payload is omitted.
func Encode(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("channel: encode %s: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeRiskUpdate parses an inbound frame. It fails for anything other than
// a risk_update whose payload carries a known label.
func DecodeRiskUpdate(data []byte) (types.RiskResult, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.RiskResult{}, fmt.Errorf("channel: decode frame: %w", err)
	}
	if env.Type != TypeRiskUpdate {
		return types.RiskResult{}, fmt.Errorf("channel: unexpected message type %q", env.Type)
	}
	if len(env.Payload) == 0 {
		return types.RiskResult{}, errors.New("channel: risk_update without payload")
	}
	var r types.RiskResult
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		return types.RiskResult{}, fmt.Errorf("channel: decode risk_update: %w", err)
	}
	if !r.Label.IsValid() {
		return types.RiskResult{}, fmt.Errorf("channel: risk_update label %q is invalid", r.Label)
	}
	return r.Clone(), nil
}

// Heartbeat is one liveness tick reported through [Handlers.OnHeartbeat].
type Heartbeat struct {
	At    time.Time
	State State

	// Alive is true when the link was connected and answered a ping.
	Alive bool
}

// Handlers receive link events. Any field may be nil.
//
// Handlers run synchronously on the link's goroutines and inside Send and
// Close. Callers must not hold locks that a handler acquires while calling
// Send or Close.
type Handlers struct {
	OnRiskUpdate  func(types.RiskResult)
	OnStateChange func(State)
	OnHeartbeat   func(Heartbeat)
}

// Conn is one established duplex connection.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error

	// Ping checks liveness. It requires a concurrent Read to observe the
	// reply.
	Ping(ctx context.Context) error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer establishes connections for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}
