package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/voiceshield/internal/channel"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// State is the lifecycle phase of the monitored call.
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota

	// StateMonitoring means the session is open and capture is starting.
	StateMonitoring

	// StateListening means the turn source reported that capture runs.
	StateListening

	// StateAlerted means the risk reached MEDIUM or HIGH. It is never left
	// for a lower state while the session is open.
	StateAlerted

	// StateSummary means the session ended and its record is final.
	StateSummary
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateMonitoring:
		return "MONITORING"
	case StateListening:
		return "LISTENING"
	case StateAlerted:
		return "ALERTED"
	case StateSummary:
		return "SUMMARY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Open reports whether a session is live in state s.
func (s State) Open() bool {
	return s == StateMonitoring || s == StateListening || s == StateAlerted
}

// Snapshot is a point-in-time view of the machine for rendering layers.
type Snapshot struct {
	State     State
	SessionID string
	StartTime time.Time
	Risk      types.RiskResult
	Turns     int

	// Channel is the state of the link to the remote analyzer.
	Channel channel.State

	// Degraded is set while risk confidence is reduced: the link is
	// DEGRADED or heartbeats were missed repeatedly. The risk label is not
	// changed by it.
	Degraded bool

	// ListeningInterrupted is set once the turn source could not be
	// restarted. The session stays open.
	ListeningInterrupted bool

	// SourceExhausted is set when the turn source reported that the call
	// has no more turns, as opposed to failing.
	SourceExhausted bool

	MissedHeartbeats int

	// Protected is set while the protection window is open.
	Protected               bool
	ProtectionExpires       time.Time
	ProtectionDaysRemaining int

	// Summary is the finalized record in StateSummary.
	Summary *types.CallSession
}
