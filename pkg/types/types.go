// Package types defines the shared types used across all VoiceShield packages.
//
// These types form the lingua franca between the turn source, the detector,
// the channel, the session machine and the history stores. Each package keeps
// its own domain types; cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"strings"
	"time"
)

// Speaker identifies which party of the call produced a turn.
type Speaker string

const (
	// SpeakerCaller is the remote party, the one being screened for fraud.
	SpeakerCaller Speaker = "caller"

	// SpeakerUser is the protected local participant.
	SpeakerUser Speaker = "user"
)

// ParseSpeaker maps a free-form label onto a [Speaker]. Anything that is not
// recognisably the local user is treated as the caller.
func ParseSpeaker(s string) Speaker {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "me", "self", "you":
		return SpeakerUser
	default:
		return SpeakerCaller
	}
}

// TranscriptTurn is one finalized speech segment. Turns are immutable once
// created and carry the timestamp assigned by the transcriber.
type TranscriptTurn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Language is a BCP 47 tag such as "en" or "hi". Empty means unknown.
	Language string `json:"language,omitempty"`
}

// Trigger is a named fraud signal detected in a turn.
type Trigger string

const (
	TriggerRequestOTP         Trigger = "REQUEST_OTP"
	TriggerRequestUPIPIN      Trigger = "REQUEST_UPI_PIN"
	TriggerRemoteAccessApp    Trigger = "REMOTE_ACCESS_APP"
	TriggerRequestCredentials Trigger = "REQUEST_CREDENTIALS"
	TriggerImpersonationBank  Trigger = "IMPERSONATION_BANK"
	TriggerUrgencyScam        Trigger = "URGENCY_SCAM"
	TriggerUrgencyPressure    Trigger = "URGENCY_PRESSURE"

	// TriggerNoRiskSignal marks a turn that was analysed and found clean.
	// It never contributes to the score.
	TriggerNoRiskSignal Trigger = "NO_RISK_SIGNAL"
)

// RiskLabel is the coarse category derived from a risk score.
type RiskLabel string

const (
	LabelSafe   RiskLabel = "SAFE"
	LabelLow    RiskLabel = "LOW"
	LabelMedium RiskLabel = "MEDIUM"
	LabelHigh   RiskLabel = "HIGH"
)

// Score thresholds for [LabelForScore].
const (
	HighThreshold   = 70
	MediumThreshold = 25
	MaxScore        = 100
)

// LabelForScore returns the label for score: >=70 HIGH, 25..69 MEDIUM,
// 1..24 LOW and 0 SAFE.
func LabelForScore(score int) RiskLabel {
	switch {
	case score >= HighThreshold:
		return LabelHigh
	case score >= MediumThreshold:
		return LabelMedium
	case score > 0:
		return LabelLow
	default:
		return LabelSafe
	}
}

// IsValid reports whether l is one of the four labels.
func (l RiskLabel) IsValid() bool {
	switch l {
	case LabelSafe, LabelLow, LabelMedium, LabelHigh:
		return true
	}
	return false
}

// Alerting reports whether the label warrants a user-facing warning.
func (l RiskLabel) Alerting() bool {
	return l == LabelMedium || l == LabelHigh
}

// RiskResult is the assessment of a session at a point in time. Within one
// session the score never decreases and the trigger set only grows.
type RiskResult struct {
	Score       int       `json:"risk_score"`
	Label       RiskLabel `json:"risk_label"`
	Explanation string    `json:"explanation"`
	Triggers    []Trigger `json:"triggers"`
}

// Safe returns the initial result of every session.
func Safe() RiskResult {
	return RiskResult{Score: 0, Label: LabelSafe, Triggers: []Trigger{}}
}

// HasTrigger reports whether t is part of the result's trigger set.
func (r RiskResult) HasTrigger(t Trigger) bool {
	for _, x := range r.Triggers {
		if x == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand results across goroutines.
func (r RiskResult) Clone() RiskResult {
	out := r
	out.Triggers = append([]Trigger(nil), r.Triggers...)
	if out.Triggers == nil {
		out.Triggers = []Trigger{}
	}
	return out
}

// CallSession is the durable record of one monitored call.
//
// EndTime and FinalRisk are set exactly once when the session ends.
// UserFeedback may be attached once after the session closed.
type CallSession struct {
	ID           string           `json:"id"`
	StartTime    time.Time        `json:"startTime"`
	EndTime      *time.Time       `json:"endTime,omitempty"`
	Transcript   []TranscriptTurn `json:"transcript"`
	FinalRisk    *RiskResult      `json:"finalRisk,omitempty"`
	UserFeedback *bool            `json:"userFeedback,omitempty"`
}

// Closed reports whether the session has been finalized.
func (c CallSession) Closed() bool {
	return c.EndTime != nil && c.FinalRisk != nil
}

// Clone returns a deep copy of the session.
func (c CallSession) Clone() CallSession {
	out := c
	out.Transcript = append([]TranscriptTurn(nil), c.Transcript...)
	if out.Transcript == nil {
		out.Transcript = []TranscriptTurn{}
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	if c.FinalRisk != nil {
		r := c.FinalRisk.Clone()
		out.FinalRisk = &r
	}
	if c.UserFeedback != nil {
		b := *c.UserFeedback
		out.UserFeedback = &b
	}
	return out
}
