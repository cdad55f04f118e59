// Package risk folds per-turn triggers into a session-level risk trajectory.
//
// An [Aggregator] is owned by one session. Each turn's distinct trigger classes
// add their weight once; the same class seen again on a later turn adds again.
// The running score is clamped to [types.MaxScore] and never decreases, and
// the trigger set only grows.
package risk

import (
	"slices"
	"sync"

	"github.com/MrWong99/voiceshield/internal/detect"
	"github.com/MrWong99/voiceshield/pkg/types"
)

var explanations = map[types.Trigger]string{
	types.TriggerRequestOTP: "The caller is asking for a one-time password. " +
		"Banks and legitimate services never ask for OTPs over the phone.",
	types.TriggerRequestUPIPIN: "The caller is asking for your UPI PIN. " +
		"You never need to enter or share a PIN to receive money.",
	types.TriggerRemoteAccessApp: "The caller wants you to install a remote access app or share your screen. " +
		"This gives them full control of your device.",
	types.TriggerRequestCredentials: "The caller is requesting sensitive information like passwords, CVV or card numbers. " +
		"Never share these details over the phone.",
	types.TriggerImpersonationBank: "The caller claims your account or KYC needs attention. " +
		"This is a common bank impersonation tactic; hang up and call your bank directly.",
	types.TriggerUrgencyScam: "The caller mentions prizes, refunds or rewards. " +
		"Unexpected winnings that require action are a common scam.",
	types.TriggerUrgencyPressure: "The caller is creating urgency or pressure. " +
		"Take your time and verify through official channels.",
	types.TriggerNoRiskSignal: "No suspicious patterns detected in this conversation.",
}

const initialExplanation = "No suspicious patterns detected yet."

// Explain returns the user-facing explanation for the most significant
// trigger in ts.
func Explain(ts []types.Trigger) string {
	best := types.Trigger("")
	for _, t := range ts {
		if best == "" || detect.Precedence(t) < detect.Precedence(best) {
			best = t
		}
	}
	if e, ok := explanations[best]; ok {
		return e
	}
	return initialExplanation
}

// Aggregator is the running risk state of a session. It is safe for
// concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	score    int
	triggers []types.Trigger
}

// New returns an aggregator in the initial SAFE state.
func New() *Aggregator {
	return &Aggregator{}
}

// Update scores one turn and returns the new session result. Turns with
// empty text leave the state unchanged.
func (a *Aggregator) Update(turn types.TranscriptTurn) types.RiskResult {
	return a.Apply(detect.Detect(turn.Text))
}

// Apply folds an already detected trigger set into the session.
func (a *Aggregator) Apply(triggers []types.Trigger) types.RiskResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[types.Trigger]bool, len(triggers))
	for _, t := range triggers {
		if seen[t] {
			continue
		}
		seen[t] = true
		a.score = min(a.score+detect.Weight(t), types.MaxScore)
		if !slices.Contains(a.triggers, t) {
			a.triggers = append(a.triggers, t)
		}
	}
	detect.SortByPrecedence(a.triggers)
	return a.resultLocked()
}

// Result returns the current session result.
func (a *Aggregator) Result() types.RiskResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resultLocked()
}

func (a *Aggregator) resultLocked() types.RiskResult {
	if len(a.triggers) == 0 {
		r := types.Safe()
		r.Explanation = initialExplanation
		return r
	}
	return types.RiskResult{
		Score:       a.score,
		Label:       types.LabelForScore(a.score),
		Explanation: Explain(a.triggers),
		Triggers:    slices.Clone(a.triggers),
	}
}

// Score scores a standalone text as a one-turn session.
func Score(text string) types.RiskResult {
	return New().Update(types.TranscriptTurn{Text: text})
}

// Merge combines a held session result with an incoming update so that the
// score never decreases and the trigger set never shrinks. The label is
// always recomputed from the merged score. The incoming explanation is kept
// when its score is at least the held one.
func Merge(held, incoming types.RiskResult) types.RiskResult {
	out := held.Clone()
	score := min(max(incoming.Score, 0), types.MaxScore)
	if score >= out.Score {
		out.Score = score
		if incoming.Explanation != "" {
			out.Explanation = incoming.Explanation
		}
	}
	for _, t := range incoming.Triggers {
		if !slices.Contains(out.Triggers, t) {
			out.Triggers = append(out.Triggers, t)
		}
	}
	detect.SortByPrecedence(out.Triggers)
	out.Label = types.LabelForScore(out.Score)
	return out
}
