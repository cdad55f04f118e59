// Package detect classifies a single piece of transcript text into fraud
// triggers using lexical phrase matching.
//
// Matching is case-insensitive and works on whole words: the text is split
// into word tokens and each catalog phrase must match a contiguous token run.
// Longer phrases are tried first and the tokens they consume are masked, so
// "one time password" yields [types.TriggerRequestOTP] without also counting
// as a credential request for "password".
//
// All functions are pure and safe for concurrent use.
package detect

import (
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/voiceshield/pkg/types"
)

// Severity groups triggers by how strongly they indicate fraud.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMedium
	SeverityHigh
)

// Score contributions per severity.
const (
	HighWeight   = 80
	MediumWeight = 30
)

// String implements [fmt.Stringer].
func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "none"
	}
}

// precedence lists triggers from most to least significant. The order decides
// which trigger explains a session and the order of [Detect] results.
var precedence = []types.Trigger{
	types.TriggerRequestOTP,
	types.TriggerRequestUPIPIN,
	types.TriggerRemoteAccessApp,
	types.TriggerRequestCredentials,
	types.TriggerImpersonationBank,
	types.TriggerUrgencyScam,
	types.TriggerUrgencyPressure,
	types.TriggerNoRiskSignal,
}

var severities = map[types.Trigger]Severity{
	types.TriggerRequestOTP:         SeverityHigh,
	types.TriggerRequestUPIPIN:      SeverityHigh,
	types.TriggerRemoteAccessApp:    SeverityHigh,
	types.TriggerRequestCredentials: SeverityHigh,
	types.TriggerImpersonationBank:  SeverityHigh,
	types.TriggerUrgencyScam:        SeverityMedium,
	types.TriggerUrgencyPressure:    SeverityMedium,
	types.TriggerNoRiskSignal:       SeverityNone,
}

// catalog maps each trigger to the phrases that raise it.
var catalog = map[types.Trigger][]string{
	types.TriggerRequestOTP: {
		"otp", "one time password", "one time code", "one time pin",
		"verification code", "security code",
	},
	types.TriggerRequestUPIPIN: {
		"pin", "upi pin", "mpin", "atm pin", "upi password",
	},
	types.TriggerRemoteAccessApp: {
		"anydesk", "teamviewer", "quicksupport", "rustdesk", "ultraviewer",
		"airdroid", "screen share", "screen sharing", "share your screen",
		"remote access",
	},
	types.TriggerRequestCredentials: {
		"cvv", "password", "card number", "bank details", "account number",
		"net banking password", "expiry date",
	},
	types.TriggerImpersonationBank: {
		"kyc", "kyc update", "update your kyc", "account blocked",
		"account suspended", "account frozen", "calling from your bank",
		"reserve bank", "rbi",
	},
	types.TriggerUrgencyScam: {
		"lottery", "prize", "won", "reward", "refund", "cashback", "jackpot",
	},
	types.TriggerUrgencyPressure: {
		"urgent", "urgently", "immediately", "verify", "confirm", "blocked",
		"suspend", "suspended", "suspension", "right now", "last chance",
	},
}

// Match is one phrase occurrence found in a text.
type Match struct {
	Trigger types.Trigger
	Phrase  string
}

type phrase struct {
	trigger types.Trigger
	text    string
	tokens  []string
}

// phrases is the catalog flattened and ordered longest first, ties broken by
// trigger precedence so overlapping phrases resolve deterministically.
var phrases = buildPhrases()

func buildPhrases() []phrase {
	var out []phrase
	for trig, list := range catalog {
		for _, p := range list {
			out = append(out, phrase{trigger: trig, text: p, tokens: tokenize(p)})
		}
	}
	slices.SortStableFunc(out, func(a, b phrase) int {
		if len(a.tokens) != len(b.tokens) {
			return len(b.tokens) - len(a.tokens)
		}
		if pa, pb := Precedence(a.trigger), Precedence(b.trigger); pa != pb {
			return pa - pb
		}
		return strings.Compare(a.text, b.text)
	})
	return out
}

// Detect returns the distinct triggers present in text ordered by precedence.
//
// Text that contains words but no catalog phrase yields
// [types.TriggerNoRiskSignal]. Empty or whitespace-only text yields nil.
func Detect(text string) []types.Trigger {
	matches, ok := find(text)
	if !ok {
		return nil
	}
	if len(matches) == 0 {
		return []types.Trigger{types.TriggerNoRiskSignal}
	}
	seen := make(map[types.Trigger]bool, len(matches))
	out := make([]types.Trigger, 0, len(matches))
	for _, m := range matches {
		if !seen[m.Trigger] {
			seen[m.Trigger] = true
			out = append(out, m.Trigger)
		}
	}
	SortByPrecedence(out)
	return out
}

// Matches returns every phrase occurrence in text in reading order. Unlike
// [Detect] it does not synthesize [types.TriggerNoRiskSignal].
func Matches(text string) []Match {
	m, _ := find(text)
	return m
}

// find reports ok=false when text holds no word tokens at all.
func find(text string) ([]Match, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, false
	}
	masked := make([]bool, len(tokens))
	type hit struct {
		pos int
		m   Match
	}
	var hits []hit
	for _, p := range phrases {
		n := len(p.tokens)
		for i := 0; i+n <= len(tokens); i++ {
			if !matchAt(tokens, masked, i, p.tokens) {
				continue
			}
			for j := i; j < i+n; j++ {
				masked[j] = true
			}
			hits = append(hits, hit{pos: i, m: Match{Trigger: p.trigger, Phrase: p.text}})
			i += n - 1
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return a.pos - b.pos })
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.m)
	}
	return out, true
}

func matchAt(tokens []string, masked []bool, at int, want []string) bool {
	for k, w := range want {
		if masked[at+k] || tokens[at+k] != w {
			return false
		}
	}
	return true
}

// tokenize lowercases s and splits it into words. Letters, digits and
// apostrophes form words; everything else separates them, so "one-time"
// becomes two tokens while "won't" stays one.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// SeverityOf returns the severity class of t. Unknown triggers have
// [SeverityNone].
func SeverityOf(t types.Trigger) Severity {
	return severities[t]
}

// Weight returns the score contribution of one occurrence of t.
func Weight(t types.Trigger) int {
	switch SeverityOf(t) {
	case SeverityHigh:
		return HighWeight
	case SeverityMedium:
		return MediumWeight
	default:
		return 0
	}
}

// Precedence returns the rank of t, lower is more significant. Unknown
// triggers rank after every known one.
func Precedence(t types.Trigger) int {
	if i := slices.Index(precedence, t); i >= 0 {
		return i
	}
	return len(precedence)
}

// SortByPrecedence orders triggers in place from most to least significant.
func SortByPrecedence(ts []types.Trigger) {
	slices.SortStableFunc(ts, func(a, b types.Trigger) int {
		return Precedence(a) - Precedence(b)
	})
}

// Known reports whether t belongs to the trigger catalog.
func Known(t types.Trigger) bool {
	_, ok := severities[t]
	return ok
}
