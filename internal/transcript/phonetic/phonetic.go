// Package phonetic recognises misheard vocabulary terms in transcript text.
//
// Speech-to-text engines routinely split or misspell brand names such as
// "AnyDesk" ("any desk", "any disk") or "TeamViewer" ("team viewer"). A
// [Matcher] holds a fixed vocabulary and, for a candidate word or short
// phrase, returns the term it most likely stands for.
//
// Candidates are filtered with Double Metaphone codes and ranked with
// Jaro-Winkler similarity. When no term shares a phonetic code with the
// candidate, a stricter pure Jaro-Winkler threshold applies. Both thresholds
// are high because a false correction could invent a fraud signal that was
// never spoken.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.90
	defaultFuzzyThreshold    = 0.95
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// shares a phonetic code with the candidate. Default: 0.90.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// phonetic overlap. Default: 0.95.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

type term struct {
	canonical string
	lower     string
	codes     map[string]struct{}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	terms             []term
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a matcher for vocabulary. Blank terms are ignored.
func New(vocabulary []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		m.terms = append(m.terms, term{
			canonical: strings.TrimSpace(v),
			lower:     lower,
			codes:     codes(strings.Fields(lower)),
		})
	}
	return m
}

// Vocabulary returns the canonical terms the matcher recognises.
func (m *Matcher) Vocabulary() []string {
	out := make([]string, len(m.terms))
	for i, t := range m.terms {
		out[i] = t.canonical
	}
	return out
}

// Match returns the vocabulary term that candidate most likely stands for.
// candidate may be a single word or a space separated phrase; phrases are
// compared with their spaces removed so "team viewer" matches "teamviewer".
//
// When matched is false, corrected equals candidate and confidence is 0.
func (m *Matcher) Match(candidate string) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(candidate))
	if lower == "" || len(m.terms) == 0 {
		return candidate, 0, false
	}
	tokens := strings.Fields(lower)
	joined := strings.Join(tokens, "")
	inCodes := codes([]string{joined})

	var (
		best      string
		bestScore float64
		bestPhon  bool
	)
	for _, t := range m.terms {
		target := strings.ReplaceAll(t.lower, " ", "")
		score := matchr.JaroWinkler(joined, target, false)
		phon := overlap(inCodes, t.codes)

		switch {
		case phon && score >= m.phoneticThreshold:
			if !bestPhon || score > bestScore {
				best, bestScore, bestPhon = t.canonical, score, true
			}
		case !bestPhon && score >= m.fuzzyThreshold && score > bestScore:
			best, bestScore = t.canonical, score
		}
	}
	if best == "" {
		return candidate, 0, false
	}
	return best, bestScore, true
}

// codes returns the union of the Double Metaphone codes of words. Empty codes
// are skipped.
func codes(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
