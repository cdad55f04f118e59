package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voiceshield/internal/transcript/phonetic"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// DefaultVocabulary lists remote-access tools whose names speech-to-text
// engines commonly split or misspell.
var DefaultVocabulary = []string{
	"AnyDesk", "TeamViewer", "QuickSupport", "RustDesk", "UltraViewer", "AirDroid",
}

// Correction records one substitution made by the [Normalizer].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// VocabularyMatcher resolves a word or two-word phrase to a known term.
// [phonetic.Matcher] is the production implementation.
type VocabularyMatcher interface {
	Match(candidate string) (corrected string, confidence float64, matched bool)
}

// NormalizerOption configures a [Normalizer].
type NormalizerOption func(*Normalizer)

// WithMatcher replaces the vocabulary matcher. Passing nil disables term
// correction and leaves only whitespace cleanup.
func WithMatcher(m VocabularyMatcher) NormalizerOption {
	return func(n *Normalizer) {
		n.matcher = m
	}
}

// WithDefaultLanguage sets the language assigned to turns that carry none.
func WithDefaultLanguage(lang string) NormalizerOption {
	return func(n *Normalizer) {
		n.language = lang
	}
}

// Normalizer cleans raw turns before they enter the [Log]: control characters
// become spaces, whitespace runs collapse, and misheard vocabulary terms are
// rewritten to their canonical spelling. It is safe for concurrent use.
type Normalizer struct {
	matcher  VocabularyMatcher
	language string
}

// NewNormalizer returns a normalizer using a [phonetic.Matcher] over
// [DefaultVocabulary] unless overridden.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{matcher: phonetic.New(DefaultVocabulary)}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize returns the cleaned turn and the substitutions applied. Speaker
// and timestamp are never changed.
func (n *Normalizer) Normalize(turn types.TranscriptTurn) (types.TranscriptTurn, []Correction) {
	words := strings.Fields(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, turn.Text))

	var corrections []Correction
	if n.matcher != nil {
		words, corrections = n.correct(words)
	}
	turn.Text = strings.Join(words, " ")
	if turn.Language == "" {
		turn.Language = n.language
	}
	return turn, corrections
}

// pairCues are words that put a split name like "any desk" in a
// remote-access context. Without one nearby the pair is left as spoken, so
// "is there any desk free" keeps its meaning.
var pairCues = map[string]bool{
	"install": true, "installed": true, "installing": true,
	"download": true, "downloaded": true, "downloading": true,
	"app": true, "application": true, "software": true,
	"remote": true, "screen": true, "share": true, "sharing": true,
	"access": true, "control": true, "link": true, "playstore": true,
}

// pairCueWindow is how many words either side of a pair are searched for a
// cue.
const pairCueWindow = 4

// correct rewrites single words that match a term, then adjacent pairs of
// words that only match a term together ("any desk") when a cue word is
// nearby.
func (n *Normalizer) correct(words []string) ([]string, []Correction) {
	var (
		out         = make([]string, 0, len(words))
		corrections []Correction
	)
	for i := 0; i < len(words); i++ {
		word, tail := splitPunct(words[i])
		if word == "" {
			out = append(out, words[i])
			continue
		}
		if term, conf, ok := n.matcher.Match(word); ok {
			if strings.EqualFold(term, word) {
				out = append(out, words[i])
			} else {
				out = append(out, term+tail)
				corrections = append(corrections, Correction{Original: word, Corrected: term, Confidence: conf})
			}
			continue
		}
		// Punctuation between the two words means they are not one name.
		if tail == "" && i+1 < len(words) && cued(words, i) {
			next, nextTail := splitPunct(words[i+1])
			if next != "" {
				if _, _, alone := n.matcher.Match(next); !alone {
					pair := word + " " + next
					if term, conf, ok := n.matcher.Match(pair); ok {
						out = append(out, term+nextTail)
						corrections = append(corrections, Correction{Original: pair, Corrected: term, Confidence: conf})
						i++
						continue
					}
				}
			}
		}
		out = append(out, words[i])
	}
	return out, corrections
}

// cued reports whether a cue word sits within pairCueWindow words of the pair
// starting at i.
func cued(words []string, i int) bool {
	lo, hi := max(0, i-pairCueWindow), min(len(words), i+2+pairCueWindow)
	for j := lo; j < hi; j++ {
		if j == i || j == i+1 {
			continue
		}
		w, _ := splitPunct(words[j])
		if pairCues[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

// splitPunct separates trailing punctuation from a word.
func splitPunct(w string) (word, tail string) {
	end := strings.LastIndexFunc(w, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
	if end < 0 {
		return "", w
	}
	_, size := utf8.DecodeRuneInString(w[end:])
	end += size
	return w[:end], w[end:]
}
