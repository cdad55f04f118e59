package phonetic_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voiceshield/internal/transcript/phonetic"
)

var vocab = []string{"AnyDesk", "TeamViewer", "RustDesk", "QuickSupport"}

func TestMatcher_SplitBrandName(t *testing.T) {
	t.Parallel()

	m := phonetic.New(vocab)

	tests := []struct {
		in   string
		want string
	}{
		{"any desk", "AnyDesk"},
		{"team viewer", "TeamViewer"},
		{"Quick Support", "QuickSupport"},
		{"TEAMVIEWER", "TeamViewer"},
	}
	for _, tt := range tests {
		corrected, conf, matched := m.Match(tt.in)
		if !matched {
			t.Errorf("Match(%q): matched=false, want true", tt.in)
			continue
		}
		if corrected != tt.want {
			t.Errorf("Match(%q): corrected=%q, want %q", tt.in, corrected, tt.want)
		}
		if conf < 0.99 {
			t.Errorf("Match(%q): confidence=%f, want >= 0.99", tt.in, conf)
		}
	}
}

func TestMatcher_Misspelling(t *testing.T) {
	t.Parallel()

	m := phonetic.New(vocab)

	corrected, conf, matched := m.Match("anydisk")
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "anydisk")
	}
	if corrected != "AnyDesk" {
		t.Errorf("Match(%q): corrected=%q, want %q", "anydisk", corrected, "AnyDesk")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9", "anydisk", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New(vocab)

	for _, in := range []string{"hello", "desk", "any", "team"} {
		corrected, conf, matched := m.Match(in)
		if matched {
			t.Errorf("Match(%q): matched=true (%q), want false", in, corrected)
		}
		if corrected != in || conf != 0 {
			t.Errorf("Match(%q) = (%q, %f), want unchanged with 0 confidence", in, corrected, conf)
		}
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	m := phonetic.New(vocab,
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, matched := m.Match("anydisk"); matched {
		t.Fatal("Match with threshold=0.99 should reject near-matches, got matched=true")
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	if _, _, matched := phonetic.New(nil).Match("anydesk"); matched {
		t.Error("Match with empty vocabulary should return matched=false")
	}
	corrected, conf, matched := phonetic.New(vocab).Match("  ")
	if matched || conf != 0 || corrected != "  " {
		t.Errorf("Match(blank) = (%q, %f, %v), want unchanged", corrected, conf, matched)
	}
}

func TestMatcher_Vocabulary(t *testing.T) {
	t.Parallel()

	m := phonetic.New([]string{" AnyDesk ", "", "TeamViewer"})
	want := []string{"AnyDesk", "TeamViewer"}
	if got := m.Vocabulary(); !slices.Equal(got, want) {
		t.Errorf("Vocabulary() = %v, want %v", got, want)
	}
}
