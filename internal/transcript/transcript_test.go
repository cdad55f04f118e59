package transcript_test

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voiceshield/internal/transcript"
	"github.com/MrWong99/voiceshield/pkg/types"
)

func texts(turns []types.TranscriptTurn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func TestLog_AppendPreservesOrder(t *testing.T) {
	t.Parallel()

	l := transcript.NewLog()
	for i := range 5 {
		l.Append(types.TranscriptTurn{Text: fmt.Sprintf("t%d", i)})
	}
	if l.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", l.Len())
	}
	want := []string{"t0", "t1", "t2", "t3", "t4"}
	if got := texts(l.Snapshot()); !slices.Equal(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}
}

func TestLog_AllIsRestartable(t *testing.T) {
	t.Parallel()

	l := transcript.NewLog()
	l.Append(types.TranscriptTurn{Text: "a"})
	l.Append(types.TranscriptTurn{Text: "b"})

	for pass := range 2 {
		var got []string
		for turn := range l.All() {
			got = append(got, turn.Text)
		}
		if !slices.Equal(got, []string{"a", "b"}) {
			t.Errorf("pass %d: All() = %v, want [a b]", pass, got)
		}
	}
}

func TestLog_AllStopsEarly(t *testing.T) {
	t.Parallel()

	l := transcript.NewLog()
	for range 10 {
		l.Append(types.TranscriptTurn{Text: "x"})
	}
	n := 0
	for range l.All() {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("iterated %d turns, want 3", n)
	}
}

func TestLog_LastN(t *testing.T) {
	t.Parallel()

	l := transcript.NewLog()
	for _, s := range []string{"a", "b", "c"} {
		l.Append(types.TranscriptTurn{Text: s})
	}

	tests := []struct {
		k    int
		want []string
	}{
		{0, []string{}},
		{-1, []string{}},
		{2, []string{"b", "c"}},
		{10, []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		got := texts(l.LastN(tt.k))
		if !slices.Equal(got, tt.want) {
			t.Errorf("LastN(%d) = %v, want %v", tt.k, got, tt.want)
		}
	}
}

func TestLog_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	l := transcript.NewLog()
	if s := l.Snapshot(); s == nil || len(s) != 0 {
		t.Fatalf("empty Snapshot() = %#v, want empty non-nil", s)
	}
	l.Append(types.TranscriptTurn{Text: "a"})
	snap := l.Snapshot()
	snap[0].Text = "mutated"
	if got := l.Snapshot()[0].Text; got != "a" {
		t.Errorf("log changed through snapshot: %q", got)
	}
}

func TestLog_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	l := transcript.NewLog()
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			l.Append(types.TranscriptTurn{Text: "x"})
		})
	}
	wg.Wait()
	if l.Len() != 50 {
		t.Errorf("Len() = %d, want 50", l.Len())
	}
}

func TestNormalizer_Whitespace(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(transcript.WithMatcher(nil))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := types.TranscriptTurn{Speaker: types.SpeakerCaller, Text: "  hello \t\n  there\x00friend ", Timestamp: ts}

	got, corrections := n.Normalize(in)
	if got.Text != "hello there friend" {
		t.Errorf("Text = %q, want %q", got.Text, "hello there friend")
	}
	if got.Speaker != in.Speaker || !got.Timestamp.Equal(ts) {
		t.Errorf("speaker or timestamp changed: %+v", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}

func TestNormalizer_SplitToolName(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer()

	got, corrections := n.Normalize(types.TranscriptTurn{Text: "please install any desk, sir"})
	if got.Text != "please install AnyDesk, sir" {
		t.Errorf("Text = %q, want %q", got.Text, "please install AnyDesk, sir")
	}
	if len(corrections) != 1 || corrections[0].Original != "any desk" || corrections[0].Corrected != "AnyDesk" {
		t.Errorf("corrections = %+v, want one any desk -> AnyDesk", corrections)
	}
}

func TestNormalizer_LeavesCleanTextAlone(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer()
	in := "Hello, how is your day"
	got, corrections := n.Normalize(types.TranscriptTurn{Text: in})
	if got.Text != in {
		t.Errorf("Text = %q, want unchanged %q", got.Text, in)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}

func TestNormalizer_ExactTermKeepsNeighbour(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer()
	got, _ := n.Normalize(types.TranscriptTurn{Text: "open anydesk a moment"})
	if !strings.Contains(got.Text, "anydesk a moment") {
		t.Errorf("Text = %q, neighbour word was swallowed", got.Text)
	}
}

func TestNormalizer_DefaultLanguage(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(transcript.WithDefaultLanguage("en"))
	got, _ := n.Normalize(types.TranscriptTurn{Text: "hi"})
	if got.Language != "en" {
		t.Errorf("Language = %q, want en", got.Language)
	}
	got, _ = n.Normalize(types.TranscriptTurn{Text: "namaste", Language: "hi"})
	if got.Language != "hi" {
		t.Errorf("Language = %q, want hi", got.Language)
	}
}

type stubMatcher map[string]string

func (s stubMatcher) Match(c string) (string, float64, bool) {
	if v, ok := s[strings.ToLower(c)]; ok {
		return v, 1, true
	}
	return c, 0, false
}

func TestNormalizer_PunctuationBreaksPair(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(transcript.WithMatcher(stubMatcher{"team viewer": "TeamViewer"}))

	got, _ := n.Normalize(types.TranscriptTurn{Text: "team. viewer"})
	if got.Text != "team. viewer" {
		t.Errorf("Text = %q, want pair across punctuation untouched", got.Text)
	}
	got, _ = n.Normalize(types.TranscriptTurn{Text: "install Team viewer!"})
	if got.Text != "install TeamViewer!" {
		t.Errorf("Text = %q, want %q", got.Text, "install TeamViewer!")
	}
}

func TestNormalizer_PairNeedsRemoteAccessContext(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer()

	tests := []struct {
		in   string
		want string
	}{
		{"is there any desk free", "is there any desk free"},
		{"do you have any disk space left", "do you have any disk space left"},
		{"any desk near the window is fine", "any desk near the window is fine"},
		{"download any desk from the play store", "download AnyDesk from the play store"},
		{"any desk app is needed for the refund", "AnyDesk app is needed for the refund"},
		{"let me see your screen on team viewer", "let me see your screen on TeamViewer"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, _ := n.Normalize(types.TranscriptTurn{Text: tt.in})
			if got.Text != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got.Text, tt.want)
			}
		})
	}
}
