package history_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voiceshield/internal/history"
	"github.com/MrWong99/voiceshield/pkg/types"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func closedSession(id string, startOffset time.Duration, label types.RiskLabel, score int) types.CallSession {
	start := base.Add(startOffset)
	end := start.Add(2 * time.Minute)
	return types.CallSession{
		ID:        id,
		StartTime: start,
		EndTime:   &end,
		Transcript: []types.TranscriptTurn{
			{Speaker: types.SpeakerCaller, Text: "please share the otp", Timestamp: start.Add(time.Second)},
		},
		FinalRisk: &types.RiskResult{Score: score, Label: label, Explanation: "x", Triggers: []types.Trigger{types.TriggerRequestOTP}},
	}
}

type storeFactory struct {
	name string
	open func(t *testing.T) history.Store
}

func factories() []storeFactory {
	return []storeFactory{
		{"memory", func(*testing.T) history.Store { return history.NewMemStore() }},
		{"file", func(t *testing.T) history.Store {
			s, err := history.OpenFileStore(filepath.Join(t.TempDir(), "history.jsonl"))
			if err != nil {
				t.Fatalf("OpenFileStore: %v", err)
			}
			return s
		}},
	}
}

func TestStore_SaveGet(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			want := closedSession("call_a", 0, types.LabelHigh, 80)
			if err := s.Save(t.Context(), want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Get(t.Context(), "call_a")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.ID != want.ID || got.FinalRisk.Label != types.LabelHigh || len(got.Transcript) != 1 {
				t.Errorf("Get = %+v", got)
			}
			if !got.EndTime.Equal(*want.EndTime) {
				t.Errorf("EndTime = %v, want %v", got.EndTime, want.EndTime)
			}
		})
	}
}

func TestStore_SaveTwiceRejected(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			cs := closedSession("call_a", 0, types.LabelMedium, 30)
			if err := s.Save(t.Context(), cs); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Save(t.Context(), cs); !errors.Is(err, history.ErrAlreadyExists) {
				t.Errorf("second Save err = %v, want ErrAlreadyExists", err)
			}
			all, _ := s.List(t.Context(), 0, 0)
			if len(all) != 1 {
				t.Errorf("List len = %d, want 1", len(all))
			}
		})
	}
}

func TestStore_SaveOpenSessionRejected(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			open := types.CallSession{ID: "call_open", StartTime: base}
			if err := s.Save(t.Context(), open); !errors.Is(err, history.ErrNotClosed) {
				t.Errorf("Save(open) err = %v, want ErrNotClosed", err)
			}
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			// Insert out of chronological order.
			for _, cs := range []types.CallSession{
				closedSession("call_2", 2*time.Hour, types.LabelLow, 10),
				closedSession("call_1", 1*time.Hour, types.LabelSafe, 0),
				closedSession("call_3", 3*time.Hour, types.LabelHigh, 90),
			} {
				if err := s.Save(t.Context(), cs); err != nil {
					t.Fatalf("Save %s: %v", cs.ID, err)
				}
			}

			tests := []struct {
				limit, offset int
				want          []string
			}{
				{0, 0, []string{"call_3", "call_2", "call_1"}},
				{2, 0, []string{"call_3", "call_2"}},
				{2, 1, []string{"call_2", "call_1"}},
				{5, 2, []string{"call_1"}},
				{1, 3, []string{}},
				{0, -4, []string{"call_3", "call_2", "call_1"}},
			}
			for _, tt := range tests {
				got, err := s.List(t.Context(), tt.limit, tt.offset)
				if err != nil {
					t.Fatalf("List(%d,%d): %v", tt.limit, tt.offset, err)
				}
				ids := make([]string, len(got))
				for i, cs := range got {
					ids[i] = cs.ID
				}
				if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
					t.Errorf("List(%d,%d) = %v, want %v", tt.limit, tt.offset, ids, tt.want)
				}
			}
		})
	}
}

func TestStore_ListEqualStartTimesLatestInsertFirst(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			for _, id := range []string{"call_x", "call_y"} {
				if err := s.Save(t.Context(), closedSession(id, 0, types.LabelSafe, 0)); err != nil {
					t.Fatal(err)
				}
			}
			got, _ := s.List(t.Context(), 0, 0)
			if len(got) != 2 || got[0].ID != "call_y" {
				t.Errorf("List = %v, want call_y first", got)
			}
		})
	}
}

func TestStore_Feedback(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			if err := s.Save(t.Context(), closedSession("call_a", 0, types.LabelHigh, 80)); err != nil {
				t.Fatal(err)
			}

			if err := s.SetFeedback(t.Context(), "call_missing", true); !errors.Is(err, history.ErrNotFound) {
				t.Errorf("SetFeedback(missing) err = %v, want ErrNotFound", err)
			}
			if err := s.SetFeedback(t.Context(), "call_a", true); err != nil {
				t.Fatalf("SetFeedback: %v", err)
			}
			if err := s.SetFeedback(t.Context(), "call_a", false); !errors.Is(err, history.ErrFeedbackAlreadySet) {
				t.Errorf("second SetFeedback err = %v, want ErrFeedbackAlreadySet", err)
			}
			got, _ := s.Get(t.Context(), "call_a")
			if got.UserFeedback == nil || !*got.UserFeedback {
				t.Errorf("UserFeedback = %v, want true", got.UserFeedback)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			if _, err := f.open(t).Get(t.Context(), "nope"); !errors.Is(err, history.ErrNotFound) {
				t.Errorf("Get err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_ReturnedRecordsAreCopies(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			if err := s.Save(t.Context(), closedSession("call_a", 0, types.LabelHigh, 80)); err != nil {
				t.Fatal(err)
			}
			got, _ := s.Get(t.Context(), "call_a")
			got.Transcript[0].Text = "tampered"
			got.FinalRisk.Score = 1

			again, _ := s.Get(t.Context(), "call_a")
			if again.Transcript[0].Text == "tampered" || again.FinalRisk.Score != 80 {
				t.Errorf("stored record was mutated through a returned copy: %+v", again)
			}
		})
	}
}

func TestStore_ConcurrentSaves(t *testing.T) {
	t.Parallel()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.open(t)
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Go(func() {
					cs := closedSession(fmt.Sprintf("call_%02d", i), time.Duration(i)*time.Minute, types.LabelLow, 5)
					if err := s.Save(t.Context(), cs); err != nil {
						t.Errorf("Save: %v", err)
					}
				})
			}
			wg.Wait()
			all, _ := s.List(t.Context(), 0, 0)
			if len(all) != 20 {
				t.Fatalf("List len = %d, want 20", len(all))
			}
			if all[0].ID != "call_19" {
				t.Errorf("newest = %s, want call_19", all[0].ID)
			}
		})
	}
}

// ── FileStore specifics ───────────────────────────────────────────────────────

func TestFileStore_ReopenRestoresState(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")

	s, err := history.OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(t.Context(), closedSession("call_a", 0, types.LabelMedium, 30)); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(t.Context(), closedSession("call_b", time.Hour, types.LabelLow, 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFeedback(t.Context(), "call_a", false); err != nil {
		t.Fatal(err)
	}

	reopened, err := history.OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, _ := reopened.List(t.Context(), 0, 0)
	if len(all) != 2 || all[0].ID != "call_b" {
		t.Fatalf("List after reopen = %+v", all)
	}
	a, _ := reopened.Get(t.Context(), "call_a")
	if a.UserFeedback == nil || *a.UserFeedback {
		t.Errorf("call_a feedback = %v, want false", a.UserFeedback)
	}
	if err := reopened.SetFeedback(t.Context(), "call_a", true); !errors.Is(err, history.ErrFeedbackAlreadySet) {
		t.Errorf("feedback after reopen err = %v, want ErrFeedbackAlreadySet", err)
	}
	if err := reopened.Save(t.Context(), closedSession("call_a", 0, types.LabelMedium, 30)); !errors.Is(err, history.ErrAlreadyExists) {
		t.Errorf("Save after reopen err = %v, want ErrAlreadyExists", err)
	}
}

func TestFileStore_SkipsTornLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")

	s, err := history.OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(t.Context(), closedSession("call_a", 0, types.LabelHigh, 80)); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"kind":"session","session":{"id":"call_b"`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened, err := history.OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, _ := reopened.List(t.Context(), 0, 0)
	if len(all) != 1 || all[0].ID != "call_a" {
		t.Errorf("List = %+v, want only call_a", all)
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "none.jsonl")
	s, err := history.OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	all, _ := s.List(t.Context(), 0, 0)
	if len(all) != 0 {
		t.Errorf("List = %v, want empty", all)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should not be created before first write, stat err = %v", err)
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()
	a, b := history.NewID(), history.NewID()
	if !strings.HasPrefix(a, "call_") || a == b {
		t.Errorf("NewID = %q, %q", a, b)
	}
}
