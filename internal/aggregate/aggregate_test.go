package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/shapetutor/shapetutor/pkg/types"
)

func hit(label string) types.FrameResult {
	return types.Detected(types.Detection{Label: label, Confidence: 0.9})
}

func miss() types.FrameResult { return types.NotDetected() }

// feed observes every frame and returns the first terminal decision, or the
// last in-progress decision when none terminated.
func feed(t *testing.T, s *Session, frames []types.FrameResult) (Decision, int) {
	t.Helper()
	var d Decision
	for i, f := range frames {
		s.Observe(f)
		d = s.Evaluate()
		if d.Kind.Terminal() {
			return d, i + 1
		}
	}
	return d, len(frames)
}

func repeat(f types.FrameResult, n int) []types.FrameResult {
	out := make([]types.FrameResult, n)
	for i := range out {
		out[i] = f
	}
	return out
}

// repeatAll repeats the pattern p n times.
func repeatAll(p []types.FrameResult, n int) []types.FrameResult {
	out := make([]types.FrameResult, 0, len(p)*n)
	for range n {
		out = append(out, p...)
	}
	return out
}

func concat(parts ...[]types.FrameResult) []types.FrameResult {
	var out []types.FrameResult
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newDefault() *Session {
	return NewSession(DefaultParams(), "en", time.Unix(0, 0))
}

func TestParams_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       Params
		wantErr string
	}{
		{name: "defaults", p: DefaultParams()},
		{name: "exact half is not a majority", p: Params{TargetFrames: 50, DetectionThreshold: 25, AbsenceLimit: 15}, wantErr: "strict majority"},
		{name: "odd budget", p: Params{TargetFrames: 5, DetectionThreshold: 3, AbsenceLimit: 2}},
		{name: "zero target", p: Params{TargetFrames: 0, DetectionThreshold: 1, AbsenceLimit: 1}, wantErr: "target frames"},
		{name: "zero absence", p: Params{TargetFrames: 10, DetectionThreshold: 6, AbsenceLimit: 0}, wantErr: "absence limit"},
		{name: "threshold above budget", p: Params{TargetFrames: 10, DetectionThreshold: 11, AbsenceLimit: 3}, wantErr: "exceeds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.p.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestObserve_FrameAccounting(t *testing.T) {
	t.Parallel()

	s := NewSession(Params{TargetFrames: 1000, DetectionThreshold: 501, AbsenceLimit: 1000}, "en", time.Time{})
	frames := []types.FrameResult{hit("cube"), miss(), hit("cone"), hit("cube"), miss(), miss(), hit("cube")}
	for i, f := range frames {
		s.Observe(f)
		snap := s.Snapshot()
		if snap.FrameCount != i+1 {
			t.Fatalf("after %d frames FrameCount = %d", i+1, snap.FrameCount)
		}
		sum := 0
		for _, c := range snap.Counts {
			sum += c
		}
		if sum > snap.FrameCount {
			t.Fatalf("vote sum %d exceeds frame count %d", sum, snap.FrameCount)
		}
		if snap.EmptyStreak > snap.FrameCount {
			t.Fatalf("empty streak %d exceeds frame count %d", snap.EmptyStreak, snap.FrameCount)
		}
	}
	snap := s.Snapshot()
	if snap.Counts["cube"] != 3 || snap.Counts["cone"] != 1 {
		t.Errorf("counts = %v", snap.Counts)
	}
	if snap.EmptyStreak != 0 {
		t.Errorf("EmptyStreak = %d, want 0 after a detection", snap.EmptyStreak)
	}
	if snap.Current == nil || snap.Current.Label != "cube" {
		t.Errorf("Current = %+v, want cube", snap.Current)
	}

	s.Observe(miss())
	if s.Snapshot().Current != nil {
		t.Error("Current not cleared by an empty frame")
	}
}

func TestEvaluate_AbsenceTimeout(t *testing.T) {
	t.Parallel()

	s := newDefault()
	d, n := feed(t, s, concat(repeat(hit("cube"), 10), repeat(miss(), 20)))
	if d.Kind != NoSubject || d.Reason != ReasonNoObjectInView {
		t.Fatalf("decision = %+v", d)
	}
	if n != 25 {
		t.Errorf("terminated after %d frames, want 25", n)
	}
	if d.Snapshot.FrameCount != 25 || d.Snapshot.FrameCount >= d.Snapshot.TargetFrames {
		t.Errorf("frame count = %d", d.Snapshot.FrameCount)
	}
}

func TestEvaluate_AbsenceStreakResets(t *testing.T) {
	t.Parallel()

	s := newDefault()
	frames := concat(repeat(miss(), 14), []types.FrameResult{hit("cone")}, repeat(miss(), 14))
	d, n := feed(t, s, frames)
	if d.Kind != InProgress {
		t.Fatalf("decision = %v after %d frames, want in progress", d.Kind, n)
	}
}

func TestEvaluate_AbsenceBeatsBudget(t *testing.T) {
	t.Parallel()

	// The 50th frame completes both the budget and a 15-frame absence streak.
	s := newDefault()
	d, n := feed(t, s, concat(repeat(hit("cube"), 35), repeat(miss(), 15)))
	if n != 50 {
		t.Fatalf("terminated after %d frames", n)
	}
	if d.Kind != NoSubject || d.Reason != ReasonNoObjectInView {
		t.Fatalf("decision = %+v, want absence timeout", d)
	}
}

func TestEvaluate_Budget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		frames     []types.FrameResult
		wantKind   Kind
		wantLabel  string
		wantVotes  int
		wantReason string
	}{
		{
			name:      "exact threshold confirms",
			frames:    concat(repeat(hit("cube"), 26), repeat(hit("cuboid"), 24)),
			wantKind:  Confirmed,
			wantLabel: "cube",
			wantVotes: 26,
		},
		{
			name:       "one short of threshold",
			frames:     concat(repeat(hit("cube"), 25), repeat(hit("cuboid"), 25)),
			wantKind:   Inconclusive,
			wantVotes:  25,
			wantReason: ReasonNotConfident,
		},
		{
			name:       "top count of twenty",
			frames:     concat(repeat(hit("cube"), 20), repeat(hit("cone"), 16), repeatAll(concat([]types.FrameResult{hit("prism")}, repeat(miss(), 1)), 7)),
			wantKind:   Inconclusive,
			wantVotes:  20,
			wantReason: ReasonNotConfident,
		},
		{
			name:       "sparse misses never a vote",
			frames:     repeatAll(concat(repeat(miss(), 14), []types.FrameResult{hit("cone")}), 4)[:50],
			wantKind:   Inconclusive,
			wantVotes:  3,
			wantReason: ReasonNotConfident,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if len(tc.frames) != 50 {
				t.Fatalf("test has %d frames, want 50", len(tc.frames))
			}
			s := newDefault()
			d, n := feed(t, s, tc.frames)
			if n != 50 {
				t.Fatalf("terminated after %d frames, want 50", n)
			}
			if d.Kind != tc.wantKind || d.Label != tc.wantLabel || d.Votes != tc.wantVotes || d.Reason != tc.wantReason {
				t.Errorf("decision = {%v %q %d %q}, want {%v %q %d %q}",
					d.Kind, d.Label, d.Votes, d.Reason, tc.wantKind, tc.wantLabel, tc.wantVotes, tc.wantReason)
			}
		})
	}
}

func TestEvaluate_NoDetectionsEver(t *testing.T) {
	t.Parallel()

	// An absence limit above the budget lets the budget fire first.
	s := NewSession(Params{TargetFrames: 10, DetectionThreshold: 6, AbsenceLimit: 20}, "en", time.Time{})
	d, n := feed(t, s, repeat(miss(), 10))
	if n != 10 || d.Kind != NoSubject || d.Reason != ReasonNoObjectDetected {
		t.Fatalf("decision = %+v after %d frames", d, n)
	}
}

func TestEvaluate_NeverConfirmsBeforeBudget(t *testing.T) {
	t.Parallel()

	s := newDefault()
	for i := range 49 {
		s.Observe(hit("cube"))
		if d := s.Evaluate(); d.Kind != InProgress {
			t.Fatalf("frame %d: decision %v before the budget was exhausted", i+1, d.Kind)
		}
	}
	s.Observe(hit("cube"))
	if d := s.Evaluate(); d.Kind != Confirmed || d.Votes != 50 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestTally_TieBreak(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []types.FrameResult
		want   string
	}{
		{
			name:   "first seen wins over first to the shared count",
			frames: []types.FrameResult{hit("cone"), hit("cube"), hit("cube"), hit("cone")},
			want:   "cone",
		},
		{
			name:   "first seen when interleaved",
			frames: []types.FrameResult{hit("cone"), hit("cube"), hit("cone"), hit("cube")},
			want:   "cone",
		},
		{
			name:   "order of first appearance, not label order",
			frames: []types.FrameResult{hit("cube"), hit("cone"), hit("cone"), hit("cube")},
			want:   "cube",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			for range 20 {
				s := NewSession(Params{TargetFrames: 4, DetectionThreshold: 3, AbsenceLimit: 4}, "en", time.Time{})
				d, _ := feed(t, s, tc.frames)
				if d.Kind != Inconclusive {
					t.Fatalf("kind = %v", d.Kind)
				}
				label, _, _ := tally(s.counts, s.firstSeen)
				if label != tc.want {
					t.Fatalf("tally winner = %q, want %q", label, tc.want)
				}
			}
		})
	}
}

func TestSession_LanguageFixed(t *testing.T) {
	t.Parallel()

	s := NewSession(DefaultParams(), "es", time.Time{})
	s.Observe(hit("cube"))
	if s.Language() != "es" {
		t.Errorf("Language() = %q", s.Language())
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	tests := map[Kind]string{
		InProgress:   "in_progress",
		Confirmed:    "confirmed",
		Inconclusive: "inconclusive",
		NoSubject:    "no_subject",
		Kind(42):     "kind(42)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestSnapshot_Progress(t *testing.T) {
	t.Parallel()

	if got := (Snapshot{FrameCount: 10, TargetFrames: 50}).Progress(); got != 0.2 {
		t.Errorf("Progress = %v", got)
	}
	if got := (Snapshot{}).Progress(); got != 0 {
		t.Errorf("zero Progress = %v", got)
	}
}
