// Package aggregate turns a stream of noisy per-frame classifier results into
// one decision.
//
// A [Session] counts votes per label across a fixed frame budget and tracks
// the current run of frames without any subject. After every [Session.Observe]
// the caller asks [Session.Evaluate] whether the session has terminated. The
// evaluation order is fixed: a long enough absence streak ends the session
// first, then the frame budget, otherwise the session stays in progress.
//
// Session is not safe for concurrent use; callers serialise access (see the
// rotation package's registry).
package aggregate

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// Default aggregation parameters.
const (
	DefaultTargetFrames       = 50
	DefaultDetectionThreshold = 26
	DefaultAbsenceLimit       = 15
)

// Human-readable reasons attached to terminal decisions.
const (
	ReasonNoObjectInView   = "no object in view"
	ReasonNoObjectDetected = "no object detected"
	ReasonNotConfident     = "not confident enough"
)

// Params fixes the budget and thresholds of a session.
type Params struct {
	// TargetFrames is the frame budget.
	TargetFrames int

	// DetectionThreshold is the minimum number of votes the winning label
	// needs. It must be a strict majority of TargetFrames.
	DetectionThreshold int

	// AbsenceLimit is the number of consecutive empty frames that aborts
	// the session.
	AbsenceLimit int
}

// DefaultParams returns the standard 50/26/15 configuration.
func DefaultParams() Params {
	return Params{
		TargetFrames:       DefaultTargetFrames,
		DetectionThreshold: DefaultDetectionThreshold,
		AbsenceLimit:       DefaultAbsenceLimit,
	}
}

// Validate reports every problem with p.
func (p Params) Validate() error {
	var errs []error
	if p.TargetFrames <= 0 {
		errs = append(errs, fmt.Errorf("target frames must be positive, got %d", p.TargetFrames))
	}
	if p.AbsenceLimit <= 0 {
		errs = append(errs, fmt.Errorf("absence limit must be positive, got %d", p.AbsenceLimit))
	}
	if 2*p.DetectionThreshold <= p.TargetFrames {
		errs = append(errs, fmt.Errorf("detection threshold %d is not a strict majority of %d frames", p.DetectionThreshold, p.TargetFrames))
	}
	if p.DetectionThreshold > p.TargetFrames {
		errs = append(errs, fmt.Errorf("detection threshold %d exceeds target frames %d", p.DetectionThreshold, p.TargetFrames))
	}
	return errors.Join(errs...)
}

// Kind classifies a [Decision].
type Kind int

const (
	InProgress Kind = iota
	Confirmed
	Inconclusive
	NoSubject
)

// String returns the lower-case name used in logs, metrics, and the journal.
func (k Kind) String() string {
	switch k {
	case InProgress:
		return "in_progress"
	case Confirmed:
		return string(types.OutcomeConfirmed)
	case Inconclusive:
		return string(types.OutcomeInconclusive)
	case NoSubject:
		return string(types.OutcomeNoSubject)
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Terminal reports whether the decision ends the session.
func (k Kind) Terminal() bool { return k != InProgress }

// Snapshot is a copy of a session's counters.
type Snapshot struct {
	FrameCount   int
	TargetFrames int
	EmptyStreak  int

	// Current is the detection of the most recent frame, nil when that
	// frame had no subject or no frame was observed yet.
	Current *types.Detection

	// Counts is a copy of the per-label vote tally.
	Counts map[string]int
}

// Progress is FrameCount / TargetFrames.
func (s Snapshot) Progress() float64 {
	if s.TargetFrames == 0 {
		return 0
	}
	return float64(s.FrameCount) / float64(s.TargetFrames)
}

// Decision is the result of [Session.Evaluate].
type Decision struct {
	Kind Kind

	// Label and Votes describe the winning label. Label is set only for
	// Confirmed; Votes is the top count for Confirmed and Inconclusive.
	Label string
	Votes int

	// Reason explains Inconclusive and NoSubject decisions.
	Reason string

	Snapshot Snapshot
}

// Session is one multi-frame aggregation.
type Session struct {
	params    Params
	language  string
	createdAt time.Time

	counts map[string]int
	// firstSeen records, per label, the frame index of its first detection.
	// It drives the tie-break.
	firstSeen map[string]int

	frames      int
	emptyStreak int
	current     *types.Detection
}

// NewSession returns an empty session. The language tag is fixed for the
// session's lifetime.
func NewSession(p Params, language string, now time.Time) *Session {
	return &Session{
		params:    p,
		language:  language,
		createdAt: now,
		counts:    make(map[string]int),
		firstSeen: make(map[string]int),
	}
}

// Language returns the tag captured at creation.
func (s *Session) Language() string { return s.language }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Params returns the session's parameters.
func (s *Session) Params() Params { return s.params }

// FrameCount returns the number of observed frames.
func (s *Session) FrameCount() int { return s.frames }

// Observe applies one frame result.
func (s *Session) Observe(fr types.FrameResult) {
	if fr.Detected {
		label := fr.Detection.Label
		s.counts[label]++
		if _, seen := s.firstSeen[label]; !seen {
			s.firstSeen[label] = s.frames
		}
		s.emptyStreak = 0
		d := fr.Detection
		s.current = &d
	} else {
		s.emptyStreak++
		s.current = nil
	}
	s.frames++
}

// Evaluate decides whether the session has terminated.
func (s *Session) Evaluate() Decision {
	d := Decision{Kind: InProgress, Snapshot: s.Snapshot()}

	if s.emptyStreak >= s.params.AbsenceLimit {
		d.Kind = NoSubject
		d.Reason = ReasonNoObjectInView
		return d
	}
	if s.frames < s.params.TargetFrames {
		return d
	}
	winner, votes, ok := tally(s.counts, s.firstSeen)
	switch {
	case !ok:
		d.Kind = NoSubject
		d.Reason = ReasonNoObjectDetected
	case votes >= s.params.DetectionThreshold:
		d.Kind = Confirmed
		d.Label = winner
		d.Votes = votes
	default:
		d.Kind = Inconclusive
		d.Votes = votes
		d.Reason = ReasonNotConfident
	}
	return d
}

// Snapshot copies the session's counters.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		FrameCount:   s.frames,
		TargetFrames: s.params.TargetFrames,
		EmptyStreak:  s.emptyStreak,
		Counts:       maps.Clone(s.counts),
	}
	if s.current != nil {
		c := *s.current
		snap.Current = &c
	}
	return snap
}

// tally returns the label with the most votes. Among tied labels the one seen
// first wins.
func tally(counts, firstSeen map[string]int) (label string, votes int, ok bool) {
	for l, c := range counts {
		if c <= 0 {
			continue
		}
		if !ok || c > votes || (c == votes && firstSeen[l] < firstSeen[label]) {
			label, votes, ok = l, c, true
		}
	}
	return label, votes, ok
}
