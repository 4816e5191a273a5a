// Package rotation runs multi-frame rotation sessions: a learner slowly turns
// a shape in front of the camera, every frame is classified, and the session
// ends once the vote aggregator reaches a decision.
//
// [Registry] owns the live sessions; [Service] orchestrates classification,
// aggregation, localisation, narration, and the outcome journal per frame.
package rotation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shapetutor/shapetutor/internal/aggregate"
	"github.com/shapetutor/shapetutor/internal/detect"
	"github.com/shapetutor/shapetutor/internal/locale"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/internal/speech"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// Recorder receives terminal outcomes. journal.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, o types.Outcome) error
}

// Config wires a Service. Registry, Classifier, and Locale are required;
// Narrator, Journal, and Metrics may be nil.
type Config struct {
	Registry   *Registry
	Classifier *detect.Classifier
	Narrator   *speech.Narrator
	Locale     *locale.Resolver
	Journal    Recorder
	Metrics    *observe.Metrics

	// SampleCount and SampleConcurrency drive the still-image endpoint.
	SampleCount       int
	SampleConcurrency int

	// DefaultLanguage applies when a request carries none.
	DefaultLanguage string

	// Now overrides time.Now.
	Now func() time.Time
}

// Service orchestrates rotation sessions. It is safe for concurrent use.
type Service struct {
	cfg Config
}

// NewService returns a Service for cfg.
func NewService(cfg Config) *Service {
	if cfg.SampleCount <= 0 {
		cfg.SampleCount = aggregate.DefaultSampleCount
	}
	if cfg.SampleConcurrency <= 0 {
		cfg.SampleConcurrency = 4
	}
	if cfg.Locale == nil {
		cfg.Locale = locale.Default()
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = string(locale.Base)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg}
}

// Registry returns the session registry.
func (s *Service) Registry() *Registry { return s.cfg.Registry }

// StartResult answers [Service.Start].
type StartResult struct {
	SessionID string
	Message   string
	Audio     []byte
	Language  string
}

// Result describes the state of a session after one frame, or the outcome of
// a still-image detection.
type Result struct {
	Kind      aggregate.Kind
	SessionID string
	Language  string

	// In progress.
	FrameCount   int
	TargetFrames int
	Progress     float64
	Current      *types.Detection

	// Confirmed.
	Label       string
	DisplayName string
	Description string
	Votes       int
	NextStep    string
	Box         *types.BoundingBox

	// Reason is the canonical explanation of Inconclusive and NoSubject.
	Reason string

	// Message is the localized sentence narrated for terminal results.
	Message string
	Audio   []byte
}

func (s *Service) language(lang string) string {
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	return string(s.cfg.Locale.Match(lang))
}

// Start opens a fresh session for key, replacing any live one. An empty key
// gets a generated identifier.
func (s *Service) Start(ctx context.Context, key, lang string) StartResult {
	if key == "" {
		key = uuid.NewString()
	}
	ctx = observe.WithSession(ctx, key)
	lang = s.language(lang)
	s.cfg.Registry.Reset(key, lang)
	msg := s.cfg.Locale.Message(lang, locale.RotationStart)
	observe.Logger(ctx).Info("rotation session started", "language", lang)
	return StartResult{
		SessionID: key,
		Message:   msg,
		Audio:     s.cfg.Narrator.Speak(ctx, msg, lang),
		Language:  lang,
	}
}

// SubmitFrame classifies img and applies the result to the session for key.
// The classifier runs without any session lock held. Classifier and input
// errors abort the request and leave the registry untouched: an existing
// session keeps its counters and no session is created for a new key.
func (s *Service) SubmitFrame(ctx context.Context, key, lang string, img []byte) (Result, error) {
	if key == "" {
		key = DefaultKey
	}
	ctx = observe.WithSession(ctx, key)
	if err := detect.ValidateImage(img); err != nil {
		return Result{}, err
	}
	fr, err := s.cfg.Classifier.ClassifyRaw(ctx, img)
	if err != nil {
		return Result{}, err
	}

	applied := s.cfg.Registry.GetOrCreate(key, s.language(lang)).Observe(fr)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordFrame(ctx, fr.Detected)
	}
	d := applied.Decision
	if !d.Kind.Terminal() {
		return Result{
			Kind:         aggregate.InProgress,
			SessionID:    key,
			Language:     applied.Language,
			FrameCount:   d.Snapshot.FrameCount,
			TargetFrames: d.Snapshot.TargetFrames,
			Progress:     d.Snapshot.Progress(),
			Current:      d.Snapshot.Current,
		}, nil
	}

	res := s.finish(ctx, key, applied.Language, d)
	s.record(ctx, key, applied, d)
	return res, nil
}

// finish localizes and narrates a terminal decision.
func (s *Service) finish(ctx context.Context, key, lang string, d aggregate.Decision) Result {
	res := Result{
		Kind:         d.Kind,
		SessionID:    key,
		Language:     lang,
		FrameCount:   d.Snapshot.FrameCount,
		TargetFrames: d.Snapshot.TargetFrames,
		Progress:     d.Snapshot.Progress(),
		Votes:        d.Votes,
		Reason:       d.Reason,
	}
	switch d.Kind {
	case aggregate.Confirmed:
		res.Label = d.Label
		res.DisplayName = s.cfg.Locale.Name(d.Label, lang)
		res.Description = s.cfg.Locale.Resolve(d.Label, lang)
		res.Message = s.cfg.Locale.Message(lang, locale.RotationConfirmed, res.DisplayName, res.Description)
		res.NextStep = s.cfg.Locale.Message(lang, locale.RotationNextStep)
		if c := d.Snapshot.Current; c != nil && c.Label == d.Label {
			box := c.Box
			res.Box = &box
		}
	case aggregate.Inconclusive:
		res.Message = s.cfg.Locale.Message(lang, locale.RotationInconclusive)
	case aggregate.NoSubject:
		if d.Reason == aggregate.ReasonNoObjectInView {
			res.Message = s.cfg.Locale.Message(lang, locale.RotationNoSubject)
		} else {
			res.Message = s.cfg.Locale.Message(lang, locale.RotationNoObject)
		}
	}
	res.Audio = s.cfg.Narrator.Speak(ctx, res.Message, lang)
	return res
}

// record reports a terminal decision to metrics, logs, and the journal.
func (s *Service) record(ctx context.Context, key string, applied Applied, d aggregate.Decision) {
	now := s.cfg.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordDecision(ctx, d.Kind.String(), now.Sub(applied.CreatedAt).Seconds())
	}
	observe.Logger(ctx).Info("rotation session decided",
		"outcome", d.Kind.String(),
		"label", d.Label,
		"votes", d.Votes,
		"frames", d.Snapshot.FrameCount,
	)
	if s.cfg.Journal == nil {
		return
	}
	o := types.Outcome{
		SessionID: key,
		Kind:      types.OutcomeKind(d.Kind.String()),
		Label:     d.Label,
		Votes:     d.Votes,
		Frames:    d.Snapshot.FrameCount,
		Reason:    d.Reason,
		Language:  applied.Language,
		Counts:    d.Snapshot.Counts,
		DecidedAt: now.UTC(),
	}
	if err := s.cfg.Journal.Record(ctx, o); err != nil {
		observe.Logger(ctx).Warn("failed to journal rotation outcome", "err", err)
	}
}

// DetectStill classifies one still image repeatedly and reduces the passes by
// majority vote. No session is involved.
func (s *Service) DetectStill(ctx context.Context, lang string, img []byte) (Result, error) {
	if err := detect.ValidateImage(img); err != nil {
		return Result{}, err
	}
	lang = s.language(lang)
	sample, err := aggregate.Sample(ctx, s.cfg.SampleCount, s.cfg.SampleConcurrency,
		func(ctx context.Context) (types.Detection, bool, error) {
			fr, err := s.cfg.Classifier.ClassifyRaw(ctx, img)
			return fr.Detection, fr.Detected, err
		})
	if err != nil {
		return Result{}, err
	}

	d := aggregate.Decision{
		Snapshot: aggregate.Snapshot{
			FrameCount:   sample.Samples,
			TargetFrames: sample.Samples,
			Counts:       sample.Counts,
		},
	}
	if sample.Found {
		d.Kind = aggregate.Confirmed
		d.Label = sample.Label
		d.Votes = sample.Votes
		best := sample.Best
		d.Snapshot.Current = &best
	} else {
		d.Kind = aggregate.NoSubject
		d.Reason = aggregate.ReasonNoObjectDetected
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", d.Kind.String()),
			attribute.String("mode", "still"),
		))
	}
	return s.finish(ctx, "", lang, d), nil
}
