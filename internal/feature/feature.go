// Package feature implements the single-shot touch flow: the learner touches
// one part of the confirmed shape (an edge, a face, a vertex), one frame is
// classified, and the touched feature is announced.
//
// Unlike rotation sessions there is no voting and no per-learner state. The
// only shared state is the announcement [Gate].
package feature

import (
	"context"

	"github.com/shapetutor/shapetutor/internal/detect"
	"github.com/shapetutor/shapetutor/internal/locale"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/internal/speech"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// Result answers [Service.Detect]. Detection is nil when nothing was touched
// or when the gate suppressed the request.
type Result struct {
	Detection   *types.Detection
	Name        string
	Description string
	Suppressed  bool
	Language    string
}

// Speech is the narrated sentence and its audio.
type Speech struct {
	Text  string
	Audio []byte
}

// Service runs feature detection and announcements. It is safe for
// concurrent use.
type Service struct {
	gate       *Gate
	classifier *detect.Classifier
	narrator   *speech.Narrator
	locale     *locale.Resolver
	metrics    *observe.Metrics
}

// NewService wires a Service. narrator and m may be nil; a nil resolver
// selects the embedded tables.
func NewService(gate *Gate, c *detect.Classifier, narrator *speech.Narrator, r *locale.Resolver, m *observe.Metrics) *Service {
	if r == nil {
		r = locale.Default()
	}
	if gate == nil {
		gate = NewGate(m)
	}
	return &Service{gate: gate, classifier: c, narrator: narrator, locale: r, metrics: m}
}

// Gate returns the announcement gate.
func (s *Service) Gate() *Gate { return s.gate }

// Detect classifies img once. While the gate is suppressed it returns at once
// without calling the classifier. A missing classifier is reported as
// [detect.ErrClassifierUnavailable] whatever the gate state.
func (s *Service) Detect(ctx context.Context, img []byte, lang string) (Result, error) {
	if s.classifier == nil || s.classifier.Provider == nil {
		return Result{}, detect.ErrClassifierUnavailable
	}
	lang = string(s.locale.Match(lang))
	if s.gate.IsSuppressed() {
		s.record(ctx, "suppressed")
		return Result{Suppressed: true, Language: lang}, nil
	}
	fr, err := s.classifier.Classify(ctx, img)
	if err != nil {
		return Result{}, err
	}
	if !fr.Detected {
		s.record(ctx, "none")
		return Result{Language: lang}, nil
	}
	d := fr.Detection
	s.record(ctx, "detected")
	return Result{
		Detection:   &d,
		Name:        s.locale.Name(d.Label, lang),
		Description: s.locale.Resolve(d.Label, lang),
		Language:    lang,
	}, nil
}

func (s *Service) record(ctx context.Context, result string) {
	if s.metrics != nil {
		s.metrics.RecordFeatureDetection(ctx, result)
	}
}

// Begin suppresses detection for the duration of an announcement.
func (s *Service) Begin(ctx context.Context) { s.gate.Begin(ctx) }

// End reopens detection.
func (s *Service) End(ctx context.Context) { s.gate.End(ctx) }

// Speak narrates "You touched a {feature}", or the move-on instruction when
// next is true.
func (s *Service) Speak(ctx context.Context, feature, lang string, next bool) Speech {
	lang = string(s.locale.Match(lang))
	var text string
	if next {
		text = s.locale.Message(lang, locale.FeatureNext)
	} else {
		text = s.locale.Message(lang, locale.FeatureTouched, s.locale.Name(feature, lang))
	}
	return Speech{Text: text, Audio: s.narrator.Speak(ctx, text, lang)}
}

// Guide narrates the glove guideline read before detection starts.
func (s *Service) Guide(ctx context.Context, lang string) Speech {
	lang = string(s.locale.Match(lang))
	text := s.locale.Message(lang, locale.GuideGlove)
	return Speech{Text: text, Audio: s.narrator.Speak(ctx, text, lang)}
}
