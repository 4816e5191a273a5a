// Package detect holds the pieces shared by every image-driven flow: image
// validation, the instrumented classifier call, and the error taxonomy the
// HTTP layer maps onto status codes.
//
// The taxonomy:
//
//   - [ErrClassifierUnavailable]: no classifier is configured, or the backend
//     reported itself unavailable. Service-level; maps to 503.
//   - [*InputError]: the request itself is unusable (empty or undecodable
//     image, malformed body). Maps to 400 and never mutates a session.
//   - [*ClassifierError]: the classifier call failed for this request. Maps
//     to 502; the frame is counted neither as a vote nor as an absence.
package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// ErrClassifierUnavailable reports a missing or unreachable classifier.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// InputError reports an unusable request.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *InputError) Unwrap() error { return e.Err }

// ClassifierError reports a failed classifier call.
type ClassifierError struct {
	Err error
}

func (e *ClassifierError) Error() string { return "classification failed: " + e.Err.Error() }

func (e *ClassifierError) Unwrap() error { return e.Err }

// ValidateImage checks that img decodes as a JPEG, PNG, or GIF header.
func ValidateImage(img []byte) error {
	if len(img) == 0 {
		return &InputError{Reason: "empty image"}
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(img)); err != nil {
		return &InputError{Reason: "invalid image", Err: err}
	}
	return nil
}

// Classifier wraps one classifier.Provider with tracing, metrics, and the
// error taxonomy. A nil Provider yields [ErrClassifierUnavailable].
type Classifier struct {
	// Name labels spans and metrics ("object", "touch").
	Name     string
	Provider classifier.Provider
	Metrics  *observe.Metrics
}

// Classify validates img and runs one classifier call. No locks are held.
func (c *Classifier) Classify(ctx context.Context, img []byte) (types.FrameResult, error) {
	if err := ValidateImage(img); err != nil {
		return types.FrameResult{}, err
	}
	return c.ClassifyRaw(ctx, img)
}

// ClassifyRaw runs one classifier call on an already validated image.
func (c *Classifier) ClassifyRaw(ctx context.Context, img []byte) (types.FrameResult, error) {
	if c == nil || c.Provider == nil {
		return types.FrameResult{}, ErrClassifierUnavailable
	}
	ctx, span := observe.StartSpan(ctx, "classifier.classify",
		trace.WithAttributes(attribute.String("classifier", c.Name)))
	start := time.Now()
	d, ok, err := c.Provider.Classify(ctx, img)
	if c.Metrics != nil {
		c.Metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("classifier", c.Name)))
	}
	if err != nil {
		observe.EndSpan(span, err)
		if c.Metrics != nil {
			c.Metrics.RecordProviderRequest(ctx, c.Name, "classifier", "error")
			c.Metrics.RecordProviderError(ctx, c.Name, "classifier")
		}
		if errors.Is(err, classifier.ErrUnavailable) {
			return types.FrameResult{}, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
		}
		return types.FrameResult{}, &ClassifierError{Err: err}
	}
	if c.Metrics != nil {
		c.Metrics.RecordProviderRequest(ctx, c.Name, "classifier", "ok")
	}
	span.SetAttributes(attribute.Bool("detected", ok))
	if ok {
		span.SetAttributes(
			attribute.String("label", d.Label),
			attribute.Float64("confidence", d.Confidence),
		)
	}
	observe.EndSpan(span, nil)
	if !ok {
		return types.NotDetected(), nil
	}
	return types.Detected(d), nil
}

// Info reports the model status; a nil Provider reports not loaded.
func (c *Classifier) Info(ctx context.Context) (classifier.ModelInfo, error) {
	if c == nil || c.Provider == nil {
		return classifier.ModelInfo{}, ErrClassifierUnavailable
	}
	return c.Provider.Info(ctx)
}
