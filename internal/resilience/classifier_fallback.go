package resilience

import (
	"context"
	"errors"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// ClassifierFallback implements [classifier.Provider] with failover across
// several inference backends serving the same model.
//
// When every backend is down the returned error wraps
// [classifier.ErrUnavailable] so callers map it the same way as a single
// unreachable backend.
type ClassifierFallback struct {
	group *FallbackGroup[classifier.Provider]
}

var _ classifier.Provider = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a [ClassifierFallback] with primary as the
// preferred backend.
func NewClassifierFallback(primary classifier.Provider, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *ClassifierFallback) AddFallback(name string, p classifier.Provider) {
	f.group.AddFallback(name, p)
}

// States reports the breaker state of every backend.
func (f *ClassifierFallback) States() map[string]State { return f.group.States() }

type classification struct {
	d  types.Detection
	ok bool
}

// Classify runs on the first healthy backend.
func (f *ClassifierFallback) Classify(ctx context.Context, image []byte) (types.Detection, bool, error) {
	res, err := ExecuteWithResult(ctx, f.group, func(p classifier.Provider) (classification, error) {
		d, ok, err := p.Classify(ctx, image)
		return classification{d: d, ok: ok}, err
	})
	return res.d, res.ok, unavailable(err)
}

// Info reports the first healthy backend's model.
func (f *ClassifierFallback) Info(ctx context.Context) (classifier.ModelInfo, error) {
	info, err := ExecuteWithResult(ctx, f.group, func(p classifier.Provider) (classifier.ModelInfo, error) {
		return p.Info(ctx)
	})
	return info, unavailable(err)
}

func unavailable(err error) error {
	if err == nil || !errors.Is(err, ErrAllFailed) || errors.Is(err, classifier.ErrUnavailable) {
		return err
	}
	return errors.Join(classifier.ErrUnavailable, err)
}
