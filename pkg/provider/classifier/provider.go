// Package classifier defines the Provider interface for image classifiers.
//
// A classifier inspects a single encoded image (JPEG/PNG) and reports the
// most confident subject it sees, or no subject at all. shapetutor uses two
// instances of the same contract: one recognising whole shapes during a
// rotation session and one recognising the feature (edge, face, vertex) the
// learner's finger is touching.
//
// Implementations must be safe for concurrent use.
package classifier

import (
	"context"
	"errors"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// ErrUnavailable is returned when a backend cannot be reached or has not
// loaded its model.
var ErrUnavailable = errors.New("classifier: unavailable")

// ModelInfo describes the model behind a classifier.
type ModelInfo struct {
	// Loaded is true once the backend is ready to serve requests.
	Loaded bool

	// Device is the inference device reported by the backend ("cpu", "cuda:0").
	Device string

	// Classes lists the labels the model can emit, normalised.
	Classes []string
}

// Provider is the abstraction over any image classifier.
type Provider interface {
	// Classify runs inference on image. ok is false when no subject was
	// detected; err is non-nil only when the classifier itself failed, in
	// which case the result must not be counted as either a vote or an
	// absence.
	Classify(ctx context.Context, image []byte) (d types.Detection, ok bool, err error)

	// Info reports model status for health and status endpoints.
	Info(ctx context.Context) (ModelInfo, error)
}
