// Package types defines the shared types used across shapetutor packages.
//
// These types form the lingua franca between classifier providers, the
// aggregator, the HTTP API, and the outcome journal. Each package defines its
// own domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// BoundingBox is an axis-aligned box in source-image pixel coordinates.
// (X1, Y1) is the top-left corner and (X2, Y2) the bottom-right corner.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Detection is a single classifier hit on one image.
type Detection struct {
	// Label is the normalised class label (e.g. "cube", "triangular_prism").
	Label string

	// Confidence is the classifier score in [0, 1].
	Confidence float64

	// Box locates the detected subject in the image.
	Box BoundingBox
}

// FrameResult is the per-frame input to the vote aggregator: either a
// detection or an explicit absence.
type FrameResult struct {
	// Detected is false when the classifier reported no subject.
	Detected bool

	// Detection is only meaningful when Detected is true.
	Detection Detection
}

// Detected wraps d as a positive frame result.
func Detected(d Detection) FrameResult {
	return FrameResult{Detected: true, Detection: d}
}

// NotDetected is the frame result for an image without a subject.
func NotDetected() FrameResult {
	return FrameResult{}
}

// VoiceProfile describes which TTS voice to use for an utterance.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	ID string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag the text is written in (e.g. "en", "es").
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = unset).
	SpeedFactor float64
}

// OutcomeKind enumerates terminal decisions of a rotation session.
type OutcomeKind string

const (
	OutcomeConfirmed    OutcomeKind = "confirmed"
	OutcomeInconclusive OutcomeKind = "inconclusive"
	OutcomeNoSubject    OutcomeKind = "no_subject"
)

// Outcome is the journal record written when a rotation session terminates.
type Outcome struct {
	SessionID  string            `json:"sessionId"`
	Kind       OutcomeKind       `json:"kind"`
	Label      string            `json:"label,omitempty"`
	Votes      int               `json:"votes"`
	Frames     int               `json:"frames"`
	Reason     string            `json:"reason,omitempty"`
	Language   string            `json:"language"`
	Counts     map[string]int    `json:"counts,omitempty"`
	DecidedAt  time.Time         `json:"decidedAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
