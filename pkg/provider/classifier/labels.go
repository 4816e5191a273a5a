package classifier

import (
	"context"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// DefaultSnapThreshold is the minimum Jaro-Winkler similarity for an unknown
// label to be mapped onto a vocabulary entry.
const DefaultSnapThreshold = 0.9

// NormalizeLabel converts a raw model label into the canonical key form used
// by the aggregator and the localization tables: trimmed, lower case, with
// inner spaces replaced by underscores ("Triangular Prism " → "triangular_prism").
func NormalizeLabel(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "_")
}

// DisplayName renders a canonical label for humans ("triangular_prism" →
// "triangular prism").
func DisplayName(label string) string {
	return strings.ReplaceAll(label, "_", " ")
}

// Vocabulary maps normalised labels onto a fixed set of known classes.
type Vocabulary struct {
	labels    []string
	threshold float64
}

// NewVocabulary builds a vocabulary from labels (normalised on the way in).
// A threshold <= 0 selects [DefaultSnapThreshold].
func NewVocabulary(labels []string, threshold float64) *Vocabulary {
	if threshold <= 0 {
		threshold = DefaultSnapThreshold
	}
	v := &Vocabulary{threshold: threshold}
	for _, l := range labels {
		n := NormalizeLabel(l)
		if n != "" && !slices.Contains(v.labels, n) {
			v.labels = append(v.labels, n)
		}
	}
	return v
}

// Labels returns the known labels in insertion order.
func (v *Vocabulary) Labels() []string {
	return slices.Clone(v.labels)
}

// Snap returns label unchanged when it is known, otherwise the closest known
// label whose similarity reaches the threshold. Labels with no close match
// are returned unchanged.
func (v *Vocabulary) Snap(label string) string {
	if v == nil || len(v.labels) == 0 || slices.Contains(v.labels, label) {
		return label
	}
	best, bestScore := label, 0.0
	for _, known := range v.labels {
		if s := matchr.JaroWinkler(label, known, false); s > bestScore {
			best, bestScore = known, s
		}
	}
	if bestScore >= v.threshold {
		return best
	}
	return label
}

// RefineOptions configures [Refine].
type RefineOptions struct {
	// MinConfidence drops detections scoring below it.
	MinConfidence float64

	// Vocabulary, when non-nil, snaps near-miss labels onto known classes.
	Vocabulary *Vocabulary
}

// refined applies confidence filtering and label normalisation on top of a
// raw backend.
type refined struct {
	next Provider
	opts RefineOptions
}

// Refine wraps p so that every detection is normalised, snapped to the
// vocabulary, and discarded when below opts.MinConfidence.
func Refine(p Provider, opts RefineOptions) Provider {
	return &refined{next: p, opts: opts}
}

func (r *refined) Classify(ctx context.Context, image []byte) (types.Detection, bool, error) {
	d, ok, err := r.next.Classify(ctx, image)
	if err != nil || !ok {
		return types.Detection{}, false, err
	}
	if d.Confidence < r.opts.MinConfidence {
		return types.Detection{}, false, nil
	}
	d.Label = r.opts.Vocabulary.Snap(NormalizeLabel(d.Label))
	if d.Label == "" {
		return types.Detection{}, false, nil
	}
	return d, true, nil
}

func (r *refined) Info(ctx context.Context) (ModelInfo, error) {
	info, err := r.next.Info(ctx)
	if err != nil {
		return info, err
	}
	classes := make([]string, 0, len(info.Classes))
	for _, c := range info.Classes {
		classes = append(classes, NormalizeLabel(c))
	}
	info.Classes = classes
	return info, nil
}

// Best returns the highest-confidence detection in ds. Ties keep the
// earliest entry.
func Best(ds []types.Detection) (types.Detection, bool) {
	if len(ds) == 0 {
		return types.Detection{}, false
	}
	best := ds[0]
	for _, d := range ds[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}
