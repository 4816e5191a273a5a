package aggregate

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// DefaultSampleCount is the number of classifier passes over a still image.
const DefaultSampleCount = 40

// ClassifyFunc classifies one still image. ok is false when nothing was found.
type ClassifyFunc func(ctx context.Context) (d types.Detection, ok bool, err error)

// SampleResult is the majority vote over repeated classifier passes.
type SampleResult struct {
	// Found is false when no pass detected anything.
	Found bool

	// Label is the majority label and Votes its count.
	Label string
	Votes int

	// Samples is the number of passes that were run.
	Samples int

	// Best is the highest-confidence detection of the winning label.
	Best types.Detection

	Counts map[string]int
}

// Sample runs classify n times with at most concurrency calls in flight and
// reduces the results by majority vote. Ties go to the label seen first in
// pass order. Any classifier error aborts the whole sample.
func Sample(ctx context.Context, n, concurrency int, classify ClassifyFunc) (SampleResult, error) {
	if n <= 0 {
		return SampleResult{}, errors.New("aggregate: sample count must be positive")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]types.FrameResult, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range n {
		g.Go(func() error {
			d, ok, err := classify(gctx)
			if err != nil {
				return fmt.Errorf("aggregate: sample %d: %w", i, err)
			}
			if ok {
				results[i] = types.Detected(d)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SampleResult{}, err
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	best := make(map[string]types.Detection)
	for i, r := range results {
		if !r.Detected {
			continue
		}
		l := r.Detection.Label
		counts[l]++
		if _, seen := firstSeen[l]; !seen {
			firstSeen[l] = i
		}
		if b, seen := best[l]; !seen || r.Detection.Confidence > b.Confidence {
			best[l] = r.Detection
		}
	}

	res := SampleResult{Samples: n, Counts: counts}
	label, votes, ok := tally(counts, firstSeen)
	if !ok {
		return res, nil
	}
	res.Found = true
	res.Label = label
	res.Votes = votes
	res.Best = best[label]
	return res, nil
}
