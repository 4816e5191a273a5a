// Package mock provides a test double for the classifier.Provider interface.
//
// Responses can be scripted as a queue (consumed one per Classify call) or as
// a single fixed result. Every call is recorded.
//
// Example:
//
//	p := &mock.Provider{Responses: []mock.Response{
//	    {Detection: types.Detection{Label: "cube", Confidence: 0.9}, OK: true},
//	    {},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/types"
)

var _ classifier.Provider = (*Provider)(nil)

// Response is one scripted Classify result.
type Response struct {
	Detection types.Detection
	OK        bool
	Err       error
}

// Provider is a mock implementation of classifier.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is consumed front to back. When empty, Default is returned.
	Responses []Response

	// Default is returned once Responses is exhausted.
	Default Response

	// ClassifyFunc, if set, overrides Responses and Default.
	ClassifyFunc func(ctx context.Context, image []byte) (types.Detection, bool, error)

	// ModelInfo is returned by Info when InfoErr is nil.
	ModelInfo classifier.ModelInfo

	// InfoErr, if non-nil, is returned by Info.
	InfoErr error

	// ClassifyCalls records the image passed to every Classify call.
	ClassifyCalls [][]byte
}

// Classify records the call and returns the next scripted response.
func (p *Provider) Classify(ctx context.Context, image []byte) (types.Detection, bool, error) {
	p.mu.Lock()
	p.ClassifyCalls = append(p.ClassifyCalls, image)
	fn := p.ClassifyFunc
	resp := p.Default
	if fn == nil && len(p.Responses) > 0 {
		resp = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, image)
	}
	return resp.Detection, resp.OK, resp.Err
}

// Info returns the configured ModelInfo or InfoErr.
func (p *Provider) Info(_ context.Context) (classifier.ModelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InfoErr != nil {
		return classifier.ModelInfo{}, p.InfoErr
	}
	return p.ModelInfo, nil
}

// CallCount returns the number of Classify calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ClassifyCalls)
}

// Reset clears recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClassifyCalls = nil
}
