package feature

import (
	"context"
	"sync/atomic"

	"github.com/shapetutor/shapetutor/internal/observe"
)

// Gate suppresses feature detection while an announcement is being narrated.
// It has two states, open and suppressed, and changes only through Begin and
// End. There is no timeout: a missed End leaves the gate suppressed.
type Gate struct {
	suppressed atomic.Bool
	epoch      atomic.Uint64
	metrics    *observe.Metrics
}

// NewGate returns an open gate. m may be nil.
func NewGate(m *observe.Metrics) *Gate {
	return &Gate{metrics: m}
}

// Begin suppresses detection and starts a new announcement epoch.
func (g *Gate) Begin(ctx context.Context) uint64 {
	g.suppressed.Store(true)
	e := g.epoch.Add(1)
	if g.metrics != nil {
		g.metrics.RecordGateTransition(ctx, true)
	}
	return e
}

// End reopens the gate.
func (g *Gate) End(ctx context.Context) {
	g.suppressed.Store(false)
	if g.metrics != nil {
		g.metrics.RecordGateTransition(ctx, false)
	}
}

// IsSuppressed reports whether detection is currently suppressed.
func (g *Gate) IsSuppressed() bool { return g.suppressed.Load() }

// Epoch counts Begin calls since process start.
func (g *Gate) Epoch() uint64 { return g.epoch.Load() }
