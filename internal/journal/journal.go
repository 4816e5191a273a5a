// Package journal records the terminal outcome of every rotation session.
//
// Only outcomes are stored; live sessions stay in memory and are lost on
// restart. Three backends implement [Store]:
//
//   - [Memory]: bounded in-process ring, the default.
//   - [PostgresStore]: a detection_outcomes table reached through pgx.
//   - [SQLiteStore]: a local file through the pure-Go SQLite driver.
//
// [Publisher] decorates any Store and fans outcomes out to NATS.
package journal

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// DefaultRecentLimit bounds Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 20

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("journal: store closed")

// Store persists session outcomes. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record appends one outcome.
	Record(ctx context.Context, o types.Outcome) error

	// Recent returns up to limit outcomes, newest first.
	Recent(ctx context.Context, limit int) ([]types.Outcome, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}

// Memory is a bounded in-process Store. The oldest outcome is dropped once
// capacity is reached.
type Memory struct {
	mu       sync.Mutex
	capacity int
	items    []types.Outcome
	closed   bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store holding at most capacity outcomes
// (256 when capacity <= 0).
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{capacity: capacity}
}

// Record implements Store.
func (m *Memory) Record(_ context.Context, o types.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.items) == m.capacity {
		m.items = slices.Delete(m.items, 0, 1)
	}
	m.items = append(m.items, o)
	return nil
}

// Recent implements Store.
func (m *Memory) Recent(_ context.Context, limit int) ([]types.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	limit = min(normalizeLimit(limit), len(m.items))
	out := make([]types.Outcome, 0, limit)
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.items[i])
	}
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
