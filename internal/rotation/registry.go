package rotation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shapetutor/shapetutor/internal/aggregate"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// DefaultKey is the session key used when a caller supplies none.
const DefaultKey = "default"

// entry guards one live session. Observers take a ticket and are served in
// ticket order, so frames for one key apply in the order they arrived.
type entry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64

	session  *aggregate.Session
	removed  atomic.Bool
	lastUsed atomic.Int64
}

func newEntry(s *aggregate.Session, now time.Time) *entry {
	e := &entry{session: s}
	e.cond = sync.NewCond(&e.mu)
	e.lastUsed.Store(now.UnixNano())
	return e
}

// lock waits for the caller's ticket to be served. The mutex only guards the
// counters; it is released before the session is touched so later arrivals
// can draw their tickets while the holder works.
func (e *entry) lock() {
	e.mu.Lock()
	ticket := e.next
	e.next++
	for ticket != e.serving {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

func (e *entry) unlock() {
	e.mu.Lock()
	e.serving++
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Registry owns the live rotation sessions. At most one session exists per
// key. The registry lock only covers map lookups; each session has its own
// ordered lock, so different keys never contend.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	params  aggregate.Params

	now     func() time.Time
	metrics *observe.Metrics

	// applied runs inside the per-key critical section after each frame.
	applied func(key string, fr types.FrameResult)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryMetrics maintains the active-session gauge on m.
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry whose new sessions use p.
func NewRegistry(p aggregate.Params, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		params:  p,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetParams changes the parameters of sessions created from now on. Live
// sessions keep theirs.
func (r *Registry) SetParams(p aggregate.Params) {
	r.mu.Lock()
	r.params = p
	r.mu.Unlock()
}

// Params returns the parameters applied to new sessions.
func (r *Registry) Params() aggregate.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// Handle is a reference to the session for one key.
type Handle struct {
	r    *Registry
	key  string
	lang string
	e    *entry
}

// Key returns the session key.
func (h *Handle) Key() string { return h.key }

// GetOrCreate returns a handle to the live session for key, creating one with
// lang when none exists. The language of an existing session is kept.
func (r *Registry) GetOrCreate(key, lang string) *Handle {
	return &Handle{r: r, key: key, lang: lang, e: r.resolve(key, lang)}
}

func (r *Registry) resolve(key, lang string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e
	}
	return r.insertLocked(key, lang)
}

// insertLocked must be called with r.mu held.
func (r *Registry) insertLocked(key, lang string) *entry {
	now := r.now()
	e := newEntry(aggregate.NewSession(r.params, lang, now), now)
	r.entries[key] = e
	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return e
}

// Reset replaces any live session for key with a fresh one.
func (r *Registry) Reset(key, lang string) *Handle {
	r.mu.Lock()
	if old, ok := r.entries[key]; ok {
		r.detachLocked(key, old)
	}
	e := r.insertLocked(key, lang)
	r.mu.Unlock()
	return &Handle{r: r, key: key, lang: lang, e: e}
}

// Remove evicts the session for key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		r.detachLocked(key, e)
	}
}

// detachLocked must be called with r.mu held.
func (r *Registry) detachLocked(key string, e *entry) {
	if cur, ok := r.entries[key]; !ok || cur != e {
		return
	}
	delete(r.entries, key)
	e.removed.Store(true)
	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Exists reports whether a live session exists for key.
func (r *Registry) Exists(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the counters of the live session for key.
func (r *Registry) Snapshot(key string) (aggregate.Snapshot, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return aggregate.Snapshot{}, false
	}
	e.lock()
	defer e.unlock()
	return e.session.Snapshot(), true
}

// Applied is what [Handle.Observe] reports back.
type Applied struct {
	Decision  aggregate.Decision
	Language  string
	CreatedAt time.Time
}

// Observe applies fr to the session and evaluates it, atomically with
// respect to other observers of the same key. A terminal decision evicts the
// session. When the handle's session was evicted while this call waited, the
// frame goes to a fresh session for the same key.
func (h *Handle) Observe(fr types.FrameResult) Applied {
	for {
		e := h.e
		e.lock()
		if e.removed.Load() {
			e.unlock()
			h.e = h.r.resolve(h.key, h.lang)
			continue
		}
		e.session.Observe(fr)
		e.lastUsed.Store(h.r.now().UnixNano())
		if h.r.applied != nil {
			h.r.applied(h.key, fr)
		}
		d := e.session.Evaluate()
		out := Applied{Decision: d, Language: e.session.Language(), CreatedAt: e.session.CreatedAt()}
		if d.Kind.Terminal() {
			h.r.mu.Lock()
			h.r.detachLocked(h.key, e)
			h.r.mu.Unlock()
		}
		e.unlock()
		return out
	}
}

// Sweep evicts sessions idle for longer than idle and returns how many were
// removed.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, e := range r.entries {
		if e.lastUsed.Load() < cutoff {
			r.detachLocked(key, e)
			n++
		}
	}
	return n
}

// RunJanitor sweeps idle sessions every interval until ctx is done. It is a
// no-op when idle is zero.
func (r *Registry) RunJanitor(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = idle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(idle); n > 0 {
				observe.Logger(ctx).Info("evicted idle rotation sessions", "count", n)
			}
		}
	}
}
