package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "object"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "object" {
		t.Errorf("Name() = %q", cb.Name())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		steps   []func() error
		advance time.Duration
		probes  []func() error
		want    State
	}{
		{
			name:  "failures below threshold stay closed",
			steps: []func() error{fail, fail},
			want:  StateClosed,
		},
		{
			name:  "success resets the streak",
			steps: []func() error{fail, fail, succeed, fail, fail},
			want:  StateClosed,
		},
		{
			name:  "threshold opens",
			steps: []func() error{fail, fail, fail},
			want:  StateOpen,
		},
		{
			name:    "timeout reports half-open",
			steps:   []func() error{fail, fail, fail},
			advance: time.Minute,
			want:    StateHalfOpen,
		},
		{
			name:    "successful probes close",
			steps:   []func() error{fail, fail, fail},
			advance: time.Minute,
			probes:  []func() error{succeed, succeed},
			want:    StateClosed,
		},
		{
			name:    "failed probe re-opens",
			steps:   []func() error{fail, fail, fail},
			advance: time.Minute,
			probes:  []func() error{succeed, fail},
			want:    StateOpen,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "test",
				MaxFailures:  3,
				ResetTimeout: 30 * time.Second,
				HalfOpenMax:  2,
				Now:          clk.Now,
			})
			for _, fn := range tc.steps {
				_ = cb.Execute(fn)
			}
			clk.Advance(tc.advance)
			for i, fn := range tc.probes {
				if err := cb.Execute(fn); errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("probe %d rejected", i)
				}
			}
			if got := cb.State(); got != tc.want {
				t.Errorf("state = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(fail)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while open")
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: clk.Now})
	_ = cb.Execute(fail)
	clk.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_NeutralErrors(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2})
	for range 5 {
		_ = cb.Execute(func() error { return context.Canceled })
		_ = cb.Execute(func() error { return fmt.Errorf("call: %w", context.DeadlineExceeded) })
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}

	custom := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errTest) },
	})
	_ = custom.Execute(fail)
	if custom.State() != StateClosed {
		t.Errorf("custom state = %v, want closed", custom.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
