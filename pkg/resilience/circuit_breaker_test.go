package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("test error")

func fail() error { return errBoom }
func ok() error   { return nil }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state to be Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, fail)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected Closed below threshold, got %v", cb.State())
	}

	_ = cb.Execute(ctx, fail)
	if cb.State() != CircuitOpen {
		t.Errorf("expected Open after 3 failures, got %v", cb.State())
	}
	if err := cb.Execute(ctx, ok); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)

	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed, failures are consecutive, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(60 * time.Millisecond)

	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected HalfOpen after timeout, got %v", cb.State())
	}
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe should pass, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(60 * time.Millisecond)
	_ = cb.Execute(ctx, fail)

	if cb.State() != CircuitOpen {
		t.Errorf("expected Open after failed probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}
	if cb.State() != CircuitClosed {
		t.Errorf("cancellation must not trip the breaker, got %v", cb.State())
	}
}

func TestCircuitBreaker_DoneContextSkipsCall(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("expected context.Canceled without calling fn, got %v (called=%v)", err, called)
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(ctx, ok)

	want := []string{"closed->open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after Reset, got %v", cb.State())
	}
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb := NewCircuitBreaker("test-snapshot", DefaultCircuitBreakerConfig())

	snap := cb.Snapshot()
	if snap.Name != "test-snapshot" {
		t.Errorf("expected name to be 'test-snapshot', got %v", snap.Name)
	}
	if snap.State != "closed" {
		t.Errorf("expected state to be 'closed', got %v", snap.State)
	}
}
