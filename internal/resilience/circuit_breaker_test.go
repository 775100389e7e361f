package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errProvider = errors.New("provider failed")

func failing(context.Context) error { return errProvider }

func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second)

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}
	if err := cb.Do(context.Background(), succeeding); err != nil {
		t.Errorf("Expected call to pass through, got %v", err)
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("stt", 3, time.Second)
	ctx := context.Background()

	cb.Do(ctx, failing)
	cb.Do(ctx, failing)
	if cb.State() != StateClosed {
		t.Error("Expected state to still be closed after 2 failures")
	}

	if err := cb.Do(ctx, failing); !errors.Is(err, errProvider) {
		t.Errorf("Expected provider error to be returned, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatal("Expected state to be open after 3 failures")
	}

	called := false
	err := cb.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected open circuit to skip the call")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, time.Second)
	ctx := context.Background()

	cb.Do(ctx, failing)
	cb.Do(ctx, succeeding)
	cb.Do(ctx, failing)

	if cb.State() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit closed")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("test", 1, 10*time.Second, WithClock(clock.Now))
	ctx := context.Background()

	cb.Do(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatal("Expected circuit to be open")
	}

	clock.Advance(5 * time.Second)
	if err := cb.Do(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected circuit to stay open before the timeout, got %v", err)
	}

	clock.Advance(5 * time.Second)
	if err := cb.Do(ctx, succeeding); err != nil {
		t.Errorf("Expected probe to be allowed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected successful probe to close the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("test", 1, time.Second, WithClock(clock.Now))
	ctx := context.Background()

	cb.Do(ctx, failing)
	clock.Advance(time.Second)
	cb.Do(ctx, failing)

	if cb.State() != StateOpen {
		t.Errorf("Expected failed probe to reopen the circuit, got %s", cb.State())
	}
	if err := cb.Do(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected reset timeout to restart, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("test", 1, time.Second, WithClock(clock.Now), WithHalfOpenProbes(2))

	cb.RecordResult(false)
	clock.Advance(time.Second)

	if !cb.allowRequest() || !cb.allowRequest() {
		t.Fatal("Expected two probes to be allowed")
	}
	if cb.allowRequest() {
		t.Error("Expected a third concurrent probe to be rejected")
	}
	cb.RecordResult(true)
	cb.RecordResult(true)
	if cb.State() != StateClosed {
		t.Errorf("Expected circuit to close after 2 successful probes, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Do(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected cancellation to leave the circuit closed, got %s", cb.State())
	}
	if err := cb.Do(ctx, succeeding); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancelled context to short-circuit, got %v", err)
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := NewCircuitBreaker("translate", 1, time.Second,
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	cb.Do(ctx, failing)
	clock.Advance(time.Second)
	cb.Do(ctx, succeeding)

	expected := []string{
		"translate:closed->open",
		"translate:open->half_open",
		"translate:half_open->closed",
	}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("Expected %s at %d, got %s", expected[i], i, transitions[i])
		}
	}
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	requestCount, failureCount, failureRate := cb.Stats()
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Fatal("Expected circuit to be open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Error("Expected state to be closed after reset")
	}
}
