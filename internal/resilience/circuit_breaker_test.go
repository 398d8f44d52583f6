package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	clock := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "cloudwatch", MaxFailures: 2, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return clock }

	errDown := errors.New("down")
	calls := 0
	failing := func(context.Context) error { calls++; return errDown }
	ok := func(context.Context) error { calls++; return nil }
	ctx := context.Background()

	cb.Execute(ctx, failing)
	if cb.State() != StateClosed {
		t.Fatalf("one failure: state = %s, want closed", cb.State())
	}
	cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatalf("two failures: state = %s, want open", cb.State())
	}

	if err := cb.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open circuit: err = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Errorf("open circuit called fn: calls = %d", calls)
	}

	// Failed probe reopens
	clock = clock.Add(time.Minute)
	if err := cb.Execute(ctx, failing); !errors.Is(err, errDown) {
		t.Errorf("probe err = %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("failed probe: state = %s, want open", cb.State())
	}

	// Successful probe closes
	clock = clock.Add(time.Minute)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Errorf("probe err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("successful probe: state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute})
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("x") }

	cb.Execute(ctx, fail)
	cb.Execute(ctx, func(context.Context) error { return nil })
	cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}
