package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetry(t *testing.T) {
	errBoom := errors.New("boom")
	errFatal := errors.New("fatal")

	tests := []struct {
		name      string
		cfg       RetryConfig
		failures  []error // returned by successive calls, then nil
		wantErr   error
		wantCalls int
	}{
		{
			name:      "succeeds first time",
			cfg:       fastConfig(3),
			wantCalls: 1,
		},
		{
			name:      "succeeds after transient failures",
			cfg:       fastConfig(3),
			failures:  []error{errBoom, errBoom},
			wantCalls: 3,
		},
		{
			name:      "gives up after max attempts",
			cfg:       fastConfig(2),
			failures:  []error{errBoom, errBoom, errBoom},
			wantErr:   errBoom,
			wantCalls: 2,
		},
		{
			name: "stops on non-retryable error",
			cfg: func() RetryConfig {
				c := fastConfig(5)
				c.Retryable = func(err error) bool { return !errors.Is(err, errFatal) }
				return c
			}(),
			failures:  []error{errBoom, errFatal, errBoom},
			wantErr:   errFatal,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.cfg, func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetry_OnRetry(t *testing.T) {
	cfg := fastConfig(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	Retry(context.Background(), cfg, func(context.Context) error { return errors.New("down") })

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	err := Retry(ctx, cfg, func(context.Context) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCalculateDelay_Capped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for attempt, w := range want {
		if got := calculateDelay(attempt, cfg); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, w)
		}
	}
}
