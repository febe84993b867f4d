package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	bpErrors "github.com/bardlex/bridgepool/pkg/errors"
)

var errChainDown = errors.New("chain rpc unavailable")

func failing() error { return errChainDown }
func passing() error { return nil }

func openBreaker(t *testing.T, cfg *Config) *Breaker {
	t.Helper()
	b := New(cfg)
	for range cfg.MaxFailures {
		_ = b.Execute(context.Background(), failing)
	}
	if b.GetState() != StateOpen {
		t.Fatalf("Expected circuit to be open, got %s", b.GetState())
	}
	return b
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config.MaxFailures != 5 || breaker.config.Timeout != 30*time.Second {
		t.Errorf("Expected default config when nil is passed, got %+v", breaker.config)
	}
	if breaker.GetState() != StateClosed {
		t.Error("Expected initial state to be Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBreaker_OpensAndRejects(t *testing.T) {
	breaker := openBreaker(t, &Config{
		Name:            "chain-2",
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	})

	called := false
	err := breaker.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("Expected circuit breaker to reject call")
	}
	if called {
		t.Error("Expected function not to be called when circuit is open")
	}
	if !bpErrors.IsType(err, bpErrors.ErrorTypeInternal) {
		t.Error("Expected circuit breaker error to be internal type")
	}
	if bpErrors.GetContext(err)["breaker"] != "chain-2" {
		t.Errorf("Expected breaker name in context, got %v", bpErrors.GetContext(err))
	}
}

func TestBreaker_HalfOpenTransitions(t *testing.T) {
	tests := []struct {
		name     string
		fn       func() error
		expected State
	}{
		{"success closes", passing, StateClosed},
		{"failure reopens", failing, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := openBreaker(t, &Config{
				MaxFailures:     2,
				SuccessRequired: 1,
				Timeout:         time.Millisecond,
				ResetTimeout:    30 * time.Second,
			})
			time.Sleep(2 * time.Millisecond)

			_ = breaker.Execute(context.Background(), tt.fn)
			if breaker.GetState() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, breaker.GetState())
			}
		})
	}
}

func TestBreaker_SuccessRequiredInHalfOpen(t *testing.T) {
	breaker := openBreaker(t, &Config{
		MaxFailures:     2,
		SuccessRequired: 3,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
	})
	time.Sleep(2 * time.Millisecond)

	for range 2 {
		if err := breaker.Execute(context.Background(), passing); err != nil {
			t.Fatalf("Expected success in half-open, got: %v", err)
		}
	}
	if breaker.GetState() != StateHalfOpen {
		t.Errorf("Expected state to be HalfOpen, got %s", breaker.GetState())
	}

	_ = breaker.Execute(context.Background(), passing)
	if breaker.GetState() != StateClosed {
		t.Errorf("Expected state to be Closed after required successes, got %s", breaker.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	height, err := ExecuteWithResult(ctx, breaker, func() (int64, error) { return 812345, nil })
	if err != nil || height != 812345 {
		t.Fatalf("Expected 812345, got %d (%v)", height, err)
	}

	_, _ = ExecuteWithResult(ctx, breaker, func() (int64, error) { return 0, errChainDown })

	height, err = ExecuteWithResult(ctx, breaker, func() (int64, error) { return 1, nil })
	if err == nil {
		t.Error("Expected circuit breaker to reject call")
	}
	if height != 0 {
		t.Errorf("Expected zero result when circuit is open, got %d", height)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	breaker := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := breaker.Execute(ctx, passing); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	breaker := New(&Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    time.Minute,
		IsFailure:       bpErrors.IsRetryable,
	})

	rejected := bpErrors.New(bpErrors.ErrorTypeValidation, "submit", "tx rejected")
	for range 3 {
		_ = breaker.Execute(context.Background(), func() error { return rejected })
	}
	if breaker.GetState() != StateClosed {
		t.Errorf("Expected non-retryable errors not to trip the breaker, got %s", breaker.GetState())
	}

	_ = breaker.Execute(context.Background(), func() error {
		return bpErrors.New(bpErrors.ErrorTypeNetwork, "submit", "connection refused")
	})
	if breaker.GetState() != StateOpen {
		t.Errorf("Expected network error to open the breaker, got %s", breaker.GetState())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var seen []State

	breaker := New(&Config{
		Name:            "signer",
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Millisecond,
		ResetTimeout:    time.Minute,
		OnStateChange: func(name string, _, to State) {
			if name != "signer" {
				t.Errorf("unexpected breaker name %q", name)
			}
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})

	_ = breaker.Execute(context.Background(), failing)
	time.Sleep(2 * time.Millisecond)
	_ = breaker.Execute(context.Background(), passing)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestBreaker_StatsAndReset(t *testing.T) {
	breaker := New(&Config{MaxFailures: 3, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: 30 * time.Second})
	ctx := context.Background()

	_ = breaker.Execute(ctx, passing)
	_ = breaker.Execute(ctx, failing)

	stats := breaker.GetStats()
	if stats.State != StateClosed || stats.Failures != 1 || stats.Successes != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("Expected LastFailTime to be set")
	}

	breaker.Reset()
	stats = breaker.GetStats()
	if stats.Failures != 0 || stats.Successes != 0 || stats.State != StateClosed {
		t.Errorf("Expected clean stats after reset, got %+v", stats)
	}
}

func TestBreaker_ResetTimeout(t *testing.T) {
	breaker := New(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: time.Millisecond})
	ctx := context.Background()

	_ = breaker.Execute(ctx, failing)
	time.Sleep(2 * time.Millisecond)
	_ = breaker.Execute(ctx, passing)

	if stats := breaker.GetStats(); stats.Failures != 0 {
		t.Errorf("Expected failures to be reset after timeout, got %d", stats.Failures)
	}
}
