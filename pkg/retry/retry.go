// Package retry provides retry mechanisms with exponential backoff for bridgepool services.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bardlex/bridgepool/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration optimized for network operations
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// DatabaseConfig returns retry configuration optimized for database operations
func DatabaseConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// DestinationConfig returns the policy for destination-chain submissions.
// After MaxAttempts failures the transfer is handed to manual review.
func DestinationConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		if err := sleep(ctx, config.Delay(attempt)); err != nil {
			return zero, err
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// Delay returns the backoff before retry number attempt (zero based)
func (c *Config) Delay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	delay = min(delay, float64(c.MaxDelay))

	// up to 10% extra
	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}

// Exhausted reports whether attempts failures use up the budget
func (c *Config) Exhausted(attempts int) bool {
	return attempts >= c.MaxAttempts
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Task is a pending retry that fires once after its delay unless stopped
// or its context ends first.
type Task struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
	stop  chan struct{}
}

// Schedule runs fn after delay on its own goroutine. The returned Task can
// be stopped before it fires; ctx cancellation has the same effect.
func Schedule(ctx context.Context, delay time.Duration, fn func(ctx context.Context)) *Task {
	t := &Task{
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	t.timer = time.NewTimer(delay)

	go func() {
		defer close(t.done)
		defer t.timer.Stop()
		select {
		case <-ctx.Done():
		case <-t.stop:
		case <-t.timer.C:
			fn(ctx)
		}
	}()

	return t
}

// Stop cancels the task if it has not fired yet. Safe to call repeatedly.
func (t *Task) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Done is closed once the task has fired, been stopped, or its context ended
func (t *Task) Done() <-chan struct{} {
	return t.done
}
