package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stkai/stkai-go/core"
)

func testConfig(clock *core.FakeClock, maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: 100 * time.Millisecond,
		Clock:        clock,
		Rand:         core.FixedRand(0), // no jitter: sleep == base
	}
}

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	attempts := 0
	info, err := Do(context.Background(), testConfig(clock, 3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 1 || info.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d (info %d)", attempts, info.Attempts)
	}
	if len(clock.Slept()) != 0 {
		t.Error("no backoff expected on first-attempt success")
	}
}

// TestRetryEventualSuccess tests success after a retryable failure
func TestRetryEventualSuccess(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	attempts := 0
	info, err := Do(context.Background(), testConfig(clock, 3), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return &core.Error{Kind: core.ErrHostError, StatusCode: 503}
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected eventual success, got error: %v", err)
	}
	if info.Attempts != 2 {
		t.Errorf("expected success on attempt 2, got %d", info.Attempts)
	}
	slept := clock.Slept()
	if len(slept) != 1 || slept[0] != 100*time.Millisecond {
		t.Errorf("expected one 100ms backoff, got %v", slept)
	}
}

// TestRetryExponentialBackoff verifies the delay doubles per failure
func TestRetryExponentialBackoff(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	_, err := Do(context.Background(), testConfig(clock, 3), func(ctx context.Context) error {
		return core.ErrNetwork
	})

	if !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("exhausted retries must propagate the final error, got %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	slept := clock.Slept()
	if len(slept) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff %d: expected %s, got %s", i+1, want[i], slept[i])
		}
	}
}

// TestRetryDisabled verifies max_retries = 0 means a single attempt
func TestRetryDisabled(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	attempts := 0
	_, err := Do(context.Background(), testConfig(clock, 0), func(ctx context.Context) error {
		attempts++
		return core.ErrNetwork
	})

	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
	if !errors.Is(err, core.ErrNetwork) {
		t.Errorf("expected the failure to propagate, got %v", err)
	}
}

// TestRetryNonRetryableStopsImmediately verifies classification
func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	for _, kind := range []error{core.ErrClientError, core.ErrMalformedResponse, core.ErrHandlerFailure, core.ErrAuthFailure} {
		clock := core.NewFakeClock(time.Now())
		attempts := 0
		_, err := Do(context.Background(), testConfig(clock, 3), func(ctx context.Context) error {
			attempts++
			return &core.Error{Kind: kind}
		})

		if attempts != 1 {
			t.Errorf("%v: expected a single attempt, got %d", kind, attempts)
		}
		if !errors.Is(err, kind) {
			t.Errorf("%v: expected the failure to propagate, got %v", kind, err)
		}
	}
}

// TestRetryHonorsSmallRetryAfter verifies a Retry-After within the cap
// raises the backoff
func TestRetryHonorsSmallRetryAfter(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	attempts := 0
	Do(context.Background(), testConfig(clock, 1), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &core.Error{Kind: core.ErrServerThrottle, StatusCode: 429, RetryAfter: 5 * time.Second}
		}
		return nil
	})

	slept := clock.Slept()
	if len(slept) != 1 || slept[0] < 5*time.Second {
		t.Errorf("expected a backoff of at least 5s, got %v", slept)
	}
}

// TestRetryIgnoresLargeRetryAfter verifies values above the cap fall back
// to the engine's own backoff
func TestRetryIgnoresLargeRetryAfter(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	attempts := 0
	Do(context.Background(), testConfig(clock, 1), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &core.Error{Kind: core.ErrServerThrottle, StatusCode: 429, RetryAfter: 120 * time.Second}
		}
		return nil
	})

	slept := clock.Slept()
	if len(slept) != 1 || slept[0] != 100*time.Millisecond {
		t.Errorf("expected the exponential backoff, got %v", slept)
	}
}

// TestRetryJitterBounds verifies the ephemeral jitter stays within 0-30%
func TestRetryJitterBounds(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	cfg := &Config{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		Clock:        clock,
		Rand:         core.NewEphemeralRand(),
	}
	Do(context.Background(), cfg, func(ctx context.Context) error {
		return core.ErrNetwork
	})

	base := 100 * time.Millisecond
	for i, d := range clock.Slept() {
		lo, hi := base, time.Duration(float64(base)*1.3)
		if d < lo || d > hi {
			t.Errorf("backoff %d: %s outside [%s, %s]", i+1, d, lo, hi)
		}
		base *= 2
	}
}

// TestRetryContextCancellation verifies a canceled context stops the loop
func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := Do(ctx, testConfig(core.NewFakeClock(time.Now()), 5), func(ctx context.Context) error {
		attempts++
		cancel()
		return core.ErrNetwork
	})

	if attempts != 1 {
		t.Errorf("expected a single attempt after cancellation, got %d", attempts)
	}
	if !errors.Is(err, core.ErrNetwork) {
		t.Errorf("expected the last failure to propagate, got %v", err)
	}
}
