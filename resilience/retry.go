// Package resilience provides the retry engine that wraps every network
// phase of the pipeline. It sits outside the limiter decorators, so throttle
// errors raised by the adaptive limiter reach it after the AIMD penalty has
// already been applied.
package resilience

import (
	"context"
	"time"

	"github.com/stkai/stkai-go/core"
)

// retryAfterCap bounds how large a server-suggested Retry-After the engine
// will honor. Larger values are ignored in favor of the engine's own
// backoff, defending against adversarial or misconfigured servers.
const retryAfterCap = 60 * time.Second

// backoffJitterMax is the upper bound of the ephemeral sleep jitter (0-30%
// additive), spreading retries across attempts so they do not collide
const backoffJitterMax = 0.3

// Config configures retry behavior for one phase
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Zero disables retry (single attempt).
	MaxRetries int

	// InitialDelay is the base of the exponential backoff
	InitialDelay time.Duration

	Clock  core.Clock
	Rand   core.Rand
	Logger core.Logger
}

// DefaultConfig provides sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
	}
}

func (c *Config) withDeps() Config {
	out := *c
	if out.Clock == nil {
		out.Clock = core.RealClock()
	}
	if out.Rand == nil {
		out.Rand = core.NewEphemeralRand()
	}
	if out.Logger == nil {
		out.Logger = core.NoOpLogger{}
	}
	return out
}

// Info reports how a retried operation concluded
type Info struct {
	// Attempts is the 1-indexed number of the attempt that concluded the
	// operation (successfully or not)
	Attempts int

	// Elapsed is the total wall time spent including backoff sleeps
	Elapsed time.Duration
}

// Do executes fn, retrying retryable failures with jittered exponential
// backoff. The engine holds no shared mutable state between calls and is
// safe for concurrent use.
//
// Delay before retry n (1-indexed failures): initialDelay × 2^(n−1), raised
// to the server's Retry-After when one is present and within the cap, then
// stretched by up to 30% ephemeral jitter.
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error) (Info, error) {
	c := cfg.withDeps()
	start := c.Clock.Now()

	var err error
	attempt := 1
	for {
		err = fn(ctx)
		if err == nil || !core.IsRetryable(err) || attempt > c.MaxRetries {
			break
		}

		delay := c.delay(attempt, err)
		c.Logger.Debug("retryable failure, backing off", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if sleepErr := c.Clock.Sleep(ctx, delay); sleepErr != nil {
			break
		}
		attempt++
	}
	return Info{Attempts: attempt, Elapsed: c.Clock.Now().Sub(start)}, err
}

// delay computes the backoff before retrying after the n-th failure
func (c *Config) delay(n int, err error) time.Duration {
	base := c.InitialDelay << (n - 1)
	if ra, ok := core.RetryAfterFrom(err); ok && ra <= retryAfterCap && ra > base {
		base = ra
	}
	return time.Duration(float64(base) * (1 + c.Rand.Float64()*backoffJitterMax))
}
