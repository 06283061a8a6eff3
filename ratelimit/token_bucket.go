// Package ratelimit implements client-side throttling as transport
// decorators. A token represents one submission against the shared server
// quota: work-creating POSTs consume a token, polling GETs pass through
// unthrottled because polling volume is unbounded per job and must not be
// counted against the quota.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/stkai/stkai-go/core"
)

// sleepJitterPct spreads token-wait sleeps across workers sharing a quota
const sleepJitterPct = 0.2

// TokenBucketTransport throttles work-creating requests at a fixed rate.
// The bucket holds up to capacity tokens and refills continuously at
// fillRate tokens per second (maxRequests / timeWindow).
type TokenBucketTransport struct {
	next     core.Transport
	capacity float64
	fillRate float64
	maxWait  *time.Duration
	clock    core.Clock
	rng      core.Rand
	logger   core.Logger

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Option customizes a limiter
type Option func(*limiterDeps)

type limiterDeps struct {
	clock  core.Clock
	rng    core.Rand
	logger core.Logger
	onRate func(float64)
}

// WithClock substitutes the clock (tests)
func WithClock(clock core.Clock) Option {
	return func(d *limiterDeps) { d.clock = clock }
}

// WithStructuralRand substitutes the structural jitter RNG (tests)
func WithStructuralRand(rng core.Rand) Option {
	return func(d *limiterDeps) { d.rng = rng }
}

// WithLogger attaches a logger
func WithLogger(logger core.Logger) Option {
	return func(d *limiterDeps) { d.logger = logger }
}

// WithRateObserver registers a callback invoked with the effective rate
// after every adaptive adjustment. Used by the telemetry integration.
func WithRateObserver(fn func(rate float64)) Option {
	return func(d *limiterDeps) { d.onRate = fn }
}

func resolveDeps(opts []Option) limiterDeps {
	d := limiterDeps{
		clock:  core.RealClock(),
		rng:    core.NewStructuralRand(),
		logger: core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// NewTokenBucketTransport wraps next with fixed-rate throttling configured
// from the rate_limit settings group
func NewTokenBucketTransport(next core.Transport, cfg core.RateLimitSettings, opts ...Option) *TokenBucketTransport {
	d := resolveDeps(opts)
	t := &TokenBucketTransport{
		next:     next,
		capacity: float64(cfg.MaxRequests),
		fillRate: float64(cfg.MaxRequests) / cfg.TimeWindow.Seconds(),
		maxWait:  cfg.MaxWaitTime,
		clock:    d.clock,
		rng:      d.rng,
		logger:   d.logger,
	}
	t.tokens = t.capacity
	t.lastRefill = d.clock.Now()
	return t
}

func (t *TokenBucketTransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	if !req.IsWorkCreating() {
		return t.next.RoundTrip(ctx, req)
	}
	if err := acquire(ctx, &bucketState{
		mu: &t.mu, tokens: &t.tokens, lastRefill: &t.lastRefill,
		capacity: t.capacity, fillRate: func() float64 { return t.fillRate },
	}, t.maxWait, t.clock, t.rng); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(ctx, req)
}

// Tokens returns the current token count after a refill (tests, diagnostics)
func (t *TokenBucketTransport) Tokens() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	refill(t.clock.Now(), &t.tokens, &t.lastRefill, t.capacity, t.fillRate)
	return t.tokens
}

// bucketState lets the token bucket and adaptive limiter share one
// acquisition loop while keeping their state in their own structs
type bucketState struct {
	mu         *sync.Mutex
	tokens     *float64
	lastRefill *time.Time
	capacity   float64
	fillRate   func() float64
}

// refill advances the bucket to now. lastRefill moves strictly forward and
// the count never exceeds capacity.
func refill(now time.Time, tokens *float64, lastRefill *time.Time, capacity, fillRate float64) {
	elapsed := now.Sub(*lastRefill)
	if elapsed <= 0 {
		return
	}
	*tokens += elapsed.Seconds() * fillRate
	if *tokens > capacity {
		*tokens = capacity
	}
	*lastRefill = now
}

// acquire takes one token, sleeping as needed. The mandatory sleep happens
// outside the lock and the loop re-checks afterwards, since a concurrent
// caller may have drained the refill in the meantime. Acquisition ordering
// across goroutines is unspecified: first to grab the lock wins.
func acquire(ctx context.Context, b *bucketState, maxWait *time.Duration, clock core.Clock, rng core.Rand) error {
	start := clock.Now()
	for {
		b.mu.Lock()
		rate := b.fillRate()
		refill(clock.Now(), b.tokens, b.lastRefill, b.capacity, rate)
		if *b.tokens >= 1 {
			*b.tokens--
			b.mu.Unlock()
			return nil
		}
		needed := time.Duration((1 - *b.tokens) / rate * float64(time.Second))
		b.mu.Unlock()

		if maxWait != nil {
			remaining := *maxWait - clock.Now().Sub(start)
			if needed > remaining {
				return &core.Error{Op: "ratelimit.Acquire", Kind: core.ErrTokenWaitTimeout}
			}
		}
		if err := clock.Sleep(ctx, core.JitterDuration(needed, sleepJitterPct, rng)); err != nil {
			return &core.Error{Op: "ratelimit.Acquire", Kind: core.ErrTokenWaitTimeout, Err: err}
		}
	}
}
