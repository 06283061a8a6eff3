package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/stkai/stkai-go/core"
)

// AdaptiveTransport throttles work-creating requests at a feedback-driven
// rate following an additive-increase, multiplicative-decrease law. The
// limiter observes outcomes on the return path: every 2xx nudges the rate
// up, every 429 cuts it multiplicatively, all other errors leave it alone
// because the server is not asking us to slow down.
//
// The jitter applied to both adjustments is structural: deterministic per
// process, seeded from host and pid. Two processes sharing a quota therefore
// apply slightly different penalties and recoveries and fall out of
// lock-step instead of oscillating together.
type AdaptiveTransport struct {
	next     core.Transport
	maxRate  float64 // requests per window, upper clamp
	floor    float64 // requests per window, strictly positive lower clamp
	window   time.Duration
	penalty  float64
	recovery float64
	maxWait  *time.Duration
	clock    core.Clock
	rng      core.Rand
	logger   core.Logger
	onRate   func(float64)

	mu            sync.Mutex
	effectiveRate float64
	tokens        float64
	lastRefill    time.Time
}

// NewAdaptiveTransport wraps next with AIMD throttling configured from the
// rate_limit settings group. Cold start is optimistic: the effective rate
// begins at the maximum and only a 429 brings it down.
func NewAdaptiveTransport(next core.Transport, cfg core.RateLimitSettings, opts ...Option) *AdaptiveTransport {
	d := resolveDeps(opts)
	t := &AdaptiveTransport{
		next:     next,
		maxRate:  float64(cfg.MaxRequests),
		floor:    cfg.MinRateFloor * float64(cfg.MaxRequests),
		window:   cfg.TimeWindow,
		penalty:  cfg.PenaltyFactor,
		recovery: cfg.RecoveryFactor,
		maxWait:  cfg.MaxWaitTime,
		clock:    d.clock,
		rng:      d.rng,
		logger:   d.logger,
		onRate:   d.onRate,
	}
	t.effectiveRate = t.maxRate
	t.tokens = t.maxRate
	t.lastRefill = d.clock.Now()
	return t
}

// EffectiveRate returns the current throttle rate in requests per window
func (t *AdaptiveTransport) EffectiveRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectiveRate
}

func (t *AdaptiveTransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	if !req.IsWorkCreating() {
		return t.next.RoundTrip(ctx, req)
	}
	if err := acquire(ctx, &bucketState{
		mu: &t.mu, tokens: &t.tokens, lastRefill: &t.lastRefill,
		capacity: t.maxRate, fillRate: t.fillRate,
	}, t.maxWait, t.clock, t.rng); err != nil {
		return nil, err
	}

	resp, err := t.next.RoundTrip(ctx, req)
	switch {
	case err == nil:
		t.recover()
	case core.IsThrottle(err):
		t.penalize()
	}
	return resp, err
}

// fillRate converts the effective rate to tokens per second.
// Called under the limiter lock by the acquisition loop.
func (t *AdaptiveTransport) fillRate() float64 {
	return t.effectiveRate / t.window.Seconds()
}

// penalize applies the multiplicative decrease. The floor is applied before
// returning so the rate can never collapse to zero.
func (t *AdaptiveTransport) penalize() {
	t.mu.Lock()
	t.effectiveRate *= 1 - t.penalty*core.Jitter(1, sleepJitterPct, t.rng)
	if t.effectiveRate < t.floor {
		t.effectiveRate = t.floor
	}
	rate := t.effectiveRate
	t.mu.Unlock()

	t.logger.Warn("server throttle observed, rate reduced", map[string]interface{}{
		"effective_rate": rate,
	})
	if t.onRate != nil {
		t.onRate(rate)
	}
}

// recover applies the additive increase, clamped at the maximum rate
func (t *AdaptiveTransport) recover() {
	t.mu.Lock()
	t.effectiveRate += t.maxRate * t.recovery * core.Jitter(1, sleepJitterPct, t.rng)
	if t.effectiveRate > t.maxRate {
		t.effectiveRate = t.maxRate
	}
	rate := t.effectiveRate
	t.mu.Unlock()

	if t.onRate != nil {
		t.onRate(rate)
	}
}
