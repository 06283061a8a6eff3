package transport

import (
	"context"
	"sync"
	"time"

	"github.com/stkai/stkai-go/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerTransport is an optional decorator that fails fast when the
// platform is persistently unreachable. Only infrastructure failures count
// toward the threshold: client errors, auth failures and throttling signals
// are the server answering, not the server being down.
//
// States: closed (normal), open (requests rejected with ErrCircuitOpen until
// the reset timeout elapses), half-open (one probe request; success closes
// the circuit, failure reopens it).
type CircuitBreakerTransport struct {
	next      core.Transport
	threshold int
	timeout   time.Duration
	clock     core.Clock
	logger    core.Logger

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreakerTransport wraps next with circuit-breaker protection
func NewCircuitBreakerTransport(next core.Transport, threshold int, timeout time.Duration, clock core.Clock, logger core.Logger) *CircuitBreakerTransport {
	if clock == nil {
		clock = core.RealClock()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CircuitBreakerTransport{
		next:      next,
		threshold: threshold,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
		state:     StateClosed,
	}
}

// State returns the current circuit state
func (t *CircuitBreakerTransport) State() CircuitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *CircuitBreakerTransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	if err := t.admit(); err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(ctx, req)
	t.record(err)
	return resp, err
}

func (t *CircuitBreakerTransport) admit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateClosed:
		return nil
	case StateOpen:
		if t.clock.Now().Sub(t.openedAt) < t.timeout {
			return &core.Error{Op: "transport.CircuitBreaker", Kind: core.ErrCircuitOpen}
		}
		t.transition(StateHalfOpen)
		t.probeInFlight = true
		return nil
	default: // half-open
		if t.probeInFlight {
			return &core.Error{Op: "transport.CircuitBreaker", Kind: core.ErrCircuitOpen}
		}
		t.probeInFlight = true
		return nil
	}
}

func (t *CircuitBreakerTransport) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := err != nil && countsAsFailure(err)
	switch t.state {
	case StateHalfOpen:
		t.probeInFlight = false
		if counts {
			t.openedAt = t.clock.Now()
			t.transition(StateOpen)
		} else if err == nil {
			t.failures = 0
			t.transition(StateClosed)
		}
	case StateClosed:
		if counts {
			t.failures++
			if t.failures >= t.threshold {
				t.openedAt = t.clock.Now()
				t.transition(StateOpen)
			}
		} else if err == nil {
			t.failures = 0
		}
	}
}

func (t *CircuitBreakerTransport) transition(to CircuitState) {
	from := t.state
	t.state = to
	t.logger.Info("circuit breaker state change", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
}

// countsAsFailure reports whether an error indicates platform unavailability.
// Throttling means the server is up and managing load; client and auth
// errors are caller-side problems.
func countsAsFailure(err error) bool {
	if core.IsThrottle(err) {
		return false
	}
	return core.IsRetryable(err)
}
