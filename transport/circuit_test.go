package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stkai/stkai-go/core"
)

func TestCircuitOpensAfterThreshold(t *testing.T) {
	inner := &scriptTransport{outcome: func(n int, req *core.TransportRequest) (*core.TransportResponse, error) {
		return nil, &core.Error{Kind: core.ErrNetwork}
	}}
	clock := core.NewFakeClock(time.Now())
	cb := NewCircuitBreakerTransport(inner, 2, 30*time.Second, clock, nil)

	for i := 0; i < 2; i++ {
		cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}

	_, err := cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("open circuit should reject immediately, got %v", err)
	}
	if len(inner.calls) != 2 {
		t.Errorf("rejected call must not reach the inner transport, saw %d calls", len(inner.calls))
	}
}

func TestCircuitHalfOpenProbeRecovers(t *testing.T) {
	fail := true
	inner := &scriptTransport{outcome: func(n int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if fail {
			return nil, &core.Error{Kind: core.ErrHostError, StatusCode: 503}
		}
		return &core.TransportResponse{StatusCode: 200}, nil
	}}
	clock := core.NewFakeClock(time.Now())
	cb := NewCircuitBreakerTransport(inner, 1, 10*time.Second, clock, nil)

	cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	clock.Advance(11 * time.Second)
	fail = false
	resp, err := cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("probe should pass through, got %v %v", resp, err)
	}
	if cb.State() != StateClosed {
		t.Errorf("successful probe should close the circuit, got %s", cb.State())
	}
}

func TestCircuitHalfOpenProbeFailureReopens(t *testing.T) {
	inner := &scriptTransport{outcome: func(n int, req *core.TransportRequest) (*core.TransportResponse, error) {
		return nil, &core.Error{Kind: core.ErrNetwork}
	}}
	clock := core.NewFakeClock(time.Now())
	cb := NewCircuitBreakerTransport(inner, 1, 10*time.Second, clock, nil)

	cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	clock.Advance(11 * time.Second)
	cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	if cb.State() != StateOpen {
		t.Errorf("failed probe should reopen, got %s", cb.State())
	}
}

func TestCircuitIgnoresThrottleAndClientErrors(t *testing.T) {
	inner := &scriptTransport{outcome: func(n int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if n%2 == 0 {
			return nil, &core.Error{Kind: core.ErrServerThrottle, StatusCode: 429}
		}
		return nil, &core.Error{Kind: core.ErrClientError, StatusCode: 400}
	}}
	cb := NewCircuitBreakerTransport(inner, 1, 10*time.Second, nil, nil)

	for i := 0; i < 6; i++ {
		cb.RoundTrip(context.Background(), &core.TransportRequest{Method: core.MethodPost})
	}
	if cb.State() != StateClosed {
		t.Errorf("throttle and client errors must not trip the breaker, got %s", cb.State())
	}
}
