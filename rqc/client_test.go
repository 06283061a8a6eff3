package rqc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stkai/stkai-go/core"
	"github.com/stkai/stkai-go/handler"
	"github.com/stkai/stkai-go/listener"
)

// fakeTransport replays a scripted outcome per call and records requests
type fakeTransport struct {
	mu     sync.Mutex
	calls  []*core.TransportRequest
	script func(call int, req *core.TransportRequest) (*core.TransportResponse, error)
}

func (f *fakeTransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.script(len(f.calls), req)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ok(body string) (*core.TransportResponse, error) {
	return &core.TransportResponse{StatusCode: 200, Body: []byte(body)}, nil
}

func polling(status string) (*core.TransportResponse, error) {
	return ok(`{"progress": {"status": "` + status + `"}}`)
}

func testSettings() core.RQCSettings {
	return core.RQCSettings{
		RequestTimeout:      30 * time.Second,
		RetryMaxRetries:     3,
		RetryInitialDelay:   100 * time.Millisecond,
		PollInterval:        500 * time.Millisecond,
		PollMaxDuration:     600 * time.Second,
		OverloadTimeout:     60 * time.Second,
		PollRetryMaxRetries: -1,
		MaxWorkers:          2,
		BaseURL:             "https://api.test/quick-commands",
	}
}

func newTestClient(ft *fakeTransport, settings core.RQCSettings, clock *core.FakeClock, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithClock(clock), WithRand(core.FixedRand(0))}, opts...)
	return NewClient("summarize", ft, settings, opts...)
}

func TestExecuteHappyPath(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		switch call {
		case 1:
			if req.Method != core.MethodPost || !strings.HasSuffix(req.URL, "/quick-commands/summarize") {
				t.Errorf("unexpected create request %s %s", req.Method, req.URL)
			}
			return ok(`{"execution_id": "e1"}`)
		case 2:
			if req.Method != core.MethodGet || !strings.HasSuffix(req.URL, "/executions/e1") {
				t.Errorf("unexpected poll request %s %s", req.Method, req.URL)
			}
			return polling("RUNNING")
		default:
			return ok(`{"progress": {"status": "COMPLETED"}, "result": "{\"y\": 2}"}`)
		}
	}}
	clock := core.NewFakeClock(time.Now())
	start := clock.Now()
	c := newTestClient(ft, testSettings(), clock, WithHandlers(handler.JSON()))

	req := &core.Request{ID: "r1", Payload: map[string]interface{}{"x": 1}}
	resp := c.Execute(context.Background(), req)

	if resp.Status != core.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", resp.Status, resp.Error)
	}
	if got := resp.Result.(map[string]interface{})["y"]; got != float64(2) {
		t.Errorf("expected parsed result y=2, got %v", got)
	}
	if resp.RawResult != `{"y": 2}` {
		t.Errorf("raw result must stay uninterpreted, got %v", resp.RawResult)
	}
	if req.ExecutionID != "e1" {
		t.Errorf("execution id audit field not stamped, got %q", req.ExecutionID)
	}
	if req.SubmittedAt.IsZero() {
		t.Error("submitted_at audit field not stamped")
	}
	// Two polls at 500ms cadence: ~1s of wall time on the fake clock
	if elapsed := clock.Now().Sub(start); elapsed != time.Second {
		t.Errorf("expected 2 poll intervals of wall time, got %s", elapsed)
	}
}

func TestExecuteRetriedCreate(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		switch call {
		case 1:
			return nil, &core.Error{Kind: core.ErrHostError, StatusCode: 503}
		case 2:
			return ok(`{"execution_id": "e2"}`)
		default:
			return ok(`{"progress": {"status": "COMPLETED"}, "result": "done"}`)
		}
	}}
	clock := core.NewFakeClock(time.Now())

	var attempts interface{}
	capture := captureListener{onAfter: func(ctxMap map[string]interface{}) {
		attempts = ctxMap["create_attempts"]
	}}
	c := newTestClient(ft, testSettings(), clock, WithListeners(capture))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1", Payload: "p"})

	if resp.Status != core.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", resp.Status, resp.Error)
	}
	if attempts != 2 {
		t.Errorf("expected create to succeed on attempt 2, got %v", attempts)
	}
	// The 503 must have cost one backoff of the initial delay
	if slept := clock.Slept(); len(slept) == 0 || slept[0] != 100*time.Millisecond {
		t.Errorf("expected a 100ms backoff before the second create, got %v", slept)
	}
}

func TestExecuteCreateExhaustionIsError(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		return nil, &core.Error{Kind: core.ErrHostError, StatusCode: 503}
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusError {
		t.Errorf("expected ERROR after exhausted retries, got %s", resp.Status)
	}
	if ft.count() != 4 { // initial + 3 retries
		t.Errorf("expected 4 create attempts, got %d", ft.count())
	}
}

func TestExecuteCreateClientErrorNoRetry(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		return nil, &core.Error{Kind: core.ErrClientError, StatusCode: 400}
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusError {
		t.Errorf("expected ERROR, got %s", resp.Status)
	}
	if ft.count() != 1 {
		t.Errorf("client errors must not be retried, saw %d attempts", ft.count())
	}
}

func TestExecuteMissingExecutionIDIsMalformed(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		return ok(`{"unexpected": true}`)
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusError {
		t.Fatalf("expected ERROR, got %s", resp.Status)
	}
	if !strings.Contains(resp.Error, "execution_id") {
		t.Errorf("error should name the missing field, got %q", resp.Error)
	}
	if ft.count() != 1 {
		t.Errorf("malformed responses must not be retried, saw %d attempts", ft.count())
	}
}

func TestExecuteOverloadWatchdog(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if call == 1 {
			return ok(`{"execution_id": "e2"}`)
		}
		return polling("CREATED")
	}}
	settings := testSettings()
	settings.OverloadTimeout = 2 * time.Second
	clock := core.NewFakeClock(time.Now())
	start := clock.Now()
	c := newTestClient(ft, settings, clock)

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})

	if resp.Status != core.StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s (%s)", resp.Status, resp.Error)
	}
	if !strings.Contains(resp.Error, "overload") {
		t.Errorf("error should identify the overload, got %q", resp.Error)
	}
	if elapsed := clock.Now().Sub(start); elapsed != 2*time.Second {
		t.Errorf("watchdog should fire at ~2s, fired at %s", elapsed)
	}
}

func TestExecutePollMaxDuration(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if call == 1 {
			return ok(`{"execution_id": "e3"}`)
		}
		return polling("RUNNING")
	}}
	settings := testSettings()
	settings.PollInterval = time.Second
	settings.PollMaxDuration = 3 * time.Second
	c := newTestClient(ft, settings, core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s", resp.Status)
	}
	if strings.Contains(resp.Error, "overload") {
		t.Errorf("wall-budget timeout must not blame overload, got %q", resp.Error)
	}
}

func TestExecuteUnknownStatusKeepsPolling(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		switch call {
		case 1:
			return ok(`{"execution_id": "e4"}`)
		case 2, 3:
			return polling("PREPARING")
		default:
			return ok(`{"progress": {"status": "COMPLETED"}, "result": "done"}`)
		}
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusCompleted {
		t.Errorf("unknown statuses must be treated as non-terminal, got %s (%s)", resp.Status, resp.Error)
	}
}

func TestExecuteServerFailureStatus(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if call == 1 {
			return ok(`{"execution_id": "e5"}`)
		}
		return ok(`{"progress": {"status": "FAILURE"}, "error": "model rejected the prompt"}`)
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusFailure {
		t.Fatalf("expected FAILURE, got %s", resp.Status)
	}
	if resp.Error != "model rejected the prompt" {
		t.Errorf("server error message should surface, got %q", resp.Error)
	}
}

func TestExecuteHandlerFailureFlipsToError(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if call == 1 {
			return ok(`{"execution_id": "e6"}`)
		}
		return ok(`{"progress": {"status": "COMPLETED"}, "result": "this is not json"}`)
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()), WithHandlers(handler.JSON()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusError {
		t.Fatalf("handler failure must flip COMPLETED to ERROR, got %s", resp.Status)
	}
	if resp.RawResult != "this is not json" {
		t.Errorf("raw result should be preserved, got %v", resp.RawResult)
	}
	if resp.Error == "" {
		t.Error("handler failure must be recorded in the envelope error")
	}
}

func TestExecutePollRetryBudgetShorterThanCreate(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		switch call {
		case 1:
			return ok(`{"execution_id": "e7"}`)
		case 2:
			return nil, &core.Error{Kind: core.ErrHostError, StatusCode: 502}
		default:
			return ok(`{"progress": {"status": "COMPLETED"}, "result": "done"}`)
		}
	}}
	// Default poll budget is min(1, create retries) = 1: one poll failure
	// is absorbed, the retried poll succeeds
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusCompleted {
		t.Errorf("poll retry should absorb one failure, got %s (%s)", resp.Status, resp.Error)
	}
}

func TestExecutePollExhaustionIsError(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if call == 1 {
			return ok(`{"execution_id": "e8"}`)
		}
		return nil, &core.Error{Kind: core.ErrHostError, StatusCode: 502}
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	resp := c.Execute(context.Background(), &core.Request{ID: "r1"})
	if resp.Status != core.StatusError {
		t.Errorf("exhausted poll retries must yield ERROR, got %s", resp.Status)
	}
	if ft.count() != 3 { // create + poll + one poll retry
		t.Errorf("expected 3 transport calls, got %d", ft.count())
	}
}

type captureListener struct {
	listener.Base
	onAfter  func(ctxMap map[string]interface{})
	onChange func(old, new core.ExecutionStatus)
}

func (c captureListener) OnStatusChange(req *core.Request, oldStatus, newStatus core.ExecutionStatus, ctxMap map[string]interface{}) {
	if c.onChange != nil {
		c.onChange(oldStatus, newStatus)
	}
}

func (c captureListener) OnAfterExecute(req *core.Request, resp *core.Response, ctxMap map[string]interface{}) {
	if c.onAfter != nil {
		c.onAfter(ctxMap)
	}
}

func TestExecuteStatusChangeEvents(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		switch call {
		case 1:
			return ok(`{"execution_id": "e9"}`)
		case 2:
			return polling("RUNNING")
		default:
			return ok(`{"progress": {"status": "COMPLETED"}, "result": "done"}`)
		}
	}}
	var transitions []string
	capture := captureListener{onChange: func(old, new core.ExecutionStatus) {
		transitions = append(transitions, string(old)+">"+string(new))
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()), WithListeners(capture))

	c.Execute(context.Background(), &core.Request{ID: "r1"})

	want := []string{"CREATED>RUNNING", "RUNNING>COMPLETED"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestExecuteGeneratesRequestID(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if call == 1 {
			return ok(`{"execution_id": "e10"}`)
		}
		return ok(`{"progress": {"status": "COMPLETED"}, "result": "done"}`)
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	req := &core.Request{Payload: "p"}
	c.Execute(context.Background(), req)
	if req.ID == "" {
		t.Error("a request without an ID must get a generated one")
	}
}

func TestExecuteManyOrderAndCount(t *testing.T) {
	ft := &fakeTransport{script: func(call int, req *core.TransportRequest) (*core.TransportResponse, error) {
		if req.Method == core.MethodPost {
			// body is {"payload":"<x>"}: the execution id echoes the payload
			payload := strings.TrimSuffix(strings.TrimPrefix(string(req.Body), `{"payload":"`), `"}`)
			return ok(`{"execution_id": "` + payload + `"}`)
		}
		id := req.URL[strings.LastIndex(req.URL, "/")+1:]
		return ok(`{"progress": {"status": "COMPLETED"}, "result": "` + id + `"}`)
	}}
	c := newTestClient(ft, testSettings(), core.NewFakeClock(time.Now()))

	reqs := []*core.Request{{ID: "a", Payload: "a"}, {ID: "b", Payload: "b"}, {ID: "c", Payload: "c"}}
	results := c.ExecuteMany(context.Background(), reqs)

	if len(results) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(results))
	}
	for i, r := range results {
		if r == nil || r.Status != core.StatusCompleted {
			t.Errorf("slot %d: expected COMPLETED envelope, got %+v", i, r)
			continue
		}
		if r.Result != reqs[i].Payload {
			t.Errorf("slot %d: expected result %v in input order, got %v", i, reqs[i].Payload, r.Result)
		}
	}
}
