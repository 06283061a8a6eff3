// Package rqc implements the Remote Quick Command protocol: a two-phase
// create-then-poll state machine over the HTTP pipeline.
//
// Phase 1 submits the command (POST, full retry budget) and captures the
// server-assigned execution ID. Phase 2 polls the execution resource (GET,
// shorter retry budget) until a terminal status arrives or a wall budget
// expires. An overload watchdog aborts executions the server accepted but
// never started.
package rqc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stkai/stkai-go/core"
	"github.com/stkai/stkai-go/handler"
	"github.com/stkai/stkai-go/listener"
	"github.com/stkai/stkai-go/resilience"
	"github.com/stkai/stkai-go/telemetry"
)

// Client executes remote quick commands. It is safe for concurrent use; all
// mutable state lives in the transport decorators below it.
type Client struct {
	slug       string
	transport  core.Transport
	settings   core.RQCSettings
	handlers   *handler.Pipeline
	dispatcher *listener.Dispatcher
	clock      core.Clock
	rand       core.Rand
	logger     core.Logger
	tele       *telemetry.Instruments
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHandlers attaches the result-processing pipeline
func WithHandlers(handlers ...handler.Handler) ClientOption {
	return func(c *Client) { c.handlers = handler.NewPipeline(handlers...) }
}

// WithListeners registers lifecycle listeners in invocation order
func WithListeners(listeners ...listener.Listener) ClientOption {
	return func(c *Client) { c.dispatcher = listener.NewDispatcher(c.logger, listeners...) }
}

// WithClock substitutes the clock (tests)
func WithClock(clock core.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithRand substitutes the ephemeral backoff RNG (tests)
func WithRand(rng core.Rand) ClientOption {
	return func(c *Client) { c.rand = rng }
}

// WithLogger attaches a logger
func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTelemetry enables OpenTelemetry recording
func WithTelemetry(tele *telemetry.Instruments) ClientOption {
	return func(c *Client) { c.tele = tele }
}

// NewClient creates a quick-command client for the given command slug over
// an assembled transport stack
func NewClient(slug string, transport core.Transport, settings core.RQCSettings, opts ...ClientOption) *Client {
	c := &Client{
		slug:      slug,
		transport: transport,
		settings:  settings,
		handlers:  handler.NewPipeline(),
		clock:     core.RealClock(),
		rand:      core.NewEphemeralRand(),
		logger:    core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = listener.NewDispatcher(c.logger)
	}
	return c
}

// Execute runs one quick command to a terminal outcome. It never returns an
// error: every failure mode is encoded in the envelope.
func (c *Client) Execute(ctx context.Context, req *core.Request) *core.Response {
	req.EnsureID()
	ctxMap := make(map[string]interface{})

	ctx, end := c.tele.Span(ctx, "rqc.execute")
	c.dispatcher.BeforeExecute(req, ctxMap)
	resp := c.execute(ctx, req, ctxMap)
	c.dispatcher.AfterExecute(req, resp, ctxMap)
	end(resp.Error)
	c.tele.RecordOutcome(ctx, "rqc", string(resp.Status))
	return resp
}

// ExecuteMany fans requests out over the shared pipeline with bounded
// concurrency, returning envelopes in input order
func (c *Client) ExecuteMany(ctx context.Context, reqs []*core.Request) []*core.Response {
	return core.RunBatch(ctx, reqs, c.settings.MaxWorkers, c.Execute)
}

func (c *Client) execute(ctx context.Context, req *core.Request, ctxMap map[string]interface{}) *core.Response {
	executionID, raw, err := c.createExecution(ctx, req, ctxMap)
	if err != nil {
		return errorEnvelope(err, raw)
	}

	req.ExecutionID = executionID
	req.SubmittedAt = time.Now()
	c.logger.Debug("execution created", map[string]interface{}{
		"request_id":   req.ID,
		"execution_id": executionID,
	})

	return c.poll(ctx, req, ctxMap)
}

// createExecution runs phase 1 under the create retry budget
func (c *Client) createExecution(ctx context.Context, req *core.Request, ctxMap map[string]interface{}) (string, map[string]interface{}, error) {
	c.dispatcher.CreateExecutionStart(req, ctxMap)
	defer c.dispatcher.CreateExecutionEnd(req, ctxMap)

	body := map[string]interface{}{"payload": req.Payload}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, &core.Error{Op: "rqc.CreateExecution", Kind: core.ErrClientError, Err: err}
	}

	var executionID string
	var raw map[string]interface{}
	retryCfg := &resilience.Config{
		MaxRetries:   c.settings.RetryMaxRetries,
		InitialDelay: c.settings.RetryInitialDelay,
		Clock:        c.clock,
		Rand:         c.rand,
		Logger:       c.logger,
	}
	info, err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		treq := &core.TransportRequest{
			Method:  core.MethodPost,
			URL:     strings.TrimSuffix(c.settings.BaseURL, "/") + "/" + c.slug,
			Body:    data,
			Timeout: c.settings.RequestTimeout,
		}
		treq.Header("Content-Type", "application/json")
		resp, err := c.transport.RoundTrip(ctx, treq)
		if err != nil {
			return err
		}
		raw = decodeBody(resp.Body)
		id, ok := raw["execution_id"].(string)
		if !ok || id == "" {
			return &core.Error{Op: "rqc.CreateExecution", Kind: core.ErrMalformedResponse,
				Err: fmt.Errorf("2xx response without execution_id")}
		}
		executionID = id
		return nil
	})
	ctxMap["create_attempts"] = info.Attempts
	c.tele.RecordRetries(ctx, "rqc.create", info.Attempts)
	return executionID, raw, err
}

// poll runs phase 2: sleep poll_interval, GET the execution resource,
// evaluate, repeat. The interval is measured from the end of the previous
// poll. Budgets are checked at the top of each iteration.
func (c *Client) poll(ctx context.Context, req *core.Request, ctxMap map[string]interface{}) *core.Response {
	pollCfg := &resilience.Config{
		MaxRetries:   c.settings.PollRetries(),
		InitialDelay: c.settings.RetryInitialDelay,
		Clock:        c.clock,
		Rand:         c.rand,
		Logger:       c.logger,
	}

	start := c.clock.Now()
	current := core.ExecutionCreated
	createdSince := start

	for {
		now := c.clock.Now()
		elapsed := now.Sub(start)
		if current == core.ExecutionCreated && now.Sub(createdSince) >= c.settings.OverloadTimeout {
			return &core.Response{
				Status: core.StatusTimeout,
				Error: fmt.Sprintf("execution %s stuck in CREATED for %s: platform overloaded",
					req.ExecutionID, now.Sub(createdSince)),
			}
		}
		if elapsed >= c.settings.PollMaxDuration {
			return &core.Response{
				Status: core.StatusTimeout,
				Error:  fmt.Sprintf("polling exceeded %s without a terminal status", c.settings.PollMaxDuration),
			}
		}

		if err := c.clock.Sleep(ctx, c.settings.PollInterval); err != nil {
			return errorEnvelope(&core.Error{Op: "rqc.Poll", Kind: core.ErrRequestTimeout, Err: err}, nil)
		}

		c.dispatcher.GetResultStart(req, ctxMap)
		raw, err := c.fetchExecution(ctx, pollCfg, req.ExecutionID)
		c.dispatcher.GetResultEnd(req, ctxMap)
		if err != nil {
			return errorEnvelope(err, raw)
		}

		status, ok := executionStatus(raw)
		if !ok {
			return errorEnvelope(&core.Error{Op: "rqc.Poll", Kind: core.ErrMalformedResponse,
				Err: fmt.Errorf("poll response without progress.status")}, raw)
		}
		if status != current {
			c.dispatcher.StatusChange(req, current, status, ctxMap)
			if status == core.ExecutionCreated {
				createdSince = c.clock.Now()
			}
			current = status
		}

		switch status {
		case core.ExecutionCompleted:
			return c.completed(req, raw)
		case core.ExecutionFailure:
			return &core.Response{
				Status:      core.StatusFailure,
				Error:       stringField(raw, "error", "execution reported FAILURE"),
				RawResponse: raw,
			}
		case core.ExecutionError:
			return &core.Response{
				Status:      core.StatusError,
				Error:       stringField(raw, "error", "execution reported ERROR"),
				RawResponse: raw,
			}
		}
		// CREATED, RUNNING and any status the server invents later are
		// non-terminal: keep polling until a budget expires
	}
}

func (c *Client) fetchExecution(ctx context.Context, cfg *resilience.Config, executionID string) (map[string]interface{}, error) {
	var raw map[string]interface{}
	_, err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		treq := &core.TransportRequest{
			Method:  core.MethodGet,
			URL:     strings.TrimSuffix(c.settings.BaseURL, "/") + "/executions/" + executionID,
			Timeout: c.settings.RequestTimeout,
		}
		resp, err := c.transport.RoundTrip(ctx, treq)
		if err != nil {
			return err
		}
		raw = decodeBody(resp.Body)
		return nil
	})
	return raw, err
}

// completed runs the handler pipeline over the raw result. A handler
// failure flips the outcome from COMPLETED to ERROR while preserving the
// raw platform data.
func (c *Client) completed(req *core.Request, raw map[string]interface{}) *core.Response {
	rawResult := raw["result"]
	result, err := c.handlers.Run(req, rawResult, raw)
	if err != nil {
		return &core.Response{
			Status:      core.StatusError,
			RawResult:   rawResult,
			Error:       err.Error(),
			RawResponse: raw,
		}
	}
	return &core.Response{
		Status:      core.StatusCompleted,
		Result:      result,
		RawResult:   rawResult,
		RawResponse: raw,
	}
}

// errorEnvelope converts a pipeline error into an ERROR envelope
func errorEnvelope(err error, raw map[string]interface{}) *core.Response {
	return &core.Response{
		Status:      core.StatusError,
		Error:       err.Error(),
		RawResponse: raw,
	}
}

// decodeBody decodes a JSON body, tolerating bodies that are not objects
func decodeBody(body []byte) map[string]interface{} {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	return raw
}

// executionStatus extracts progress.status from a poll response
func executionStatus(raw map[string]interface{}) (core.ExecutionStatus, bool) {
	progress, ok := raw["progress"].(map[string]interface{})
	if !ok {
		return "", false
	}
	s, ok := progress["status"].(string)
	if !ok || s == "" {
		return "", false
	}
	return core.ExecutionStatus(s), true
}

// stringField reads a top-level string field with a fallback
func stringField(raw map[string]interface{}, key, fallback string) string {
	if s, ok := raw[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
