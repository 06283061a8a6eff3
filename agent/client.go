// Package agent implements the single-phase chat protocol. The server hides
// its own polling: a successful POST carries the full response. Conversation
// continuity is handled through context-scoped conversation capture.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/stkai/stkai-go/core"
	"github.com/stkai/stkai-go/handler"
	"github.com/stkai/stkai-go/listener"
	"github.com/stkai/stkai-go/resilience"
	"github.com/stkai/stkai-go/telemetry"
)

// ChatRequest is one user turn sent to an agent
type ChatRequest struct {
	// ID uniquely identifies the request. Auto-generated when empty.
	ID string `json:"id"`

	// UserPrompt is the user's message
	UserPrompt string `json:"user_prompt"`

	// ConversationID pins the chat to an existing conversation. An
	// explicit ID wins over any active conversation scope.
	ConversationID string `json:"conversation_id,omitempty"`

	// UseKnowledgeSources asks the agent to consult its knowledge sources
	UseKnowledgeSources bool `json:"use_knowledge_sources,omitempty"`

	// ReturnKnowledgeSources asks for the consulted sources in the response
	ReturnKnowledgeSources bool `json:"return_knowledge_sources,omitempty"`

	// Metadata carries optional caller-supplied key/value pairs
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Client chats with one agent. Safe for concurrent use.
type Client struct {
	agentID    string
	transport  core.Transport
	settings   core.AgentSettings
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

// NewClient creates an agent client over an assembled transport stack
func NewClient(agentID string, transport core.Transport, settings core.AgentSettings, opts ...ClientOption) *Client {
	c := &Client{
		agentID:   agentID,
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

// Chat sends one turn and returns its envelope. It never returns an error:
// every failure mode is encoded in the envelope.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) *core.Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctxMap := make(map[string]interface{})
	audit := &core.Request{ID: req.ID, Payload: req.UserPrompt, Metadata: req.Metadata}

	ctx, end := c.tele.Span(ctx, "agent.chat")
	c.dispatcher.BeforeExecute(audit, ctxMap)
	resp := c.chat(ctx, req, audit)
	c.dispatcher.AfterExecute(audit, resp, ctxMap)
	end(resp.Error)
	c.tele.RecordOutcome(ctx, "agent", string(resp.Status))
	return resp
}

// ChatMany fans turns out over the shared pipeline with bounded
// concurrency, returning envelopes in input order
func (c *Client) ChatMany(ctx context.Context, reqs []*ChatRequest) []*core.Response {
	return core.RunBatch(ctx, reqs, c.settings.MaxWorkers, c.Chat)
}

func (c *Client) chat(ctx context.Context, req *ChatRequest, audit *core.Request) *core.Response {
	scope, hasScope := scopeFrom(ctx)

	body := map[string]interface{}{"user_prompt": req.UserPrompt}
	switch {
	case req.ConversationID != "":
		// Explicit request wins over the scope
		body["conversation_id"] = req.ConversationID
		body["use_conversation"] = true
	case hasScope && scope.ConversationID() != "":
		body["conversation_id"] = scope.ConversationID()
		body["use_conversation"] = true
	}
	if req.UseKnowledgeSources {
		body["use_knowledge_sources"] = true
	}
	if req.ReturnKnowledgeSources {
		body["return_knowledge_sources"] = true
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	data, err := json.Marshal(body)
	if err != nil {
		return &core.Response{Status: core.StatusError, Error: err.Error()}
	}

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
			URL:     strings.TrimSuffix(c.settings.BaseURL, "/") + "/" + c.agentID + "/chat",
			Body:    data,
			Timeout: c.settings.RequestTimeout,
		}
		treq.Header("Content-Type", "application/json")
		resp, err := c.transport.RoundTrip(ctx, treq)
		if err != nil {
			return err
		}
		raw = decodeBody(resp.Body)
		return nil
	})
	c.tele.RecordRetries(ctx, "agent.chat", info.Attempts)
	if err != nil {
		status := core.StatusError
		if errors.Is(err, core.ErrRequestTimeout) {
			status = core.StatusTimeout
		}
		return &core.Response{Status: status, Error: err.Error()}
	}

	conversationID, _ := raw["conversation_id"].(string)
	if hasScope {
		scope.capture(conversationID)
	}

	rawResult := raw["message"]
	if rawResult == nil {
		rawResult = raw["result"]
	}
	result, err := c.handlers.Run(audit, rawResult, raw)
	if err != nil {
		return &core.Response{
			Status:         core.StatusError,
			RawResult:      rawResult,
			Error:          err.Error(),
			RawResponse:    raw,
			ConversationID: conversationID,
		}
	}
	return &core.Response{
		Status:         core.StatusSuccess,
		Result:         result,
		RawResult:      rawResult,
		RawResponse:    raw,
		ConversationID: conversationID,
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
