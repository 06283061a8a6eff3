// Package stkai is the top-level entry point of the STKAI Go SDK. It wires
// the HTTP pipeline from configuration: base transport, authentication,
// optional circuit breaker and client-side throttling, then hands the
// assembled stack to the protocol clients.
//
// Quick command:
//
//	err := stkai.Configure(
//	    stkai.WithClientCredentials("id", "secret", "https://idm.example.com/oidc/token"),
//	)
//	client, err := stkai.NewRQCClient("summarize-incident",
//	    stkai.WithHandlers(handler.JSON()),
//	)
//	resp := client.Execute(ctx, core.NewRequest(map[string]any{"text": report}))
//
// Agent chat inside a conversation scope:
//
//	client, err := stkai.NewAgentClient("support-agent")
//	ctx, _ = agent.WithConversation(ctx)
//	first := client.Chat(ctx, &agent.ChatRequest{UserPrompt: "hi"})
//	followup := client.Chat(ctx, &agent.ChatRequest{UserPrompt: "and then?"})
package stkai

import (
	"net/http"
	"os"

	"github.com/stkai/stkai-go/agent"
	"github.com/stkai/stkai-go/core"
	"github.com/stkai/stkai-go/handler"
	"github.com/stkai/stkai-go/listener"
	"github.com/stkai/stkai-go/ratelimit"
	"github.com/stkai/stkai-go/rqc"
	"github.com/stkai/stkai-go/telemetry"
	"github.com/stkai/stkai-go/transport"
)

// Re-exported configuration surface. Configure applies user options to the
// process-wide registry; Explain reports every field with its source.
var (
	Configure   = core.Configure
	ResetConfig = core.ResetConfig
	Explain     = core.Explain

	WithClientCredentials = core.WithClientCredentials
	WithRQCBaseURL        = core.WithRQCBaseURL
	WithAgentBaseURL      = core.WithAgentBaseURL
	WithRateLimitEnabled  = core.WithRateLimitEnabled
	WithAdaptivePreset    = core.WithAdaptivePreset
)

// Option customizes client assembly
type Option func(*builder)

type builder struct {
	registry   *core.Registry
	probe      core.HostCLIProbe
	logger     core.Logger
	httpClient *http.Client
	handlers   []handler.Handler
	listeners  []listener.Listener
	overrides  []core.SettingsOption
}

// WithRegistry assembles from an explicit registry instead of the
// process-wide one
func WithRegistry(registry *core.Registry) Option {
	return func(b *builder) { b.registry = registry }
}

// WithProbe wires a host-CLI probe. When the probe reports the CLI as
// available, authentication and endpoint URLs come from it instead of
// client credentials.
func WithProbe(probe core.HostCLIProbe) Option {
	return func(b *builder) { b.probe = probe }
}

// WithLogger attaches a logger to every layer of the assembled stack
func WithLogger(logger core.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithHTTPClient substitutes the underlying *http.Client
func WithHTTPClient(client *http.Client) Option {
	return func(b *builder) { b.httpClient = client }
}

// WithHandlers attaches the result-processing pipeline
func WithHandlers(handlers ...handler.Handler) Option {
	return func(b *builder) { b.handlers = handlers }
}

// WithListeners registers lifecycle listeners
func WithListeners(listeners ...listener.Listener) Option {
	return func(b *builder) { b.listeners = listeners }
}

// WithOptions applies per-client configuration overrides, the highest
// precedence layer
func WithOptions(opts ...core.SettingsOption) Option {
	return func(b *builder) { b.overrides = append(b.overrides, opts...) }
}

// NewRQCClient assembles a quick-command client for the given command slug
func NewRQCClient(slug string, opts ...Option) (*rqc.Client, error) {
	b, settings, stack, tele, err := assemble(opts)
	if err != nil {
		return nil, err
	}
	return rqc.NewClient(slug, stack, settings.RQC,
		rqc.WithHandlers(b.handlers...),
		rqc.WithListeners(b.listeners...),
		rqc.WithLogger(b.logger),
		rqc.WithTelemetry(tele),
	), nil
}

// NewAgentClient assembles an agent chat client
func NewAgentClient(agentID string, opts ...Option) (*agent.Client, error) {
	b, settings, stack, tele, err := assemble(opts)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(agentID, stack, settings.Agent,
		agent.WithHandlers(b.handlers...),
		agent.WithListeners(b.listeners...),
		agent.WithLogger(b.logger),
		agent.WithTelemetry(tele),
	), nil
}

// assemble resolves configuration and builds the decorator stack in the
// canonical order: network ← base transport ← auth ← circuit breaker ←
// limiter. The retry engine lives inside the protocol clients, outside the
// limiters, so throttle errors reach it after the AIMD penalty applied.
func assemble(opts []Option) (*builder, *core.Settings, core.Transport, *telemetry.Instruments, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	registry := b.registry
	if registry == nil {
		registry = core.DefaultRegistry()
	}
	settings := registry.Snapshot()
	if b.probe != nil {
		settings = settings.ApplyHostCLI(b.probe)
	}
	var err error
	if settings, err = settings.With(b.overrides...); err != nil {
		return nil, nil, nil, nil, err
	}

	if b.logger == nil {
		b.logger = core.NewJSONLogger(os.Stderr, core.ParseLogLevel(settings.SDK.LogLevel)).
			WithComponent("stkai")
	}

	var tele *telemetry.Instruments
	if settings.SDK.TelemetryEnabled {
		if tele, err = telemetry.New(); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	httpOpts := []transport.HTTPOption{transport.WithHTTPLogger(b.logger)}
	if b.httpClient != nil {
		httpOpts = append(httpOpts, transport.WithHTTPClient(b.httpClient))
	}
	if settings.SDK.TelemetryEnabled {
		httpOpts = append(httpOpts, transport.WithInstrumentation())
	}
	var stack core.Transport = transport.NewHTTPTransport(httpOpts...)

	if b.probe != nil && b.probe.Available() {
		stack = transport.NewHostCLITransport(stack, b.probe)
	} else {
		provider := transport.NewClientCredentialsProvider(
			settings.Auth.ClientID, settings.Auth.ClientSecret, settings.Auth.TokenURL,
			transport.WithCredentialsLogger(b.logger),
		)
		stack = transport.NewStandaloneTransport(stack, provider, b.logger)
	}

	if settings.Resilience.CircuitBreakerEnabled {
		stack = transport.NewCircuitBreakerTransport(stack,
			settings.Resilience.CircuitBreakerThreshold,
			settings.Resilience.CircuitBreakerTimeout,
			nil, b.logger)
	}

	if settings.RateLimit.Enabled {
		limiterOpts := []ratelimit.Option{ratelimit.WithLogger(b.logger)}
		switch settings.RateLimit.Strategy {
		case "adaptive":
			if tele != nil {
				limiterOpts = append(limiterOpts, ratelimit.WithRateObserver(tele.RecordRate))
			}
			stack = ratelimit.NewAdaptiveTransport(stack, settings.RateLimit, limiterOpts...)
		default:
			stack = ratelimit.NewTokenBucketTransport(stack, settings.RateLimit, limiterOpts...)
		}
	}

	return b, settings, stack, tele, nil
}
