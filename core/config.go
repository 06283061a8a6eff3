package core

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all configuration options for the SDK, resolved with
// layered precedence:
//  1. Hardcoded defaults (lowest priority)
//  2. Config file values (STKAI_CONFIG_FILE or WithRegistryConfigFile)
//  3. Environment variables (STKAI_<GROUP>_<OPTION>)
//  4. Host-CLI-derived values (when a host CLI is present)
//  5. User values set through Configure (highest priority)
//
// Every field remembers which layer supplied its value; Explain reports
// value and source for the full surface.
//
// Example usage:
//
//	err := core.Configure(
//	    core.WithClientCredentials("id", "secret", "https://idm.example.com/oidc/token"),
//	    core.WithRateLimitEnabled(true),
//	    core.WithRateLimitStrategy("adaptive"),
//	)
type Settings struct {
	Auth       AuthSettings
	RQC        RQCSettings
	Agent      AgentSettings
	RateLimit  RateLimitSettings
	Resilience ResilienceSettings
	SDK        SDKSettings

	sources map[string]string
}

// AuthSettings carries client-credentials material for the standalone
// transport. All three fields are required when no host CLI is available.
type AuthSettings struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// RQCSettings configures the Remote Quick Command protocol
type RQCSettings struct {
	RequestTimeout    time.Duration
	RetryMaxRetries   int
	RetryInitialDelay time.Duration
	PollInterval      time.Duration
	PollMaxDuration   time.Duration
	OverloadTimeout   time.Duration

	// PollRetryMaxRetries is the retry budget for individual polls.
	// Negative means derive: min(1, RetryMaxRetries).
	PollRetryMaxRetries int

	MaxWorkers int
	BaseURL    string
}

// PollRetries resolves the poll-phase retry budget
func (s RQCSettings) PollRetries() int {
	if s.PollRetryMaxRetries >= 0 {
		return s.PollRetryMaxRetries
	}
	if s.RetryMaxRetries < 1 {
		return s.RetryMaxRetries
	}
	return 1
}

// AgentSettings configures the agent chat protocol
type AgentSettings struct {
	RequestTimeout    time.Duration
	BaseURL           string
	RetryMaxRetries   int
	RetryInitialDelay time.Duration
	MaxWorkers        int
}

// RateLimitSettings configures client-side throttling
type RateLimitSettings struct {
	Enabled     bool
	Strategy    string // "token_bucket" or "adaptive"
	MaxRequests int
	TimeWindow  time.Duration

	// MaxWaitTime caps token acquisition; nil means wait without bound
	MaxWaitTime *time.Duration

	// Adaptive-only knobs
	MinRateFloor   float64
	PenaltyFactor  float64
	RecoveryFactor float64
}

// ResilienceSettings configures the optional circuit-breaker decorator
type ResilienceSettings struct {
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// SDKSettings carries SDK-level metadata options
type SDKSettings struct {
	LogLevel         string
	TelemetryEnabled bool
}

// Source names for Explain
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceHostCLI = "host_cli"
	SourceUser    = "user"
	// environment sources are reported as "env:<VAR>"
)

// EnvPrefix is the prefix of all recognized environment variables
const EnvPrefix = "STKAI"

// FieldReport is one row of the Explain output
type FieldReport struct {
	Group  string
	Option string
	Value  interface{}
	Source string
}

// Key returns the canonical "group.option" key
func (f FieldReport) Key() string {
	return f.Group + "." + f.Option
}

// DefaultSettings returns the hardcoded defaults with every field attributed
// to the default source
func DefaultSettings() *Settings {
	s := &Settings{
		Auth: AuthSettings{},
		RQC: RQCSettings{
			RequestTimeout:      30 * time.Second,
			RetryMaxRetries:     3,
			RetryInitialDelay:   500 * time.Millisecond,
			PollInterval:        10 * time.Second,
			PollMaxDuration:     600 * time.Second,
			OverloadTimeout:     60 * time.Second,
			PollRetryMaxRetries: -1,
			MaxWorkers:          8,
			BaseURL:             "https://genai-code-buddy-api.stackspot.com/v1/quick-commands",
		},
		Agent: AgentSettings{
			RequestTimeout:    60 * time.Second,
			BaseURL:           "https://genai-inference-app.stackspot.com/v1/agent",
			RetryMaxRetries:   3,
			RetryInitialDelay: 500 * time.Millisecond,
			MaxWorkers:        8,
		},
		RateLimit: RateLimitSettings{
			Enabled:        false,
			Strategy:       "token_bucket",
			MaxRequests:    100,
			TimeWindow:     60 * time.Second,
			MaxWaitTime:    durationPtr(45 * time.Second),
			MinRateFloor:   0.1,
			PenaltyFactor:  0.3,
			RecoveryFactor: 0.05,
		},
		Resilience: ResilienceSettings{
			CircuitBreakerEnabled:   false,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
		},
		SDK: SDKSettings{
			LogLevel:         "info",
			TelemetryEnabled: false,
		},
		sources: make(map[string]string),
	}
	for _, f := range s.fields() {
		s.sources[f.Key()] = SourceDefault
	}
	return s
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// clone returns a deep copy so published snapshots stay immutable
func (s *Settings) clone() *Settings {
	c := *s
	if s.RateLimit.MaxWaitTime != nil {
		c.RateLimit.MaxWaitTime = durationPtr(*s.RateLimit.MaxWaitTime)
	}
	c.sources = make(map[string]string, len(s.sources))
	for k, v := range s.sources {
		c.sources[k] = v
	}
	return &c
}

func (s *Settings) mark(key, source string) {
	s.sources[key] = source
}

// fields enumerates the full configuration surface with current values
func (s *Settings) fields() []FieldReport {
	var maxWait interface{}
	if s.RateLimit.MaxWaitTime != nil {
		maxWait = *s.RateLimit.MaxWaitTime
	}
	return []FieldReport{
		{"auth", "client_id", s.Auth.ClientID, ""},
		{"auth", "client_secret", maskSecret(s.Auth.ClientSecret), ""},
		{"auth", "token_url", s.Auth.TokenURL, ""},
		{"rqc", "request_timeout", s.RQC.RequestTimeout, ""},
		{"rqc", "retry_max_retries", s.RQC.RetryMaxRetries, ""},
		{"rqc", "retry_initial_delay", s.RQC.RetryInitialDelay, ""},
		{"rqc", "poll_interval", s.RQC.PollInterval, ""},
		{"rqc", "poll_max_duration", s.RQC.PollMaxDuration, ""},
		{"rqc", "overload_timeout", s.RQC.OverloadTimeout, ""},
		{"rqc", "poll_retry_max_retries", s.RQC.PollRetries(), ""},
		{"rqc", "max_workers", s.RQC.MaxWorkers, ""},
		{"rqc", "base_url", s.RQC.BaseURL, ""},
		{"agent", "request_timeout", s.Agent.RequestTimeout, ""},
		{"agent", "base_url", s.Agent.BaseURL, ""},
		{"agent", "retry_max_retries", s.Agent.RetryMaxRetries, ""},
		{"agent", "retry_initial_delay", s.Agent.RetryInitialDelay, ""},
		{"agent", "max_workers", s.Agent.MaxWorkers, ""},
		{"rate_limit", "enabled", s.RateLimit.Enabled, ""},
		{"rate_limit", "strategy", s.RateLimit.Strategy, ""},
		{"rate_limit", "max_requests", s.RateLimit.MaxRequests, ""},
		{"rate_limit", "time_window", s.RateLimit.TimeWindow, ""},
		{"rate_limit", "max_wait_time", maxWait, ""},
		{"rate_limit", "min_rate_floor", s.RateLimit.MinRateFloor, ""},
		{"rate_limit", "penalty_factor", s.RateLimit.PenaltyFactor, ""},
		{"rate_limit", "recovery_factor", s.RateLimit.RecoveryFactor, ""},
		{"resilience", "circuit_breaker_enabled", s.Resilience.CircuitBreakerEnabled, ""},
		{"resilience", "circuit_breaker_threshold", s.Resilience.CircuitBreakerThreshold, ""},
		{"resilience", "circuit_breaker_timeout", s.Resilience.CircuitBreakerTimeout, ""},
		{"sdk", "log_level", s.SDK.LogLevel, ""},
		{"sdk", "telemetry_enabled", s.SDK.TelemetryEnabled, ""},
	}
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}

// set routes a raw string value to the typed field identified by
// "group.option". Used by the file and environment layers.
func (s *Settings) set(group, option, raw, source string) error {
	key := group + "." + option
	var err error
	switch key {
	case "auth.client_id":
		s.Auth.ClientID = raw
	case "auth.client_secret":
		s.Auth.ClientSecret = raw
	case "auth.token_url":
		s.Auth.TokenURL = raw
	case "rqc.request_timeout":
		s.RQC.RequestTimeout, err = parseDuration(raw)
	case "rqc.retry_max_retries":
		s.RQC.RetryMaxRetries, err = parseInt(raw)
	case "rqc.retry_initial_delay":
		s.RQC.RetryInitialDelay, err = parseDuration(raw)
	case "rqc.poll_interval":
		s.RQC.PollInterval, err = parseDuration(raw)
	case "rqc.poll_max_duration":
		s.RQC.PollMaxDuration, err = parseDuration(raw)
	case "rqc.overload_timeout":
		s.RQC.OverloadTimeout, err = parseDuration(raw)
	case "rqc.poll_retry_max_retries":
		s.RQC.PollRetryMaxRetries, err = parseInt(raw)
	case "rqc.max_workers":
		s.RQC.MaxWorkers, err = parseInt(raw)
	case "rqc.base_url":
		s.RQC.BaseURL = raw
	case "agent.request_timeout":
		s.Agent.RequestTimeout, err = parseDuration(raw)
	case "agent.base_url":
		s.Agent.BaseURL = raw
	case "agent.retry_max_retries":
		s.Agent.RetryMaxRetries, err = parseInt(raw)
	case "agent.retry_initial_delay":
		s.Agent.RetryInitialDelay, err = parseDuration(raw)
	case "agent.max_workers":
		s.Agent.MaxWorkers, err = parseInt(raw)
	case "rate_limit.enabled":
		s.RateLimit.Enabled, err = strconv.ParseBool(raw)
	case "rate_limit.strategy":
		s.RateLimit.Strategy = raw
	case "rate_limit.max_requests":
		s.RateLimit.MaxRequests, err = parseInt(raw)
	case "rate_limit.time_window":
		s.RateLimit.TimeWindow, err = parseDuration(raw)
	case "rate_limit.max_wait_time":
		s.RateLimit.MaxWaitTime, err = parseNullableDuration(raw)
	case "rate_limit.min_rate_floor":
		s.RateLimit.MinRateFloor, err = strconv.ParseFloat(raw, 64)
	case "rate_limit.penalty_factor":
		s.RateLimit.PenaltyFactor, err = strconv.ParseFloat(raw, 64)
	case "rate_limit.recovery_factor":
		s.RateLimit.RecoveryFactor, err = strconv.ParseFloat(raw, 64)
	case "resilience.circuit_breaker_enabled":
		s.Resilience.CircuitBreakerEnabled, err = strconv.ParseBool(raw)
	case "resilience.circuit_breaker_threshold":
		s.Resilience.CircuitBreakerThreshold, err = parseInt(raw)
	case "resilience.circuit_breaker_timeout":
		s.Resilience.CircuitBreakerTimeout, err = parseDuration(raw)
	case "sdk.log_level":
		s.SDK.LogLevel = raw
	case "sdk.telemetry_enabled":
		s.SDK.TelemetryEnabled, err = strconv.ParseBool(raw)
	default:
		return fmt.Errorf("%w: unknown option %q", ErrInvalidConfiguration, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfiguration, key, raw, err)
	}
	s.mark(key, source)
	return nil
}

func parseInt(raw string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(raw))
}

// parseDuration accepts Go duration strings ("30s", "1.5m") and bare numbers
// interpreted as seconds ("30", "0.5")
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a duration")
	}
	return time.Duration(f * float64(time.Second)), nil
}

// parseNullableDuration additionally recognizes the unlimited tokens
func parseNullableDuration(raw string) (*time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unlimited", "none", "null":
		return nil, nil
	}
	d, err := parseDuration(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// validate checks cross-field invariants before a snapshot is published
func (s *Settings) validate() error {
	if s.RQC.RequestTimeout <= 0 || s.Agent.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidConfiguration)
	}
	if s.RQC.RetryMaxRetries < 0 || s.Agent.RetryMaxRetries < 0 {
		return fmt.Errorf("%w: retry_max_retries must be >= 0", ErrInvalidConfiguration)
	}
	if s.RQC.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfiguration)
	}
	if s.RQC.MaxWorkers < 1 || s.Agent.MaxWorkers < 1 {
		return fmt.Errorf("%w: max_workers must be >= 1", ErrInvalidConfiguration)
	}
	switch s.RateLimit.Strategy {
	case "token_bucket", "adaptive":
	default:
		return fmt.Errorf("%w: unknown rate_limit strategy %q", ErrInvalidConfiguration, s.RateLimit.Strategy)
	}
	if s.RateLimit.MaxRequests < 1 || s.RateLimit.TimeWindow <= 0 {
		return fmt.Errorf("%w: rate_limit window must be positive", ErrInvalidConfiguration)
	}
	if s.RateLimit.MinRateFloor <= 0 || s.RateLimit.MinRateFloor > 1 {
		return fmt.Errorf("%w: min_rate_floor must be in (0, 1]", ErrInvalidConfiguration)
	}
	if s.RateLimit.PenaltyFactor <= 0 || s.RateLimit.PenaltyFactor >= 1 {
		return fmt.Errorf("%w: penalty_factor must be in (0, 1)", ErrInvalidConfiguration)
	}
	if s.RateLimit.RecoveryFactor <= 0 {
		return fmt.Errorf("%w: recovery_factor must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// envVarFor builds the environment variable name for a field key:
// "rate_limit.max_requests" -> "STKAI_RATE_LIMIT_MAX_REQUESTS"
func envVarFor(group, option string) string {
	return EnvPrefix + "_" + strings.ToUpper(group) + "_" + strings.ToUpper(option)
}

// loadEnv applies every recognized STKAI_* variable to the settings
func (s *Settings) loadEnv() error {
	for _, f := range s.fields() {
		name := envVarFor(f.Group, f.Option)
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := s.set(f.Group, f.Option, v, "env:"+name); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadFile merges a YAML config file of the shape
//
//	rqc:
//	  poll_interval: 5s
//	rate_limit:
//	  enabled: true
func (s *Settings) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading config file: %v", ErrInvalidConfiguration, err)
	}
	var doc map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: parsing config file %s: %v", ErrInvalidConfiguration, path, err)
	}
	// Stable order keeps error reporting deterministic
	groups := make([]string, 0, len(doc))
	for g := range doc {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		options := make([]string, 0, len(doc[g]))
		for o := range doc[g] {
			options = append(options, o)
		}
		sort.Strings(options)
		for _, o := range options {
			if err := s.set(g, o, fmt.Sprintf("%v", doc[g][o]), SourceFile); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadHostCLI applies endpoint URLs supplied by a detected host CLI.
// User-set values keep precedence over the CLI.
func (s *Settings) loadHostCLI(probe HostCLIProbe) {
	if probe == nil || !probe.Available() {
		return
	}
	if u := probe.RQCBaseURL(); u != "" && s.sources["rqc.base_url"] != SourceUser {
		s.RQC.BaseURL = u
		s.mark("rqc.base_url", SourceHostCLI)
	}
	if u := probe.AgentBaseURL(); u != "" && s.sources["agent.base_url"] != SourceUser {
		s.Agent.BaseURL = u
		s.mark("agent.base_url", SourceHostCLI)
	}
}

// With returns a validated copy of the settings with per-client options
// applied on top. The receiver is not modified, so snapshots published by a
// registry stay immutable.
func (s *Settings) With(opts ...SettingsOption) (*Settings, error) {
	next := s.clone()
	for _, opt := range opts {
		if err := opt(next); err != nil {
			return nil, err
		}
	}
	if err := next.validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// ApplyHostCLI merges probe-supplied values into a copy of the settings
func (s *Settings) ApplyHostCLI(probe HostCLIProbe) *Settings {
	next := s.clone()
	next.loadHostCLI(probe)
	return next
}

// Registry resolves and publishes configuration snapshots. Reads are
// lock-free; Configure and Reset take an exclusive lock and publish a new
// immutable snapshot visible to all subsequent calls.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Value // *Settings
	probe    HostCLIProbe
	filePath string
	logger   Logger
}

// RegistryOption customizes registry construction
type RegistryOption func(*Registry)

// WithRegistryProbe wires a host-CLI probe into the resolution chain
func WithRegistryProbe(probe HostCLIProbe) RegistryOption {
	return func(r *Registry) { r.probe = probe }
}

// WithRegistryConfigFile merges a YAML file into the resolution chain
func WithRegistryConfigFile(path string) RegistryOption {
	return func(r *Registry) { r.filePath = path }
}

// WithRegistryLogger attaches a logger for resolution diagnostics
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry builds a registry and publishes the base snapshot
// (defaults + file + environment + host CLI)
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{logger: NoOpLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.filePath == "" {
		r.filePath = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	base, err := r.resolveBase()
	if err != nil {
		return nil, err
	}
	r.current.Store(base)
	return r, nil
}

func (r *Registry) resolveBase() (*Settings, error) {
	s := DefaultSettings()
	if r.filePath != "" {
		if err := s.loadFile(r.filePath); err != nil {
			return nil, err
		}
	}
	if err := s.loadEnv(); err != nil {
		return nil, err
	}
	s.loadHostCLI(r.probe)
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable settings. Callers must not mutate
// the returned value.
func (r *Registry) Snapshot() *Settings {
	return r.current.Load().(*Settings)
}

// SettingsOption mutates a settings clone during Configure. Options mark the
// fields they touch with the user source.
type SettingsOption func(*Settings) error

// Configure applies user options on top of the current snapshot and
// publishes the result. Later calls stack on earlier ones; Reset discards
// all user values.
func (r *Registry) Configure(opts ...SettingsOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.Snapshot().clone()
	for _, opt := range opts {
		if err := opt(next); err != nil {
			return err
		}
	}
	if err := next.validate(); err != nil {
		return err
	}
	r.current.Store(next)
	r.logger.Debug("configuration updated", map[string]interface{}{
		"options_applied": len(opts),
	})
	return nil
}

// Reset recomputes the base snapshot, discarding all user values
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	base, err := r.resolveBase()
	if err != nil {
		return err
	}
	r.current.Store(base)
	return nil
}

// Explain reports value and source for every field of the current snapshot
func (r *Registry) Explain() []FieldReport {
	s := r.Snapshot()
	out := s.fields()
	for i := range out {
		out[i].Source = s.sources[out[i].Key()]
	}
	return out
}

// ─── Process-wide default registry ───

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
	defaultRegistryMu   sync.Mutex
)

// DefaultRegistry returns the lazily initialized process-wide registry.
// An environment that fails to resolve falls back to pure defaults so the
// accessor never fails; the error is returned by the next Reset (ResetConfig
// or SetDefaultProbe), which re-resolves the base. Configure does not
// re-resolve and does not report it.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r, err := NewRegistry()
		if err != nil {
			r = &Registry{logger: NoOpLogger{}}
			r.current.Store(DefaultSettings())
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// SetDefaultProbe installs a host-CLI probe on the process-wide registry and
// re-resolves the base snapshot. Called by the assembly layer during client
// construction.
func SetDefaultProbe(probe HostCLIProbe) error {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	r := DefaultRegistry()
	r.probe = probe
	return r.Reset()
}

// Configure applies user options to the process-wide registry
func Configure(opts ...SettingsOption) error {
	return DefaultRegistry().Configure(opts...)
}

// ResetConfig restores the process-wide registry to its base snapshot
func ResetConfig() error {
	return DefaultRegistry().Reset()
}

// Explain reports the process-wide registry's fields and sources
func Explain() []FieldReport {
	return DefaultRegistry().Explain()
}

// CurrentSettings returns the process-wide snapshot
func CurrentSettings() *Settings {
	return DefaultRegistry().Snapshot()
}
