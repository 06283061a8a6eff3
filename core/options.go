package core

import (
	"fmt"
	"time"
)

// Functional options applied through Configure. Every option marks the
// fields it sets with the user source so Explain can attribute them.

// WithClientCredentials sets the standalone auth credentials
func WithClientCredentials(clientID, clientSecret, tokenURL string) SettingsOption {
	return func(s *Settings) error {
		if clientID == "" || clientSecret == "" || tokenURL == "" {
			return fmt.Errorf("%w: client_id, client_secret and token_url are all required", ErrMissingConfiguration)
		}
		s.Auth.ClientID = clientID
		s.Auth.ClientSecret = clientSecret
		s.Auth.TokenURL = tokenURL
		s.mark("auth.client_id", SourceUser)
		s.mark("auth.client_secret", SourceUser)
		s.mark("auth.token_url", SourceUser)
		return nil
	}
}

// WithRQCBaseURL overrides the quick-command endpoint root
func WithRQCBaseURL(url string) SettingsOption {
	return func(s *Settings) error {
		s.RQC.BaseURL = url
		s.mark("rqc.base_url", SourceUser)
		return nil
	}
}

// WithRQCRequestTimeout sets the per-HTTP-call timeout for quick commands
func WithRQCRequestTimeout(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.RQC.RequestTimeout = d
		s.mark("rqc.request_timeout", SourceUser)
		return nil
	}
}

// WithRQCRetry sets the create-phase retry budget and backoff base
func WithRQCRetry(maxRetries int, initialDelay time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.RQC.RetryMaxRetries = maxRetries
		s.RQC.RetryInitialDelay = initialDelay
		s.mark("rqc.retry_max_retries", SourceUser)
		s.mark("rqc.retry_initial_delay", SourceUser)
		return nil
	}
}

// WithRQCPollRetry sets the poll-phase retry budget
func WithRQCPollRetry(maxRetries int) SettingsOption {
	return func(s *Settings) error {
		s.RQC.PollRetryMaxRetries = maxRetries
		s.mark("rqc.poll_retry_max_retries", SourceUser)
		return nil
	}
}

// WithPolling sets the poll cadence and the overall polling wall budget
func WithPolling(interval, maxDuration time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.RQC.PollInterval = interval
		s.RQC.PollMaxDuration = maxDuration
		s.mark("rqc.poll_interval", SourceUser)
		s.mark("rqc.poll_max_duration", SourceUser)
		return nil
	}
}

// WithOverloadTimeout bounds how long an execution may stay in CREATED
func WithOverloadTimeout(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.RQC.OverloadTimeout = d
		s.mark("rqc.overload_timeout", SourceUser)
		return nil
	}
}

// WithMaxWorkers sets the batch executor concurrency for quick commands
func WithMaxWorkers(n int) SettingsOption {
	return func(s *Settings) error {
		s.RQC.MaxWorkers = n
		s.mark("rqc.max_workers", SourceUser)
		return nil
	}
}

// WithAgentBaseURL overrides the agent endpoint root
func WithAgentBaseURL(url string) SettingsOption {
	return func(s *Settings) error {
		s.Agent.BaseURL = url
		s.mark("agent.base_url", SourceUser)
		return nil
	}
}

// WithAgentRequestTimeout sets the per-HTTP-call timeout for agent chats
func WithAgentRequestTimeout(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.Agent.RequestTimeout = d
		s.mark("agent.request_timeout", SourceUser)
		return nil
	}
}

// WithAgentRetry sets the agent retry budget and backoff base
func WithAgentRetry(maxRetries int, initialDelay time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.Agent.RetryMaxRetries = maxRetries
		s.Agent.RetryInitialDelay = initialDelay
		s.mark("agent.retry_max_retries", SourceUser)
		s.mark("agent.retry_initial_delay", SourceUser)
		return nil
	}
}

// WithRateLimitEnabled toggles client-side throttling
func WithRateLimitEnabled(enabled bool) SettingsOption {
	return func(s *Settings) error {
		s.RateLimit.Enabled = enabled
		s.mark("rate_limit.enabled", SourceUser)
		return nil
	}
}

// WithRateLimitStrategy selects "token_bucket" or "adaptive"
func WithRateLimitStrategy(strategy string) SettingsOption {
	return func(s *Settings) error {
		s.RateLimit.Strategy = strategy
		s.mark("rate_limit.strategy", SourceUser)
		return nil
	}
}

// WithRateLimitWindow sets the quota: maxRequests over window
func WithRateLimitWindow(maxRequests int, window time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.RateLimit.MaxRequests = maxRequests
		s.RateLimit.TimeWindow = window
		s.mark("rate_limit.max_requests", SourceUser)
		s.mark("rate_limit.time_window", SourceUser)
		return nil
	}
}

// WithMaxWaitTime caps token acquisition; nil waits without bound
func WithMaxWaitTime(d *time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.RateLimit.MaxWaitTime = d
		s.mark("rate_limit.max_wait_time", SourceUser)
		return nil
	}
}

// WithAdaptiveTuning sets the AIMD knobs directly
func WithAdaptiveTuning(minRateFloor, penaltyFactor, recoveryFactor float64) SettingsOption {
	return func(s *Settings) error {
		s.RateLimit.MinRateFloor = minRateFloor
		s.RateLimit.PenaltyFactor = penaltyFactor
		s.RateLimit.RecoveryFactor = recoveryFactor
		s.mark("rate_limit.min_rate_floor", SourceUser)
		s.mark("rate_limit.penalty_factor", SourceUser)
		s.mark("rate_limit.recovery_factor", SourceUser)
		return nil
	}
}

// WithAdaptivePreset applies a curated AIMD tuning. Presets order from most
// penalty-heavy to lightest: conservative, balanced, optimistic.
func WithAdaptivePreset(name string) SettingsOption {
	return func(s *Settings) error {
		var maxWait time.Duration
		switch name {
		case "conservative":
			maxWait = 90 * time.Second
			s.RateLimit.MinRateFloor = 0.05
			s.RateLimit.PenaltyFactor = 0.5
			s.RateLimit.RecoveryFactor = 0.02
		case "balanced":
			maxWait = 45 * time.Second
			s.RateLimit.MinRateFloor = 0.1
			s.RateLimit.PenaltyFactor = 0.3
			s.RateLimit.RecoveryFactor = 0.05
		case "optimistic":
			maxWait = 30 * time.Second
			s.RateLimit.MinRateFloor = 0.2
			s.RateLimit.PenaltyFactor = 0.2
			s.RateLimit.RecoveryFactor = 0.1
		default:
			return fmt.Errorf("%w: unknown adaptive preset %q", ErrInvalidConfiguration, name)
		}
		s.RateLimit.Strategy = "adaptive"
		s.RateLimit.MaxWaitTime = &maxWait
		s.mark("rate_limit.strategy", SourceUser)
		s.mark("rate_limit.max_wait_time", SourceUser)
		s.mark("rate_limit.min_rate_floor", SourceUser)
		s.mark("rate_limit.penalty_factor", SourceUser)
		s.mark("rate_limit.recovery_factor", SourceUser)
		return nil
	}
}

// WithCircuitBreaker enables the circuit-breaker transport decorator
func WithCircuitBreaker(threshold int, timeout time.Duration) SettingsOption {
	return func(s *Settings) error {
		s.Resilience.CircuitBreakerEnabled = true
		s.Resilience.CircuitBreakerThreshold = threshold
		s.Resilience.CircuitBreakerTimeout = timeout
		s.mark("resilience.circuit_breaker_enabled", SourceUser)
		s.mark("resilience.circuit_breaker_threshold", SourceUser)
		s.mark("resilience.circuit_breaker_timeout", SourceUser)
		return nil
	}
}

// WithLogLevel sets the SDK logger level
func WithLogLevel(level string) SettingsOption {
	return func(s *Settings) error {
		s.SDK.LogLevel = level
		s.mark("sdk.log_level", SourceUser)
		return nil
	}
}

// WithTelemetryEnabled toggles OpenTelemetry recording
func WithTelemetryEnabled(enabled bool) SettingsOption {
	return func(s *Settings) error {
		s.SDK.TelemetryEnabled = enabled
		s.mark("sdk.telemetry_enabled", SourceUser)
		return nil
	}
}
