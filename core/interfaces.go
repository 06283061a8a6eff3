package core

import "context"

// AuthProvider owns credential acquisition for the standalone transport.
// Implementations cache the bearer token together with its expiry and
// serialize refreshes; callers arriving during a refresh wait for the
// refreshed token.
type AuthProvider interface {
	// Token returns a valid bearer token, refreshing it when expired.
	// May perform a blocking HTTP call to the token endpoint.
	Token(ctx context.Context) (string, error)

	// Invalidate discards the cached token so the next Token call
	// refreshes. Called after a 401.
	Invalidate()
}

// HostCLIProbe inspects the environment for a host CLI installation that can
// supply endpoint URLs and pre-signed authentication per call.
type HostCLIProbe interface {
	// Available reports whether the host CLI is present
	Available() bool

	// RQCBaseURL returns the quick-command endpoint root, "" if unknown
	RQCBaseURL() string

	// AgentBaseURL returns the agent endpoint root, "" if unknown
	AgentBaseURL() string

	// Sign attaches a pre-signed authorization header to the request
	Sign(ctx context.Context, req *TransportRequest) error
}
