package transport

import (
	"context"
	"net/http"

	"github.com/stkai/stkai-go/core"
)

// StandaloneTransport attaches client-credentials authentication to every
// request. A 401 response triggers one forced refresh and a single replay;
// a second 401 surfaces as a non-retryable auth failure so the retry engine
// does not loop on dead credentials.
type StandaloneTransport struct {
	next     core.Transport
	provider core.AuthProvider
	logger   core.Logger
}

// NewStandaloneTransport wraps next with bearer authentication from provider
func NewStandaloneTransport(next core.Transport, provider core.AuthProvider, logger core.Logger) *StandaloneTransport {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &StandaloneTransport{next: next, provider: provider, logger: logger}
}

func (t *StandaloneTransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	resp, err := t.attempt(ctx, req)
	if core.StatusCodeFrom(err) != http.StatusUnauthorized {
		return resp, err
	}

	// One refresh is permitted for a 401-triggered retry; anything more
	// would recurse on credentials the server keeps rejecting.
	t.logger.Debug("401 received, forcing token refresh", map[string]interface{}{
		"url": req.URL,
	})
	t.provider.Invalidate()
	resp, err = t.attempt(ctx, req)
	if core.StatusCodeFrom(err) == http.StatusUnauthorized {
		return nil, &core.Error{Op: "transport.Standalone", Kind: core.ErrAuthFailure,
			StatusCode: http.StatusUnauthorized, Err: err}
	}
	return resp, err
}

func (t *StandaloneTransport) attempt(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	token, err := t.provider.Token(ctx)
	if err != nil {
		return nil, err
	}
	authed := *req
	authed.Headers = make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		authed.Headers[k] = v
	}
	authed.Headers["Authorization"] = "Bearer " + token
	return t.next.RoundTrip(ctx, &authed)
}
