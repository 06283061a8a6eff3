package transport

import (
	"context"

	"github.com/stkai/stkai-go/core"
)

// HostCLITransport delegates authentication to a host CLI probe, which signs
// each request with a pre-issued bearer header. The transport itself is
// stateless; token lifecycle belongs to the CLI.
type HostCLITransport struct {
	next  core.Transport
	probe core.HostCLIProbe
}

// NewHostCLITransport wraps next with per-call CLI signing
func NewHostCLITransport(next core.Transport, probe core.HostCLIProbe) *HostCLITransport {
	return &HostCLITransport{next: next, probe: probe}
}

func (t *HostCLITransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	signed := *req
	signed.Headers = make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		signed.Headers[k] = v
	}
	if err := t.probe.Sign(ctx, &signed); err != nil {
		return nil, &core.Error{Op: "transport.HostCLI", Kind: core.ErrAuthFailure, Err: err}
	}
	return t.next.RoundTrip(ctx, &signed)
}
