// Package transport implements the HTTP pipeline layers: the base transport
// that talks to the network and the decorators that attach authentication
// and fault-tolerance around it. Every layer satisfies core.Transport, so
// the stack composes as a chain of values each holding the next inner
// transport.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stkai/stkai-go/core"
)

// HTTPTransport is the innermost pipeline layer. It performs the actual
// network call and classifies the outcome per the core error taxonomy.
// It performs no retry.
type HTTPTransport struct {
	client *http.Client
	logger core.Logger
}

// HTTPOption customizes the base transport
type HTTPOption func(*HTTPTransport)

// WithHTTPClient substitutes the underlying *http.Client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = client }
}

// WithHTTPLogger attaches a logger
func WithHTTPLogger(logger core.Logger) HTTPOption {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithInstrumentation wraps the client round-tripper with otelhttp so every
// outgoing call produces a span against the global tracer provider
func WithInstrumentation() HTTPOption {
	return func(t *HTTPTransport) {
		base := t.client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		t.client.Transport = otelhttp.NewTransport(base)
	}
}

// NewHTTPTransport creates the base transport
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{},
		logger: core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip performs one HTTP exchange. 2xx responses are returned; every
// other outcome is a classified error. The per-request timeout bounds the
// whole exchange including body read.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *core.TransportRequest) (*core.TransportResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &core.Error{Op: "transport.RoundTrip", Kind: core.ErrClientError, Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetworkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetworkError(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &core.TransportResponse{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       data,
		}, nil
	}

	t.logger.Debug("non-success response", map[string]interface{}{
		"method": req.Method,
		"url":    req.URL,
		"status": resp.StatusCode,
	})
	return nil, classifyStatus(resp.StatusCode, headers)
}

// classifyNetworkError maps connection and deadline failures onto the
// taxonomy. Timeouts (socket or context deadline) are request_timeout;
// everything else on the wire is a network failure. Both are retryable.
func classifyNetworkError(err error) error {
	kind := core.ErrNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = core.ErrRequestTimeout
	}
	return &core.Error{Op: "transport.RoundTrip", Kind: kind, Err: err}
}

// classifyStatus maps a non-2xx status onto the taxonomy
func classifyStatus(status int, headers map[string]string) error {
	e := &core.Error{Op: "transport.RoundTrip", StatusCode: status}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = core.ErrServerThrottle
		e.RetryAfter = parseRetryAfter(headers)
	case status == http.StatusRequestTimeout:
		e.Kind = core.ErrRequestTimeout
	case status >= 500:
		e.Kind = core.ErrHostError
	default:
		e.Kind = core.ErrClientError
	}
	return e
}

// parseRetryAfter reads the Retry-After header in seconds form.
// HTTP-date values are not supported and yield zero.
func parseRetryAfter(headers map[string]string) time.Duration {
	v, ok := headers["Retry-After"]
	if !ok {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
