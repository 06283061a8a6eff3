package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/stkai/stkai-go/core"
)

// expirySkew renews tokens slightly before the server-reported expiry so a
// token never goes stale mid-flight
const expirySkew = 30 * time.Second

// ClientCredentialsProvider implements core.AuthProvider against an
// OAuth2-style token endpoint using the client_credentials grant. The bearer
// token is cached with its expiry; refresh is serialized under the mutex, so
// callers arriving during a refresh wait for the refreshed token instead of
// issuing duplicate token calls.
type ClientCredentialsProvider struct {
	clientID     string
	clientSecret string
	tokenURL     string

	transport core.Transport
	clock     core.Clock
	logger    core.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// CredentialsOption customizes the provider
type CredentialsOption func(*ClientCredentialsProvider)

// WithCredentialsTransport substitutes the transport used for token calls
func WithCredentialsTransport(t core.Transport) CredentialsOption {
	return func(p *ClientCredentialsProvider) { p.transport = t }
}

// WithCredentialsClock substitutes the clock (tests)
func WithCredentialsClock(clock core.Clock) CredentialsOption {
	return func(p *ClientCredentialsProvider) { p.clock = clock }
}

// WithCredentialsLogger attaches a logger
func WithCredentialsLogger(logger core.Logger) CredentialsOption {
	return func(p *ClientCredentialsProvider) { p.logger = logger }
}

// NewClientCredentialsProvider creates a provider for the given credentials
func NewClientCredentialsProvider(clientID, clientSecret, tokenURL string, opts ...CredentialsOption) *ClientCredentialsProvider {
	p := &ClientCredentialsProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		transport:    NewHTTPTransport(),
		clock:        core.RealClock(),
		logger:       core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns a valid bearer token, refreshing when the cached one is
// expired or has been invalidated
func (p *ClientCredentialsProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.clock.Now().Before(p.expiry.Add(-expirySkew)) {
		return p.token, nil
	}
	return p.refreshLocked(ctx)
}

// Invalidate discards the cached token; called after a 401
func (p *ClientCredentialsProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

func (p *ClientCredentialsProvider) refreshLocked(ctx context.Context) (string, error) {
	if p.clientID == "" || p.clientSecret == "" || p.tokenURL == "" {
		return "", &core.Error{Op: "auth.Token", Kind: core.ErrAuthFailure,
			Err: fmt.Errorf("%w: client credentials not configured", core.ErrMissingConfiguration)}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)

	req := &core.TransportRequest{
		Method: core.MethodPost,
		URL:    p.tokenURL,
		Body:   []byte(form.Encode()),
	}
	req.Header("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.transport.RoundTrip(ctx, req)
	if err != nil {
		// 4xx from the token endpoint means the credentials are bad, which
		// no retry will fix. Network failures keep their retryable kind.
		if code := core.StatusCodeFrom(err); code >= 400 && code < 500 {
			return "", &core.Error{Op: "auth.Token", Kind: core.ErrAuthFailure, StatusCode: code, Err: err}
		}
		return "", err
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.AccessToken == "" {
		return "", &core.Error{Op: "auth.Token", Kind: core.ErrMalformedResponse,
			Err: fmt.Errorf("token endpoint returned no access_token")}
	}

	p.token = payload.AccessToken
	p.expiry = p.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	p.logger.Debug("bearer token refreshed", map[string]interface{}{
		"expires_in": payload.ExpiresIn,
	})
	return p.token, nil
}
