// Package generic implements providers.Provider for any OAuth 2.1
// authorization server configured by its endpoint URLs. Client
// authentication toward the issuer is either the standard client_secret
// POST parameter or HTTP Digest (RFC 2617) when the issuer demands it.
package generic

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/credgate/credgate/digest"
	"github.com/credgate/credgate/instrumentation"
	"github.com/credgate/credgate/providers"
)

const defaultTimeout = 30 * time.Second

// Config holds upstream issuer configuration.
type Config struct {
	// Name identifies the issuer in logs and metrics (default "generic")
	Name string

	// ClientID is the gateway's client ID at the issuer (required)
	ClientID string

	// ClientSecret is sent as a POST parameter. Leave empty when the
	// issuer authenticates the gateway via Digest instead.
	ClientSecret string

	// AuthURL is the issuer's authorization endpoint (required)
	AuthURL string

	// TokenURL is the issuer's token endpoint (required)
	TokenURL string

	// RedirectURL is the gateway's callback URL registered at the issuer (required)
	RedirectURL string

	// Scopes requested from the issuer
	Scopes []string

	// DigestUsername and DigestPassword enable RFC 2617 Digest client
	// authentication on the token endpoint when both are set.
	DigestUsername string
	DigestPassword string

	// HTTPClient is an optional custom HTTP client. When Digest credentials
	// are set its transport is wrapped with the Digest round tripper.
	HTTPClient *http.Client
}

// Provider talks to an endpoint-configured upstream issuer.
type Provider struct {
	name       string
	config     *oauth2.Config
	httpClient *http.Client
	metrics    *instrumentation.Metrics
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a provider for the configured issuer.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token endpoint URLs are required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	name := cfg.Name
	if name == "" {
		name = "generic"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	p := &Provider{name: name}

	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthURL,
		TokenURL: cfg.TokenURL,
	}
	if cfg.DigestUsername != "" && cfg.DigestPassword != "" {
		transport := digest.NewTransport(cfg.DigestUsername, cfg.DigestPassword, httpClient.Transport)
		transport.OnRetry = func(req *http.Request) {
			if p.metrics != nil {
				p.metrics.RecordDigestRetry(req.Context(), p.name)
			}
		}
		wrapped := *httpClient
		wrapped.Transport = transport
		httpClient = &wrapped
		// Pin the auth style so oauth2 does not probe with a Basic
		// Authorization header first; the Digest transport owns the 401
		// handshake and gets exactly one unauthenticated request plus one
		// retry.
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	p.config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoint,
	}
	p.httpClient = httpClient
	return p, nil
}

// SetMetrics sets the metrics recorder. Call it before serving requests;
// without it Digest retries go unrecorded.
func (p *Provider) SetMetrics(m *instrumentation.Metrics) {
	p.metrics = m
}

// Name returns the configured issuer name.
func (p *Provider) Name() string {
	return p.name
}

// AuthorizationURL builds the issuer's authorization URL.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems an authorization code at the issuer's token endpoint.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// RefreshToken obtains fresh tokens from the issuer.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}

// HealthCheck verifies the issuer's authorization endpoint answers HTTP.
// Any status counts as healthy; only transport failures are errors.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.Endpoint.AuthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("issuer unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
