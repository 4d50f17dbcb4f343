// Package mock provides a scripted implementation of providers.Provider for
// testing the flow orchestrator without a live issuer.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/credgate/credgate/providers"
)

// Provider is a mock upstream issuer. Zero-value function fields fall
// through to canned defaults; CallCounts records invocations.
type Provider struct {
	mu sync.Mutex

	NameValue            string
	AuthorizationURLFunc func(state, codeChallenge, codeChallengeMethod string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	HealthCheckFunc      func(ctx context.Context) error

	// LastState, LastChallenge and LastVerifier capture the most recent
	// arguments so tests can assert what the orchestrator sent upstream.
	LastState     string
	LastChallenge string
	LastVerifier  string

	CallCounts map[string]int
}

var _ providers.Provider = (*Provider)(nil)

// New creates a mock provider with canned defaults.
func New() *Provider {
	return &Provider{
		NameValue:  "mock",
		CallCounts: make(map[string]int),
	}
}

func (p *Provider) record(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCounts[op]++
}

// Calls returns how many times an operation was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCounts[op]
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return p.NameValue
}

// AuthorizationURL implements providers.Provider.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	p.record("AuthorizationURL")
	p.mu.Lock()
	p.LastState = state
	p.LastChallenge = codeChallenge
	p.mu.Unlock()

	if p.AuthorizationURLFunc != nil {
		return p.AuthorizationURLFunc(state, codeChallenge, codeChallengeMethod)
	}

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"mock-client"},
		"state":         {state},
	}
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", codeChallengeMethod)
	}
	return "https://issuer.invalid/authorize?" + q.Encode()
}

// ExchangeCode implements providers.Provider.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	p.record("ExchangeCode")
	p.mu.Lock()
	p.LastVerifier = codeVerifier
	p.mu.Unlock()

	if p.ExchangeCodeFunc != nil {
		return p.ExchangeCodeFunc(ctx, code, codeVerifier)
	}
	if code == "" {
		return nil, fmt.Errorf("empty authorization code")
	}
	return &oauth2.Token{
		AccessToken:  "mock-upstream-access",
		RefreshToken: "mock-upstream-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// RefreshToken implements providers.Provider.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.record("RefreshToken")
	if p.RefreshTokenFunc != nil {
		return p.RefreshTokenFunc(ctx, refreshToken)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token")
	}
	return &oauth2.Token{
		AccessToken:  "mock-refreshed-access",
		RefreshToken: "mock-refreshed-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// HealthCheck implements providers.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.record("HealthCheck")
	if p.HealthCheckFunc != nil {
		return p.HealthCheckFunc(ctx)
	}
	return nil
}
