// Package providers defines the interface to upstream credential issuers.
// The gateway never mints upstream credentials itself; it drives an
// authorization-code flow against an issuer and wraps the result. Issuers
// are abstracted behind the Provider interface so deployments can point the
// gateway at any OAuth 2.1 authorization server.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is an upstream credential issuer.
type Provider interface {
	// Name returns the provider name for logging and metrics.
	Name() string

	// AuthorizationURL builds the upstream authorization URL for a flow.
	// state is the composite state forwarded to the issuer; codeChallenge
	// and codeChallengeMethod carry the gateway's own PKCE binding (empty
	// strings disable PKCE toward the upstream).
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCode redeems an upstream authorization code for tokens.
	// codeVerifier is the gateway's PKCE verifier for this flow.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken obtains fresh tokens from an upstream refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// HealthCheck verifies the issuer is reachable. Used by readiness
	// probes and startup validation.
	HealthCheck(ctx context.Context) error
}
