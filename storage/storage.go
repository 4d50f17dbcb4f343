// Package storage defines the persistence contracts for the credential gateway:
// authorization-flow state, one-time authorization codes, wrapped refresh
// tokens, locally terminated bearer sessions, and optional registered clients.
// The gateway itself is invocation-scoped; every piece of cross-request state
// lives behind these interfaces so single-instance (in-memory) and
// multi-instance/serverless (Valkey) deployments share one contract.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors shared by all backends. Callers match with errors.Is; the
// HTTP layer maps all of them to OAuth-style 400 responses, never 500.
var (
	// ErrStateNotFound indicates the authorization state does not exist or
	// was already consumed.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrCodeNotFound indicates the authorization code does not exist or was
	// already redeemed. A second redemption attempt observes this, never the
	// original value.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrRefreshTokenNotFound indicates the wrapped refresh token does not
	// exist or was already rotated.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrTokenNotFound indicates no bearer session exists for the token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrExpired indicates the entity's TTL elapsed. Backends return it even
	// when the record is still physically present: a read past
	// CreatedAt+TTL must behave exactly like absence.
	ErrExpired = errors.New("entity expired")

	// ErrClientNotFound indicates no client registration exists for the id.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates client secret validation failed.
	ErrInvalidClientSecret = errors.New("invalid client secret")
)

// IsNotFound reports whether err is any of the absence sentinels, including
// expiry (an expired entity is treated identically to an absent one).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrRefreshTokenNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrExpired)
}

// AuthorizationState is a pending proxy-initiated authorization request,
// keyed by the gateway's internal correlation id. It records everything
// needed to resume the flow when the upstream provider calls back.
type AuthorizationState struct {
	// ID is the internal correlation id (not the client's state parameter).
	ID string

	// ClientID is the requesting client's identifier, echoed through.
	ClientID string

	// RedirectURI is the real client's redirect target. The callback
	// redirects here; redemption must present the same value.
	RedirectURI string

	// Scope is the requested scope string, forwarded upstream.
	Scope string

	// CodeChallenge and CodeChallengeMethod are the real client's PKCE
	// parameters, copied verbatim into the minted authorization code.
	// Empty when the client did not use PKCE.
	CodeChallenge       string
	CodeChallengeMethod string

	// ClientState is the client's own opaque state echo, returned on the
	// final redirect.
	ClientState string

	// UpstreamVerifier is the gateway's own PKCE verifier for the upstream
	// exchange. The gateway always uses PKCE upstream regardless of whether
	// the client did.
	UpstreamVerifier string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is a gateway-minted one-time code standing in for the
// upstream token response. Redemption is atomic take-and-delete.
type AuthorizationCode struct {
	Code     string
	ClientID string

	// RedirectURI the code is bound to; exact-match checked at redemption.
	RedirectURI string

	Scope string

	// CodeChallenge / CodeChallengeMethod copied unmodified from the
	// authorization state. When present, a verifier is mandatory at
	// redemption.
	CodeChallenge       string
	CodeChallengeMethod string

	// UpstreamToken is the provider-issued token the code stands in for.
	UpstreamToken *oauth2.Token

	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshTokenRecord maps a gateway-issued refresh token to the upstream
// refresh token it wraps. Records are single-use: rotation consumes the
// record, so presenting an already-rotated token observes absence (replay
// detection).
type RefreshTokenRecord struct {
	Token         string
	ClientID      string
	UpstreamToken string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// TokenInfo is a locally terminated bearer session: the upstream token plus
// the absolute expiry instant enforced on every protected request.
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Client is an optionally registered OAuth client. ClientSecretHash is a
// bcrypt hash; public clients carry an empty hash.
type Client struct {
	ClientID         string
	ClientSecretHash string
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	ClientName       string
	CreatedAt        time.Time
}

// FlowStore manages authorization states and one-time authorization codes.
//
// State reads do NOT auto-delete: error paths may need to read a state that a
// success path later deletes, so deletion is the orchestrator's call. Code
// reads DO delete, atomically, in a single backend round trip: two
// concurrent TakeAuthorizationCode calls for one key must never both observe
// the value. That atomicity is the one hard correctness requirement of this
// subsystem; without it a duplicated code redeems twice and one user consent
// yields two sessions.
type FlowStore interface {
	// SaveAuthorizationState stores a pending flow with TTL, silently
	// overwriting a reused key.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// GetAuthorizationState returns the state or ErrStateNotFound/ErrExpired.
	// It never deletes.
	GetAuthorizationState(ctx context.Context, id string) (*AuthorizationState, error)

	// DeleteAuthorizationState removes a state. Idempotent: deleting an
	// absent key is not an error.
	DeleteAuthorizationState(ctx context.Context, id string) error

	// SaveAuthorizationCode stores a minted code with TTL.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// TakeAuthorizationCode atomically returns and removes the code. A
	// concurrent second caller racing the same key observes
	// ErrCodeNotFound, never the same value twice.
	TakeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStore manages wrapped refresh tokens with one-time take
// semantics for rotation replay detection. Only consulted when the gateway
// wraps refresh tokens; in pass-through mode refresh tokens stay
// upstream-opaque and never touch storage.
type RefreshTokenStore interface {
	SaveRefreshTokenRecord(ctx context.Context, rec *RefreshTokenRecord) error

	// TakeRefreshTokenRecord atomically returns and removes the record.
	// Absence after a prior take indicates replay of a rotated token.
	TakeRefreshTokenRecord(ctx context.Context, token string) (*RefreshTokenRecord, error)
}

// TokenStore manages locally terminated bearer sessions.
type TokenStore interface {
	SaveTokenInfo(ctx context.Context, info *TokenInfo) error

	// GetTokenInfo returns the session or ErrTokenNotFound/ErrExpired.
	GetTokenInfo(ctx context.Context, accessToken string) (*TokenInfo, error)

	DeleteTokenInfo(ctx context.Context, accessToken string) error
}

// ClientStore manages optional client registrations. Deployments without a
// client registry run the token endpoint in open pass-through mode and never
// construct one.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret compares a presented secret against the stored
	// bcrypt hash. Returns ErrInvalidClientSecret on mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}
