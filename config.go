package credgate

import "time"

// Endpoint paths served by the handler.
const (
	PathAuthorize                   = "/authorize"
	PathCallback                    = "/callback"
	PathToken                       = "/token"
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
)

// Config holds the HTTP adapter configuration. Flow behavior (PKCE policy,
// TTLs, redirect validation) lives in server.Config; this covers only the
// transport surface.
type Config struct {
	// RateLimit is the pre-request per-IP rate limit gate.
	RateLimit RateLimitConfig

	// CORS configures cross-origin access for browser-based clients.
	CORS CORSConfig
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// CORSConfig holds CORS configuration for browser-based clients.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to make cross-origin requests.
	// Empty disables CORS entirely. "*" allows all origins (development only).
	AllowedOrigins []string

	// AllowCredentials enables the Access-Control-Allow-Credentials header,
	// required when clients send Bearer tokens cross-origin.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds. Default: 3600.
	MaxAge int
}

const defaultCORSMaxAge = 3600
