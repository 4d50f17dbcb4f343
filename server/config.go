package server

import (
	"log/slog"
)

// Config holds the flow orchestrator's configuration. The zero value is
// usable: New applies secure defaults before first use.
type Config struct {
	// AuthorizationStateTTL bounds how long a pending flow may wait for the
	// upstream callback.
	AuthorizationStateTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL bounds how long a minted code stays redeemable.
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is the local bearer-session lifetime used when the
	// upstream token response carries no expiry of its own.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL bounds wrapped refresh-token records. Irrelevant in
	// pass-through mode where refresh tokens stay upstream-opaque.
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// RequirePKCE makes code_challenge mandatory on authorization requests.
	// WARNING: Disabling this significantly weakens security; only disable
	// for backward compatibility with very old clients.
	// Default: true
	RequirePKCE bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1.
	// Only enable for backward compatibility with legacy clients.
	// Default: false
	AllowPKCEPlain bool // default: false

	// WrapRefreshTokens makes the gateway mint its own refresh tokens mapped
	// to the upstream ones, enabling rotation replay detection. When false,
	// refresh tokens pass through upstream-opaque.
	// Default: false
	WrapRefreshTokens bool // default: false

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to pick the right X-Forwarded-For hop.
	// Default: 1
	TrustedProxyCount int // default: 1

	// SupportedScopes lists the scopes clients may request. Empty allows all.
	SupportedScopes []string

	// AllowedCustomSchemes is a list of allowed custom redirect-URI scheme
	// patterns (regex), for native/mobile clients. Empty allows all RFC 3986
	// compliant schemes apart from the known-dangerous ones.
	AllowedCustomSchemes []string

	// AllowInsecureRedirects permits plain-http redirect URIs on
	// non-loopback hosts. Development only.
	// Default: false
	AllowInsecureRedirects bool // default: false
}

// applySecureDefaults applies secure-by-default configuration values.
// Principle: secure by default, opt-in for less secure options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration.
func applyTimeDefaults(config *Config) {
	if config.AuthorizationStateTTL == 0 {
		config.AuthorizationStateTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
}

// applySecurityDefaults sets secure defaults for security-related settings.
// Heuristic: if every security bool is false, the config is fresh and gets
// the secure defaults; otherwise the caller configured things explicitly and
// we warn about anything insecure.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy &&
		!config.AllowInsecureRedirects

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureRedirects {
		logger.Warn("⚠️  SECURITY WARNING: Insecure redirect URIs are ALLOWED",
			"risk", "Tokens and codes exposed over plain HTTP",
			"recommendation", "Set AllowInsecureRedirects=false outside development")
	}
}
