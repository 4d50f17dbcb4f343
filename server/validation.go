package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/credgate/credgate/storage"
)

// URI scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed as
	// redirect targets.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the fallback pattern for custom URI
	// schemes: scheme = ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// validateRedirectURI checks a redirect URI for the given client. When a
// client registration is available, the URI must be registered exactly; in
// all cases it must pass the security checks.
func (p *Proxy) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	if client != nil {
		found := false
		for _, uri := range client.RedirectURIs {
			if uri == redirectURI {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("redirect URI not registered for client")
		}
	}

	return validateRedirectURISecurity(redirectURI, p.Config.AllowedCustomSchemes, p.Config.AllowInsecureRedirects)
}

// validateScopes validates requested scopes against the configured set.
// An empty configuration or an empty request allows everything.
func (p *Proxy) validateScopes(scope string) error {
	if len(p.Config.SupportedScopes) == 0 {
		return nil
	}
	if scope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supported := range p.Config.SupportedScopes {
			if reqScope == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice: no fragments, HTTPS for
// non-loopback HTTP(S) targets, and custom schemes checked against the
// allowed patterns.
func validateRedirectURISecurity(redirectURI string, allowedCustomSchemes []string, allowInsecure bool) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments.
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		hostname := strings.ToLower(parsed.Hostname())
		if isLoopbackAddress(hostname) || allowInsecure {
			return nil
		}
		return fmt.Errorf("redirect_uri must use HTTPS on non-loopback hosts (got %s://)", scheme)
	default:
		// Custom scheme (native/mobile apps).
		return validateCustomScheme(scheme, allowedCustomSchemes)
	}
}

// validateCustomScheme validates a custom URI scheme against allowed
// patterns, rejecting the dangerous ones outright.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	for _, dangerous := range DangerousSchemes {
		if schemeLower == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLoopbackAddress checks if a hostname refers to the local machine:
// localhost, the entire 127.0.0.0/8 range, and [::1].
func isLoopbackAddress(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	cleanHostname := strings.Trim(hostname, "[]")
	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}
