// Package security provides cross-cutting security functionality for the
// gateway: token encryption at rest, per-identifier rate limiting, client IP
// extraction, request ID propagation, response security headers, and audit
// logging of security-relevant events.
//
// # Rate Limiting
//
// RateLimiter tracks a token bucket per identifier (client ID or IP) with
// LRU eviction so a scan of unique identifiers cannot grow memory without
// bound. Idle limiters are swept by a background goroutine; call Stop when
// the limiter is no longer needed.
//
// # Encryption
//
// Encryptor seals strings with AES-256-GCM for storage backends that
// persist upstream credentials. A nil or empty key disables encryption and
// turns Encrypt/Decrypt into identity functions, so callers need no
// enabled/disabled branches.
//
// # Audit Logging
//
// Auditor emits structured security events through slog. Values that could
// identify a subject are hashed before logging.
package security
