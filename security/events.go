package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across handlers and the flow orchestrator.
const (
	// Authorization flow events

	// EventFlowStarted is logged when an authorization flow is initiated
	EventFlowStarted = "authorization_flow_started"

	// EventCodeIssued is logged when an authorization code is minted
	EventCodeIssued = "authorization_code_issued"

	// EventCodeReplayDetected is logged when an authorization code is
	// presented a second time
	EventCodeReplayDetected = "authorization_code_replay_detected"

	// EventRefreshReplayDetected is logged when a rotated refresh token is
	// presented again
	EventRefreshReplayDetected = "refresh_token_replay_detected"

	// EventPKCEValidationFailed is logged when the code_verifier check fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventTokenRevoked is logged when a bearer session is revoked
	EventTokenRevoked = "token_revoked"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when redirect URI validation fails
	EventInvalidRedirect = "invalid_redirect"

	// Upstream issuer events

	// EventUpstreamExchangeFailed is logged when the code exchange with the
	// upstream issuer fails
	EventUpstreamExchangeFailed = "upstream_exchange_failed"
)
