package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogFlowStarted logs the start of an authorization flow.
func (a *Auditor) LogFlowStarted(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventFlowStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeIssued logs the minting of an authorization code after a
// successful upstream exchange.
func (a *Auditor) LogCodeIssued(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCodeReplayDetected logs redemption of an already-consumed or unknown
// authorization code.
func (a *Auditor) LogCodeReplayDetected(clientID, ipAddress, codePrefix string) {
	a.LogEvent(Event{
		Type:      EventCodeReplayDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"code_prefix": codePrefix,
		},
	})
}

// LogTokenRevoked logs the revocation of a bearer session.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogRefreshReplayDetected logs reuse of a rotated refresh token.
func (a *Auditor) LogRefreshReplayDetected(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRefreshReplayDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogPKCEFailure logs a failed code_verifier check. The verifier itself is
// hashed; it is a credential equivalent.
func (a *Auditor) LogPKCEFailure(clientID, ipAddress, verifier string) {
	a.LogEvent(Event{
		Type:      EventPKCEValidationFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"verifier_hash": hashForLogging(verifier),
		},
	})
}

// LogAuthFailure logs a client authentication failure.
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogUpstreamExchangeFailed logs a failed code exchange with the upstream
// issuer.
func (a *Auditor) LogUpstreamExchangeFailed(clientID, ipAddress, issuer string) {
	a.LogEvent(Event{
		Type:      EventUpstreamExchangeFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"issuer": issuer,
		},
	})
}

// LogInvalidRedirect logs a redirect URI that failed validation.
func (a *Auditor) LogInvalidRedirect(clientID, ipAddress, redirectURI string) {
	a.LogEvent(Event{
		Type:      EventInvalidRedirect,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uri": redirectURI,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
