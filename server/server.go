package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/credgate/credgate/instrumentation"
	"github.com/credgate/credgate/providers"
	"github.com/credgate/credgate/security"
	"github.com/credgate/credgate/storage"
)

// tokenIDLogLength is how many characters of token material appear in logs.
const tokenIDLogLength = 8

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used to log token and code prefixes, never the full value.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Proxy implements the authorization-code flow orchestration: it fronts a
// single upstream provider, mints its own codes and (optionally) refresh
// tokens, and keeps every piece of cross-request state behind the storage
// interfaces.
type Proxy struct {
	provider     providers.Provider
	flowStore    storage.FlowStore
	refreshStore storage.RefreshTokenStore
	tokenStore   storage.TokenStore
	clientStore  storage.ClientStore
	stateCodec   *StateCodec
	Auditor      *security.Auditor
	Metrics      *instrumentation.Metrics
	Logger       *slog.Logger
	Config       *Config
}

// New creates a flow orchestrator. Provider and flow store are mandatory;
// everything else is optional and enables a feature when set.
func New(
	provider providers.Provider,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Proxy, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Proxy{
		provider:  provider,
		flowStore: flowStore,
		Config:    config,
		Logger:    logger,
	}, nil
}

// SetStateCodec switches the orchestrator to sealed-state mode: the pending
// flow travels inside the encrypted state blob instead of being keyed in the
// flow store, for deployments with no shared state store. The codec and the
// keyed store are alternatives; setting a codec bypasses state persistence
// entirely.
func (p *Proxy) SetStateCodec(codec *StateCodec) {
	p.stateCodec = codec
}

// SetRefreshTokenStore enables refresh-token wrapping. Without a store the
// orchestrator runs in pass-through mode even when WrapRefreshTokens is set.
func (p *Proxy) SetRefreshTokenStore(store storage.RefreshTokenStore) {
	p.refreshStore = store
}

// SetTokenStore enables local bearer sessions for issued access tokens.
func (p *Proxy) SetTokenStore(store storage.TokenStore) {
	p.tokenStore = store
}

// SetClientStore enables the registered-client check at the token endpoint.
// Without a store the endpoint runs in open pass-through mode.
func (p *Proxy) SetClientStore(store storage.ClientStore) {
	p.clientStore = store
}

// SetAuditor sets the security auditor.
func (p *Proxy) SetAuditor(aud *security.Auditor) {
	p.Auditor = aud
}

// SetMetrics sets the metrics recorder.
func (p *Proxy) SetMetrics(m *instrumentation.Metrics) {
	p.Metrics = m
}

// recordStorage feeds the storage operation metrics. No-op without a
// metrics recorder.
func (p *Proxy) recordStorage(ctx context.Context, operation string, start time.Time, err error) {
	if p.Metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	p.Metrics.RecordStorageOperation(ctx, operation, result,
		float64(time.Since(start).Milliseconds()))
}

// ValidateBearerToken looks up the local bearer session for an access token
// and enforces its expiry. Returns storage.ErrTokenNotFound (or ErrExpired)
// when the session is absent or past its lifetime.
func (p *Proxy) ValidateBearerToken(ctx context.Context, accessToken string) (*storage.TokenInfo, error) {
	if p.tokenStore == nil {
		return nil, fmt.Errorf("bearer sessions are not enabled")
	}
	start := time.Now()
	info, err := p.tokenStore.GetTokenInfo(ctx, accessToken)
	p.recordStorage(ctx, "get_token_info", start, err)
	if err != nil {
		p.Logger.Debug("Bearer token validation failed",
			"token_prefix", safeTruncate(accessToken, tokenIDLogLength),
			"reason", err.Error())
		return nil, err
	}
	return info, nil
}

// RevokeToken deletes the local bearer session for an access token. Per
// RFC 7009 an unknown token is not an error: revocation is idempotent and
// reports success either way.
func (p *Proxy) RevokeToken(ctx context.Context, accessToken, clientID, clientIP string) error {
	if p.tokenStore == nil {
		return fmt.Errorf("bearer sessions are not enabled")
	}

	start := time.Now()
	err := p.tokenStore.DeleteTokenInfo(ctx, accessToken)
	p.recordStorage(ctx, "delete_token_info", start, err)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if p.Auditor != nil {
		p.Auditor.LogTokenRevoked(clientID, clientIP)
	}
	p.Logger.Info("Bearer session revoked",
		"client_id", clientID,
		"token_prefix", safeTruncate(accessToken, tokenIDLogLength))
	return nil
}

// HealthCheck verifies the upstream provider is reachable.
func (p *Proxy) HealthCheck(ctx context.Context) error {
	return p.provider.HealthCheck(ctx)
}

// generateRandomToken generates a cryptographically secure random token.
// Alias for oauth2.GenerateVerifier, which produces a URL-safe base64 string
// suitable for authorization codes and minted tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// ttl converts a seconds config value into a duration.
func ttl(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
