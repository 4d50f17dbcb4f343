package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/credgate/credgate/pkce"
	"github.com/credgate/credgate/storage"
)

// OAuth grant and response types handled by the orchestrator.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// AuthorizationRequest carries the parameters of an authorization request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string // the client's opaque echo
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// CallbackRequest carries the upstream provider's callback parameters.
type CallbackRequest struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	ClientIP         string
}

// TokenRequest carries normalized token-endpoint parameters. The HTTP layer
// handles body decoding (form or JSON); the orchestrator only sees fields.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
	ClientIP     string
}

// TokenResponse is the orchestrator's result for a successful token grant.
type TokenResponse struct {
	Token *oauth2.Token
	Scope string
}

// StartAuthorizationFlow validates an authorization request, persists the
// pending flow, and returns the upstream authorization URL to redirect the
// user agent to. The gateway always runs PKCE on the upstream leg with its
// own verifier, independent of whether the client supplied a challenge.
//
// Errors before the redirect URI is validated are terminal; later ones carry
// the validated redirect URI so the HTTP layer can relay them to the client.
func (p *Proxy) StartAuthorizationFlow(ctx context.Context, req *AuthorizationRequest) (string, error) {
	var client *storage.Client
	if p.clientStore != nil {
		if req.ClientID == "" {
			return "", flowError(ErrorCodeInvalidClient, "client_id is required")
		}
		var err error
		client, err = p.clientStore.GetClient(ctx, req.ClientID)
		if err != nil {
			p.Logger.Debug("Authorization request for unknown client", "client_id", req.ClientID)
			if p.Auditor != nil {
				p.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "unknown_client")
			}
			return "", flowError(ErrorCodeInvalidClient, "unknown client")
		}
	}

	// The redirect URI must be validated before anything may be relayed to it.
	if err := p.validateRedirectURI(client, req.RedirectURI); err != nil {
		p.Logger.Debug("Redirect URI validation failed",
			"client_id", req.ClientID,
			"reason", err.Error())
		if p.Auditor != nil {
			p.Auditor.LogInvalidRedirect(req.ClientID, req.ClientIP, req.RedirectURI)
		}
		return "", flowError(ErrorCodeInvalidRequest, err.Error())
	}

	if req.ResponseType != ResponseTypeCode {
		return "", redirectableError(ErrorCodeUnsupportedResponseType,
			fmt.Sprintf("unsupported response_type: %s", req.ResponseType),
			req.RedirectURI, req.State)
	}

	// Client-leg PKCE: mandatory unless explicitly disabled. The challenge
	// method defaults to plain per RFC 7636 when omitted, which only passes
	// when plain is allowed.
	challengeMethod := req.CodeChallengeMethod
	if req.CodeChallenge == "" {
		if p.Config.RequirePKCE {
			return "", redirectableError(ErrorCodeInvalidRequest,
				"code_challenge is required", req.RedirectURI, req.State)
		}
		challengeMethod = ""
	} else {
		if challengeMethod == "" {
			challengeMethod = pkce.MethodPlain
		}
		switch challengeMethod {
		case pkce.MethodS256:
		case pkce.MethodPlain:
			if !p.Config.AllowPKCEPlain {
				return "", redirectableError(ErrorCodeInvalidRequest,
					"'plain' code_challenge_method is not allowed", req.RedirectURI, req.State)
			}
			p.Logger.Warn("Using insecure 'plain' PKCE method",
				"client_id", req.ClientID,
				"recommendation", "Upgrade client to use S256")
		default:
			return "", redirectableError(ErrorCodeInvalidRequest,
				fmt.Sprintf("unsupported code_challenge_method: %s", challengeMethod),
				req.RedirectURI, req.State)
		}
	}

	if err := p.validateScopes(req.Scope); err != nil {
		return "", redirectableError(ErrorCodeInvalidScope, err.Error(), req.RedirectURI, req.State)
	}

	internalID := newInternalID()
	upstreamVerifier := pkce.GenerateVerifier()
	now := time.Now()

	state := &storage.AuthorizationState{
		ID:                  internalID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: challengeMethod,
		ClientState:         req.State,
		UpstreamVerifier:    upstreamVerifier,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl(p.Config.AuthorizationStateTTL)),
	}
	upstreamState, err := p.sealOrStoreState(ctx, state)
	if err != nil {
		p.Logger.Error("Failed to persist authorization state", "error", err)
		return "", redirectableError(ErrorCodeServerError, "failed to start authorization flow",
			req.RedirectURI, req.State)
	}

	if p.Auditor != nil {
		p.Auditor.LogFlowStarted(req.ClientID, req.ClientIP, req.Scope)
	}
	if p.Metrics != nil {
		p.Metrics.RecordFlowStarted(ctx, req.ClientID)
	}

	p.Logger.Debug("Authorization flow started",
		"client_id", req.ClientID,
		"internal_id", safeTruncate(internalID, tokenIDLogLength),
		"pkce", req.CodeChallenge != "")

	return p.provider.AuthorizationURL(
		upstreamState,
		pkce.ChallengeS256(upstreamVerifier),
		pkce.MethodS256,
	), nil
}

// sealOrStoreState produces the state parameter for the upstream leg. With a
// state codec the whole pending flow rides inside the sealed blob (stateless
// deployments); otherwise the flow is keyed in the store under the internal
// ID and the state carries the composite internalID:clientState pair.
func (p *Proxy) sealOrStoreState(ctx context.Context, state *storage.AuthorizationState) (string, error) {
	if p.stateCodec != nil {
		return p.stateCodec.Encode(state)
	}
	start := time.Now()
	err := p.flowStore.SaveAuthorizationState(ctx, state)
	p.recordStorage(ctx, "save_authorization_state", start, err)
	if err != nil {
		return "", err
	}
	return encodeCompositeState(state.ID, state.ClientState), nil
}

// resolveState recovers the pending flow from a callback's state parameter.
// In sealed mode the blob authenticates itself (AES-GCM plus the creation
// window); in keyed mode the store entry is looked up, its client-state half
// compared, and the entry consumed. Single-use enforcement in sealed mode
// rests on the minted authorization code's atomic take.
func (p *Proxy) resolveState(ctx context.Context, rawState, clientIP string) (*storage.AuthorizationState, *FlowError) {
	if p.stateCodec != nil {
		state, err := p.stateCodec.Decode(rawState)
		if err != nil {
			p.Logger.Debug("Callback with undecodable sealed state", "reason", err.Error())
			if p.Auditor != nil {
				p.Auditor.LogAuthFailure("", clientIP, "invalid_sealed_state")
			}
			return nil, flowError(ErrorCodeInvalidRequest, "invalid or expired state parameter")
		}
		return state, nil
	}

	internalID, clientState, err := decodeCompositeState(rawState)
	if err != nil {
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure("", clientIP, "malformed_callback_state")
		}
		return nil, flowError(ErrorCodeInvalidRequest, "malformed state parameter")
	}

	start := time.Now()
	state, err := p.flowStore.GetAuthorizationState(ctx, internalID)
	p.recordStorage(ctx, "get_authorization_state", start, err)
	if err != nil {
		p.Logger.Debug("Callback for unknown or expired state",
			"internal_id", safeTruncate(internalID, tokenIDLogLength),
			"reason", err.Error())
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure("", clientIP, "unknown_or_expired_state")
		}
		return nil, flowError(ErrorCodeInvalidRequest, "unknown or expired authorization state")
	}

	// The client-state half must match what the flow recorded.
	if subtle.ConstantTimeCompare([]byte(clientState), []byte(state.ClientState)) != 1 {
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure(state.ClientID, clientIP, "state_mismatch")
		}
		return nil, flowError(ErrorCodeInvalidRequest, "state parameter mismatch")
	}

	// One-time: the state is consumed regardless of how the callback ends.
	start = time.Now()
	err = p.flowStore.DeleteAuthorizationState(ctx, internalID)
	p.recordStorage(ctx, "delete_authorization_state", start, err)
	if err != nil {
		p.Logger.Warn("Failed to delete authorization state", "error", err)
	}

	return state, nil
}

// HandleCallback resumes a pending flow from the upstream provider's
// callback and returns the URL to redirect the user agent to. A missing or
// expired state is terminal (the error renders to the user agent); once the
// state is resolved, upstream errors and exchange failures are relayed to
// the client's validated redirect URI.
func (p *Proxy) HandleCallback(ctx context.Context, req *CallbackRequest) (string, error) {
	state, ferr := p.resolveState(ctx, req.State, req.ClientIP)
	if ferr != nil {
		return "", ferr
	}

	// Upstream denial or failure is relayed verbatim to the client.
	if req.Error != "" {
		p.Logger.Info("Upstream returned authorization error",
			"client_id", state.ClientID,
			"error", req.Error)
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure(state.ClientID, req.ClientIP, "upstream_error: "+req.Error)
		}
		if p.Metrics != nil {
			p.Metrics.RecordCallbackProcessed(ctx, state.ClientID, false)
		}
		params := url.Values{"error": {req.Error}}
		if req.ErrorDescription != "" {
			params.Set("error_description", req.ErrorDescription)
		}
		return p.clientRedirect(state, params)
	}

	if req.Code == "" {
		if p.Metrics != nil {
			p.Metrics.RecordCallbackProcessed(ctx, state.ClientID, false)
		}
		return p.clientRedirect(state, url.Values{
			"error":             {ErrorCodeServerError},
			"error_description": {"upstream returned no authorization code"},
		})
	}

	start := time.Now()
	upstreamToken, err := p.provider.ExchangeCode(ctx, req.Code, state.UpstreamVerifier)
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamCall(ctx, p.provider.Name(), "exchange_code",
			float64(time.Since(start).Milliseconds()), err)
	}
	if err != nil {
		p.Logger.Error("Upstream code exchange failed",
			"client_id", state.ClientID,
			"issuer", p.provider.Name(),
			"error", err)
		if p.Auditor != nil {
			p.Auditor.LogUpstreamExchangeFailed(state.ClientID, req.ClientIP, p.provider.Name())
		}
		if p.Metrics != nil {
			p.Metrics.RecordCallbackProcessed(ctx, state.ClientID, false)
		}
		// Generic error to the client; details stay in the logs.
		return p.clientRedirect(state, url.Values{"error": {ErrorCodeServerError}})
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		Scope:               state.Scope,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		UpstreamToken:       upstreamToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl(p.Config.AuthorizationCodeTTL)),
	}
	start = time.Now()
	err = p.flowStore.SaveAuthorizationCode(ctx, authCode)
	p.recordStorage(ctx, "save_authorization_code", start, err)
	if err != nil {
		p.Logger.Error("Failed to save authorization code", "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordCallbackProcessed(ctx, state.ClientID, false)
		}
		return p.clientRedirect(state, url.Values{"error": {ErrorCodeServerError}})
	}

	if p.Auditor != nil {
		p.Auditor.LogCodeIssued(state.ClientID, req.ClientIP)
	}
	if p.Metrics != nil {
		p.Metrics.RecordCodeMinted(ctx, state.ClientID)
		p.Metrics.RecordCallbackProcessed(ctx, state.ClientID, true)
	}

	p.Logger.Debug("Authorization code minted",
		"client_id", state.ClientID,
		"code_prefix", safeTruncate(authCode.Code, tokenIDLogLength))

	return p.clientRedirect(state, url.Values{"code": {authCode.Code}})
}

// Exchange handles a token-endpoint request, dispatching on grant type.
func (p *Proxy) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return p.exchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return p.refreshAccessToken(ctx, req)
	case "":
		return nil, flowError(ErrorCodeInvalidRequest, "grant_type is required")
	default:
		return nil, flowError(ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("unsupported grant_type: %s", req.GrantType))
	}
}

// exchangeAuthorizationCode redeems a minted code for the upstream tokens it
// stands in for. The take is atomic: a second redemption of the same code
// observes absence, which is treated as a replay.
func (p *Proxy) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "code is required")
	}
	if err := p.authenticateClient(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	authCode, err := p.flowStore.TakeAuthorizationCode(ctx, req.Code)
	p.recordStorage(ctx, "take_authorization_code", start, err)
	if err != nil {
		// Absence covers both never-minted and already-redeemed codes; the
		// single-use take cannot tell them apart, so both are logged as a
		// potential replay and answered generically per RFC 6749.
		p.Logger.Debug("Authorization code redemption failed",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenIDLogLength),
			"reason", err.Error())
		if errors.Is(err, storage.ErrCodeNotFound) {
			if p.Auditor != nil {
				p.Auditor.LogCodeReplayDetected(req.ClientID, req.ClientIP, safeTruncate(req.Code, tokenIDLogLength))
			}
			if p.Metrics != nil {
				p.Metrics.RecordCodeReplayDetected(ctx)
			}
		}
		return nil, flowError(ErrorCodeInvalidGrant, "invalid authorization code")
	}

	if req.ClientID != "" && authCode.ClientID != req.ClientID {
		p.Logger.Debug("Authorization code bound to different client",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", req.ClientID)
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "client_id_mismatch")
		}
		return nil, flowError(ErrorCodeInvalidGrant, "invalid authorization code")
	}

	if authCode.RedirectURI != req.RedirectURI {
		p.Logger.Debug("Authorization code redirect URI mismatch",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenIDLogLength))
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		}
		return nil, flowError(ErrorCodeInvalidGrant, "redirect_uri does not match authorization request")
	}

	// A stored challenge makes the verifier mandatory: absent is a malformed
	// request, mismatched is an invalid grant.
	if authCode.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, flowError(ErrorCodeInvalidRequest, "code_verifier is required")
		}
		if err := pkce.Verify(authCode.CodeChallengeMethod, req.CodeVerifier, authCode.CodeChallenge); err != nil {
			if p.Auditor != nil {
				p.Auditor.LogPKCEFailure(req.ClientID, req.ClientIP, req.CodeVerifier)
			}
			if p.Metrics != nil {
				p.Metrics.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
			}
			return nil, flowError(ErrorCodeInvalidGrant, "PKCE verification failed")
		}
	}

	token := p.issueToken(ctx, authCode.ClientID, authCode.Scope, authCode.UpstreamToken)

	if p.Metrics != nil {
		p.Metrics.RecordCodeRedeemed(ctx, authCode.ClientID, authCode.CodeChallengeMethod)
	}

	return &TokenResponse{Token: token, Scope: authCode.Scope}, nil
}

// refreshAccessToken forwards a refresh grant upstream. In wrap mode the
// presented token is a gateway-minted one resolved (and consumed) through
// the refresh store; absence there means the token was already rotated.
func (p *Proxy) refreshAccessToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "refresh_token is required")
	}
	if err := p.authenticateClient(ctx, req); err != nil {
		return nil, err
	}

	wrapping := p.Config.WrapRefreshTokens && p.refreshStore != nil
	upstreamRefresh := req.RefreshToken
	clientID := req.ClientID

	if wrapping {
		start := time.Now()
		rec, err := p.refreshStore.TakeRefreshTokenRecord(ctx, req.RefreshToken)
		p.recordStorage(ctx, "take_refresh_token_record", start, err)
		if err != nil {
			p.Logger.Warn("Refresh token not found or already rotated",
				"client_id", req.ClientID,
				"token_prefix", safeTruncate(req.RefreshToken, tokenIDLogLength))
			if errors.Is(err, storage.ErrRefreshTokenNotFound) {
				if p.Auditor != nil {
					p.Auditor.LogRefreshReplayDetected(req.ClientID, req.ClientIP)
				}
				if p.Metrics != nil {
					p.Metrics.RecordRefreshReplayDetected(ctx)
				}
			}
			return nil, flowError(ErrorCodeInvalidGrant, "invalid refresh token")
		}
		if req.ClientID != "" && rec.ClientID != req.ClientID {
			if p.Auditor != nil {
				p.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "refresh_token_client_mismatch")
			}
			return nil, flowError(ErrorCodeInvalidGrant, "invalid refresh token")
		}
		upstreamRefresh = rec.UpstreamToken
		clientID = rec.ClientID
	}

	start := time.Now()
	upstreamToken, err := p.provider.RefreshToken(ctx, upstreamRefresh)
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamCall(ctx, p.provider.Name(), "refresh_token",
			float64(time.Since(start).Milliseconds()), err)
	}
	if err != nil {
		p.Logger.Error("Upstream token refresh failed",
			"client_id", clientID,
			"issuer", p.provider.Name(),
			"error", err)
		if p.Auditor != nil {
			p.Auditor.LogUpstreamExchangeFailed(clientID, req.ClientIP, p.provider.Name())
		}
		return nil, flowError(ErrorCodeInvalidGrant, "refresh token rejected by upstream")
	}

	// Upstream rotation is optional: keep the presented upstream token when
	// the response carries no replacement.
	if upstreamToken.RefreshToken == "" {
		tok := *upstreamToken
		tok.RefreshToken = upstreamRefresh
		upstreamToken = &tok
	}

	token := p.issueToken(ctx, clientID, "", upstreamToken)

	if p.Metrics != nil {
		p.Metrics.RecordTokenRefresh(ctx, clientID, wrapping)
	}

	scope, _ := upstreamToken.Extra("scope").(string)
	return &TokenResponse{Token: token, Scope: scope}, nil
}

// issueToken builds the gateway's bearer response from an upstream token,
// wrapping the refresh token when wrap mode is on and recording the local
// bearer session when a token store is configured. The upstream token is
// copied, never mutated: the stored AuthorizationCode may still reference it.
func (p *Proxy) issueToken(ctx context.Context, clientID, scope string, upstream *oauth2.Token) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  upstream.AccessToken,
		RefreshToken: upstream.RefreshToken,
		TokenType:    upstream.TokenType,
		Expiry:       upstream.Expiry,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if token.Expiry.IsZero() {
		token.Expiry = time.Now().Add(ttl(p.Config.AccessTokenTTL))
	}

	if p.Config.WrapRefreshTokens && p.refreshStore != nil && token.RefreshToken != "" {
		minted := generateRandomToken()
		now := time.Now()
		rec := &storage.RefreshTokenRecord{
			Token:         minted,
			ClientID:      clientID,
			UpstreamToken: token.RefreshToken,
			IssuedAt:      now,
			ExpiresAt:     now.Add(ttl(p.Config.RefreshTokenTTL)),
		}
		start := time.Now()
		err := p.refreshStore.SaveRefreshTokenRecord(ctx, rec)
		p.recordStorage(ctx, "save_refresh_token_record", start, err)
		if err != nil {
			// Pass the upstream token through rather than strand the client
			// without a refresh token.
			p.Logger.Warn("Failed to save wrapped refresh token", "error", err)
		} else {
			token.RefreshToken = minted
		}
	}

	if p.tokenStore != nil {
		info := &storage.TokenInfo{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenType:    token.TokenType,
			Scope:        scope,
			ExpiresAt:    token.Expiry,
		}
		start := time.Now()
		err := p.tokenStore.SaveTokenInfo(ctx, info)
		p.recordStorage(ctx, "save_token_info", start, err)
		if err != nil {
			p.Logger.Warn("Failed to save bearer session", "error", err)
		}
	}

	return token
}

// authenticateClient enforces the optional registered-client check. Without
// a client store the token endpoint runs in open pass-through mode and the
// presented client_id is taken at face value.
func (p *Proxy) authenticateClient(ctx context.Context, req *TokenRequest) error {
	if p.clientStore == nil {
		return nil
	}
	if req.ClientID == "" {
		return flowError(ErrorCodeInvalidClient, "client_id is required")
	}
	if _, err := p.clientStore.GetClient(ctx, req.ClientID); err != nil {
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "unknown_client")
		}
		return flowError(ErrorCodeInvalidClient, "unknown client")
	}
	if err := p.clientStore.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
		p.Logger.Debug("Client authentication failed", "client_id", req.ClientID)
		if p.Auditor != nil {
			p.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_client_secret")
		}
		return flowError(ErrorCodeInvalidClient, "client authentication failed")
	}
	return nil
}

// clientRedirect builds the redirect back to the client, preserving any
// query the registered redirect URI already carries and echoing the client's
// state only when one was supplied.
func (p *Proxy) clientRedirect(state *storage.AuthorizationState, params url.Values) (string, error) {
	u, err := url.Parse(state.RedirectURI)
	if err != nil {
		// The URI was validated at flow start; a parse failure here means
		// storage corruption.
		return "", flowError(ErrorCodeServerError, "invalid stored redirect URI")
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	if state.ClientState != "" {
		q.Set("state", state.ClientState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
