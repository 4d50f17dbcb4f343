package credgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/credgate/credgate/instrumentation"
	"github.com/credgate/credgate/pkce"
	"github.com/credgate/credgate/security"
	"github.com/credgate/credgate/server"
	"github.com/credgate/credgate/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// maxTokenBodyBytes bounds the token endpoint request body.
	maxTokenBodyBytes = 1 << 20
)

// Handler is the HTTP adapter for the flow orchestrator. It owns request
// parsing, wire-level error rendering, rate limiting, and metadata
// discovery; all OAuth semantics live in server.Proxy.
type Handler struct {
	proxy   *server.Proxy
	config  *Config
	limiter *security.RateLimiter
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewHandler creates an HTTP handler around the given orchestrator.
// config and logger may be nil.
func NewHandler(proxy *server.Proxy, config *Config, logger *slog.Logger) (*Handler, error) {
	if proxy == nil {
		return nil, fmt.Errorf("proxy is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		proxy:  proxy,
		config: config,
		tracer: tracenoop.NewTracerProvider().Tracer("http"),
		logger: logger,
	}

	if config.RateLimit.Rate > 0 {
		burst := config.RateLimit.Burst
		if burst <= 0 {
			burst = config.RateLimit.Rate
		}
		h.limiter = security.NewRateLimiter(config.RateLimit.Rate, burst, logger)
	}

	return h, nil
}

// SetInstrumentation enables OpenTelemetry metrics and tracing on the
// handler and the underlying orchestrator.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.proxy.SetMetrics(inst.Metrics())
	}
}

// SetRateLimiter replaces the pre-request rate limiter. Passing nil
// disables rate limiting.
func (h *Handler) SetRateLimiter(limiter *security.RateLimiter) {
	h.limiter = limiter
}

// RegisterRoutes registers all gateway endpoints on the given mux. Every
// route runs behind the request-ID middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathAuthorize, security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle(PathCallback, security.RequestIDMiddleware(http.HandlerFunc(h.ServeCallback)))
	mux.Handle(PathToken, security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle(PathAuthorizationServerMetadata, security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorizationServerMetadata)))
	mux.Handle(PathProtectedResourceMetadata, security.RequestIDMiddleware(http.HandlerFunc(h.ServeProtectedResourceMetadata)))
}

// ServeAuthorization handles GET /authorize: it validates the client's
// authorization request and redirects the user agent to the upstream
// provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics(PathAuthorize, r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "credgate.authorize")
	defer span.End()

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientIP:            clientIP,
	}
	instrumentation.AddFlowAttributes(span, req.ClientID, req.Scope)

	authURL, err := h.proxy.StartAuthorizationFlow(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeFlowError(w, r, err)
		h.recordHTTPMetrics(PathAuthorize, r.Method, status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.issuer(r))
	http.Redirect(w, r, authURL, http.StatusFound)
	h.recordHTTPMetrics(PathAuthorize, r.Method, http.StatusFound, startTime)
}

// ServeCallback handles GET /callback: the upstream provider's redirect
// back. Successful and relayed-error outcomes both redirect the user agent
// to the client; unresolvable state renders a terminal error page instead.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics(PathCallback, r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "credgate.callback")
	defer span.End()

	q := r.URL.Query()
	req := &server.CallbackRequest{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ClientIP:         clientIP,
	}

	redirectURL, err := h.proxy.HandleCallback(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeFlowError(w, r, err)
		h.recordHTTPMetrics(PathCallback, r.Method, status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.issuer(r))
	http.Redirect(w, r, redirectURL, http.StatusFound)
	h.recordHTTPMetrics(PathCallback, r.Method, http.StatusFound, startTime)
}

// ServeToken handles POST /token for the authorization_code and
// refresh_token grants. Bodies may be form-encoded or JSON; body
// normalization happens here so the orchestrator only sees parsed requests.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics(PathToken, r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "credgate.token")
	defer span.End()

	h.setCORSHeaders(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, maxTokenBodyBytes)
	form, err := parseTokenRequest(r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		h.logger.Debug("Failed to parse token request body", "error", err, "ip", clientIP)
		oauthErr := ErrInvalidRequest("malformed request body")
		instrumentation.RecordError(span, oauthErr)
		h.writeError(w, r, oauthErr)
		h.recordHTTPMetrics(PathToken, r.Method, oauthErr.Status, startTime)
		return
	}

	clientID := form.Get("client_id")
	clientSecret := form.Get("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}

	req := &server.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		ClientIP:     clientIP,
	}
	instrumentation.AddFlowAttributes(span, clientID, "")

	resp, err := h.proxy.Exchange(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		oauthErr := asOAuthError(err)
		h.writeError(w, r, oauthErr)
		h.recordHTTPMetrics(PathToken, r.Method, oauthErr.Status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, r, resp)
	h.recordHTTPMetrics(PathToken, r.Method, http.StatusOK, startTime)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server
// Metadata, derived from the incoming request's scheme and host.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	issuer := h.issuer(r)
	security.SetSecurityHeaders(w, issuer)

	methods := []string{pkce.MethodS256}
	if h.proxy.Config.AllowPKCEPlain {
		methods = append(methods, pkce.MethodPlain)
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		ScopesSupported:                   h.proxy.Config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     methods,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	issuer := h.issuer(r)
	security.SetSecurityHeaders(w, issuer)

	metadata := ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.proxy.Config.SupportedScopes,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// RequireBearer wraps a handler with local bearer-session validation. The
// validated session is attached to the request context.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			h.writeUnauthorizedError(w, r, "Missing or malformed Authorization header")
			return
		}

		info, err := h.proxy.ValidateBearerToken(r.Context(), strings.TrimPrefix(auth, prefix))
		if err != nil {
			h.writeUnauthorizedError(w, r, "Invalid or expired access token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withTokenInfo(r.Context(), info)))
	})
}

type tokenInfoContextKey struct{}

func withTokenInfo(ctx context.Context, info *storage.TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoContextKey{}, info)
}

// TokenInfoFromContext returns the bearer session attached by RequireBearer.
func TokenInfoFromContext(ctx context.Context) (*storage.TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoContextKey{}).(*storage.TokenInfo)
	return info, ok
}

// parseTokenRequest normalizes a token endpoint body into url.Values.
// Form-encoded bodies are the RFC 6749 default; JSON bodies with string
// values are accepted for clients that cannot send forms.
func parseTokenRequest(contentType string, body io.Reader) (url.Values, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	mediaType := contentType
	if mt, _, mtErr := mime.ParseMediaType(contentType); mtErr == nil {
		mediaType = mt
	}

	if mediaType == "application/json" {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("parsing JSON body: %w", err)
		}
		values := make(url.Values, len(fields))
		for key, value := range fields {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q must be a string", key)
			}
			values.Set(key, s)
		}
		return values, nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing form body: %w", err)
	}
	return values, nil
}

// checkRateLimit enforces the pre-request per-IP gate. Returns true if the
// limit was exceeded and a 429 response was written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"endpoint", r.URL.Path)

	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.proxy.Auditor != nil {
		h.proxy.Auditor.LogRateLimitExceeded("", clientIP)
	}

	w.Header().Set("Retry-After", "60")
	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// writeFlowError renders an orchestrator error. Errors validated against a
// redirect target are relayed to the client via 302; everything else is a
// terminal JSON error response. Returns the HTTP status written.
func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, err error) int {
	var flowErr *server.FlowError
	if errors.As(err, &flowErr) && flowErr.Redirectable() {
		target, buildErr := errorRedirectURL(flowErr)
		if buildErr == nil {
			security.SetSecurityHeaders(w, h.issuer(r))
			http.Redirect(w, r, target, http.StatusFound)
			return http.StatusFound
		}
		h.logger.Error("Failed to build error redirect", "error", buildErr)
	}

	oauthErr := asOAuthError(err)
	h.writeError(w, r, oauthErr)
	return oauthErr.Status
}

// errorRedirectURL builds the client redirect carrying an OAuth error per
// RFC 6749 Section 4.1.2.1.
func errorRedirectURL(flowErr *server.FlowError) (string, error) {
	target, err := url.Parse(flowErr.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}

	query := target.Query()
	query.Set("error", flowErr.Code)
	if flowErr.Description != "" {
		query.Set("error_description", flowErr.Description)
	}
	if flowErr.State != "" {
		query.Set("state", flowErr.State)
	}
	target.RawQuery = query.Encode()

	return target.String(), nil
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, r *http.Request, resp *server.TokenResponse) {
	security.SetSecurityHeaders(w, h.issuer(r))

	token := resp.Token
	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	// RFC 6749 Section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        resp.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.issuer(r))

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge
// pointing clients at the protected resource metadata (RFC 9728).
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, r *http.Request, description string) {
	security.SetSecurityHeaders(w, h.issuer(r))

	resourceMetadata := h.issuer(r) + PathProtectedResourceMetadata
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer resource_metadata=%q, error=%q, error_description=%q`,
		resourceMetadata, ErrorCodeInvalidToken, description))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeInvalidToken,
		ErrorDescription: description,
	})
}

// issuer derives the gateway's external base URL from the incoming request.
// Forwarded headers are honored only when TrustProxy is enabled.
func (h *Handler) issuer(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	if h.proxy.Config.TrustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
			host = forwardedHost
		}
	}

	return scheme + "://" + host
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.proxy.Config.TrustProxy, h.proxy.Config.TrustedProxyCount)
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than "*" and vary the cache on it.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := h.config.CORS.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

// isAllowedOrigin checks the origin against the allow list. Supports exact
// matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" {
			h.logger.Warn("⚠️  CORS: Wildcard origin (*) allows ALL origins",
				"risk", "CSRF attacks possible from any website",
				"recommendation", "Use specific origins in production")
			return true
		}
		if allowed == origin {
			return true
		}
	}
	return false
}

// recordHTTPMetrics records HTTP request metrics (total count and duration).
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}

	durationMs := time.Since(startTime).Seconds() * 1000
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
