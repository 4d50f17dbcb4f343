package credgate

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/credgate/credgate/pkce"
	providermock "github.com/credgate/credgate/providers/mock"
	"github.com/credgate/credgate/server"
	storagemock "github.com/credgate/credgate/storage/mock"
)

const testRedirectURI = "https://client.example.com/cb"

func newTestHandler(t *testing.T, cfg *Config, serverCfg *server.Config) (*Handler, *storagemock.Store, *providermock.Provider) {
	t.Helper()
	store := storagemock.New()
	prov := providermock.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	proxy, err := server.New(prov, store, serverCfg, logger)
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	proxy.SetRefreshTokenStore(store)
	proxy.SetTokenStore(store)

	handler, err := NewHandler(proxy, cfg, logger)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, store, prov
}

func locationParam(t *testing.T, rec *httptest.ResponseRecorder, key string) string {
	t.Helper()
	loc := rec.Header().Get("Location")
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("failed to parse Location %q: %v", loc, err)
	}
	return u.Query().Get(key)
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func authorizeQuery(verifier string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"client-1"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read"},
		"state":                 {"client-csrf-state"},
		"code_challenge":        {pkce.ChallengeS256(verifier)},
		"code_challenge_method": {pkce.MethodS256},
	}
}

// mintCodeOverHTTP drives /authorize and /callback, returning the code
// delivered to the client redirect URI.
func mintCodeOverHTTP(t *testing.T, h *Handler, prov *providermock.Provider, verifier string) string {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery(verifier).Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize returned %d: %s", rec.Code, rec.Body.String())
	}

	callbackQuery := url.Values{"state": {prov.LastState}, "code": {"upstream-code"}}
	rec = httptest.NewRecorder()
	h.ServeCallback(rec, httptest.NewRequest(http.MethodGet, PathCallback+"?"+callbackQuery.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback returned %d: %s", rec.Code, rec.Body.String())
	}

	code := locationParam(t, rec, "code")
	if code == "" {
		t.Fatalf("callback redirect carries no code: %s", rec.Header().Get("Location"))
	}
	if got := locationParam(t, rec, "state"); got != "client-csrf-state" {
		t.Fatalf("callback redirect echoes state %q", got)
	}
	return code
}

func postToken(h *Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)
	return rec
}

func redeemForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {"client-1"},
	}
}

func TestFullFlowOverHTTP(t *testing.T) {
	h, _, prov := newTestHandler(t, nil, nil)

	verifier := pkce.GenerateVerifier()
	code := mintCodeOverHTTP(t, h, prov, verifier)

	rec := postToken(h, redeemForm(code, verifier))
	if rec.Code != http.StatusOK {
		t.Fatalf("token endpoint returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("token response Cache-Control = %q, want no-store", got)
	}

	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("token response carries no access_token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want positive", resp.ExpiresIn)
	}
	if resp.Scope != "read" {
		t.Errorf("scope = %q, want read", resp.Scope)
	}
}

func TestTokenCodeSingleUse(t *testing.T) {
	h, _, prov := newTestHandler(t, nil, nil)

	verifier := pkce.GenerateVerifier()
	code := mintCodeOverHTTP(t, h, prov, verifier)

	if rec := postToken(h, redeemForm(code, verifier)); rec.Code != http.StatusOK {
		t.Fatalf("first redemption returned %d", rec.Code)
	}

	rec := postToken(h, redeemForm(code, verifier))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second redemption returned %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("second redemption error = %q, want invalid_grant", resp.Error)
	}
}

func TestTokenRedemptionValidation(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(form url.Values)
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong verifier",
			mutate:     func(f url.Values) { f.Set("code_verifier", pkce.GenerateVerifier()) },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name:       "missing verifier",
			mutate:     func(f url.Values) { f.Del("code_verifier") },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "mismatched redirect_uri",
			mutate:     func(f url.Values) { f.Set("redirect_uri", "https://evil.example.com/cb") },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name:       "unknown grant type",
			mutate:     func(f url.Values) { f.Set("grant_type", "password") },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, prov := newTestHandler(t, nil, nil)
			verifier := pkce.GenerateVerifier()
			code := mintCodeOverHTTP(t, h, prov, verifier)

			form := redeemForm(code, verifier)
			tt.mutate(form)

			rec := postToken(h, form)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if resp := decodeErrorResponse(t, rec); resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestTokenJSONBody(t *testing.T) {
	h, _, prov := newTestHandler(t, nil, nil)

	verifier := pkce.GenerateVerifier()
	code := mintCodeOverHTTP(t, h, prov, verifier)

	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  testRedirectURI,
		"code_verifier": verifier,
		"client_id":     "client-1",
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("JSON token request returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTokenMalformedBody(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(`{"grant_type": 42}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body returned %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want invalid_request", resp.Error)
	}
}

func TestTokenMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeToken(rec, httptest.NewRequest(http.MethodGet, PathToken, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /token returned %d, want 405", rec.Code)
	}
}

func TestAuthorizeErrorRedirect(t *testing.T) {
	// Scope failures happen after redirect URI validation, so the error is
	// relayed to the client instead of rendered terminally.
	h, _, _ := newTestHandler(t, nil, &server.Config{
		RequirePKCE:     true,
		SupportedScopes: []string{"read"},
	})

	q := authorizeQuery(pkce.GenerateVerifier())
	q.Set("scope", "admin")
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize returned %d, want 302: %s", rec.Code, rec.Body.String())
	}
	if got := locationParam(t, rec, "error"); got != ErrorCodeInvalidScope {
		t.Errorf("redirect error = %q, want invalid_scope", got)
	}
	if got := locationParam(t, rec, "state"); got != "client-csrf-state" {
		t.Errorf("redirect state = %q, want client-csrf-state", got)
	}
}

func TestAuthorizeTerminalError(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	q := authorizeQuery(pkce.GenerateVerifier())
	q.Set("redirect_uri", "javascript:alert(1)")
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("dangerous redirect_uri returned %d, want 400", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want invalid_request", resp.Error)
	}
}

func TestCallbackUnknownState(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	q := url.Values{"state": {"00000000-0000-0000-0000-000000000000:whatever"}, "code": {"upstream-code"}}
	rec := httptest.NewRecorder()
	h.ServeCallback(rec, httptest.NewRequest(http.MethodGet, PathCallback+"?"+q.Encode(), nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown state returned %d, want 400", rec.Code)
	}
}

func TestCallbackUpstreamErrorRelay(t *testing.T) {
	h, _, prov := newTestHandler(t, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery(pkce.GenerateVerifier()).Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize returned %d", rec.Code)
	}

	q := url.Values{
		"state":             {prov.LastState},
		"error":             {"access_denied"},
		"error_description": {"user declined"},
	}
	rec = httptest.NewRecorder()
	h.ServeCallback(rec, httptest.NewRequest(http.MethodGet, PathCallback+"?"+q.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("upstream error callback returned %d, want 302: %s", rec.Code, rec.Body.String())
	}
	if got := locationParam(t, rec, "error"); got != "access_denied" {
		t.Errorf("relayed error = %q, want access_denied", got)
	}
	if got := locationParam(t, rec, "state"); got != "client-csrf-state" {
		t.Errorf("relayed state = %q", got)
	}
}

func TestRefreshGrantOverHTTP(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"upstream-refresh"},
		"client_id":     {"client-1"},
	}
	rec := postToken(h, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh returned %d: %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if resp.AccessToken != "mock-refreshed-access" {
		t.Errorf("access_token = %q", resp.AccessToken)
	}
	if resp.RefreshToken != "mock-refreshed-refresh" {
		t.Errorf("refresh_token = %q", resp.RefreshToken)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, &server.Config{
		RequirePKCE:     true,
		SupportedScopes: []string{"read", "write"},
	})

	req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
	req.Host = "gateway.example.com"
	rec := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metadata returned %d", rec.Code)
	}

	var md AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&md); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if md.Issuer != "http://gateway.example.com" {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.AuthorizationEndpoint != "http://gateway.example.com/authorize" {
		t.Errorf("authorization_endpoint = %q", md.AuthorizationEndpoint)
	}
	if md.TokenEndpoint != "http://gateway.example.com/token" {
		t.Errorf("token_endpoint = %q", md.TokenEndpoint)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != pkce.MethodS256 {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", md.CodeChallengeMethodsSupported)
	}
	if len(md.ScopesSupported) != 2 {
		t.Errorf("scopes_supported = %v", md.ScopesSupported)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, PathProtectedResourceMetadata, nil)
	req.Host = "gateway.example.com"
	rec := httptest.NewRecorder()
	h.ServeProtectedResourceMetadata(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metadata returned %d", rec.Code)
	}

	var md ProtectedResourceMetadata
	if err := json.NewDecoder(rec.Body).Decode(&md); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if md.Resource != "http://gateway.example.com" {
		t.Errorf("resource = %q", md.Resource)
	}
	if len(md.AuthorizationServers) != 1 || md.AuthorizationServers[0] != md.Resource {
		t.Errorf("authorization_servers = %v", md.AuthorizationServers)
	}
}

func TestMetadataHonorsForwardedHeaders(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, &server.Config{
		RequirePKCE: true,
		TrustProxy:  true,
	})

	req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
	req.Host = "internal:8080"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "gateway.example.com")
	rec := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(rec, req)

	var md AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&md); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if md.Issuer != "https://gateway.example.com" {
		t.Errorf("issuer = %q, want https://gateway.example.com", md.Issuer)
	}
}

func TestRateLimitGate(t *testing.T) {
	h, _, _ := newTestHandler(t, &Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}}, nil)

	rec := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(rec, httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(rec, httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request returned %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response carries no Retry-After header")
	}
}

func TestRequireBearer(t *testing.T) {
	h, _, prov := newTestHandler(t, nil, nil)

	verifier := pkce.GenerateVerifier()
	code := mintCodeOverHTTP(t, h, prov, verifier)
	rec := postToken(h, redeemForm(code, verifier))
	if rec.Code != http.StatusOK {
		t.Fatalf("token endpoint returned %d", rec.Code)
	}
	var tokenResp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&tokenResp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}

	var sawSession bool
	protected := h.RequireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := TokenInfoFromContext(r.Context())
		sawSession = ok && info != nil
		w.WriteHeader(http.StatusOK)
	}))

	// No credentials.
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request returned %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, "resource_metadata") {
		t.Errorf("WWW-Authenticate = %q, want resource_metadata pointer", got)
	}

	// Bogus token.
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token returned %d, want 401", rec.Code)
	}

	// Issued token.
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token returned %d, want 200", rec.Code)
	}
	if !sawSession {
		t.Error("protected handler saw no bearer session in context")
	}
}

func TestParseTokenRequest(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     bool
		wantGrant   string
	}{
		{
			name:        "form encoded",
			contentType: "application/x-www-form-urlencoded",
			body:        "grant_type=authorization_code&code=abc",
			wantGrant:   "authorization_code",
		},
		{
			name:        "json",
			contentType: "application/json",
			body:        `{"grant_type":"refresh_token","refresh_token":"r1"}`,
			wantGrant:   "refresh_token",
		},
		{
			name:        "json with charset",
			contentType: "application/json; charset=utf-8",
			body:        `{"grant_type":"authorization_code"}`,
			wantGrant:   "authorization_code",
		},
		{
			name:        "json non-string value",
			contentType: "application/json",
			body:        `{"grant_type":true}`,
			wantErr:     true,
		},
		{
			name:        "invalid json",
			contentType: "application/json",
			body:        `{"grant_type`,
			wantErr:     true,
		},
		{
			name:        "invalid form",
			contentType: "application/x-www-form-urlencoded",
			body:        "grant_type=%zz",
			wantErr:     true,
		},
		{
			name:        "missing content type treated as form",
			contentType: "",
			body:        "grant_type=authorization_code",
			wantGrant:   "authorization_code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := parseTokenRequest(tt.contentType, strings.NewReader(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTokenRequest failed: %v", err)
			}
			if got := values.Get("grant_type"); got != tt.wantGrant {
				t.Errorf("grant_type = %q, want %q", got, tt.wantGrant)
			}
		})
	}
}

func TestBasicAuthOverridesBodyCredentials(t *testing.T) {
	h, _, prov := newTestHandler(t, nil, nil)

	verifier := pkce.GenerateVerifier()
	code := mintCodeOverHTTP(t, h, prov, verifier)

	form := redeemForm(code, verifier)
	form.Set("client_id", "body-client")

	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client-1", "")
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("token endpoint returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + PathAuthorizationServerMetadata)
	if err != nil {
		t.Fatalf("metadata request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata returned %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}
