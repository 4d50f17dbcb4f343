package generic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/credgate/credgate/instrumentation"
)

func testConfig(tokenURL string) *Config {
	return &Config{
		ClientID:     "gw-client",
		ClientSecret: "gw-secret",
		AuthURL:      "https://issuer.example/authorize",
		TokenURL:     tokenURL,
		RedirectURL:  "https://gateway.example/callback",
		Scopes:       []string{"credentials.issue"},
	}
}

func TestNewProviderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing client ID", func(c *Config) { c.ClientID = "" }},
		{"missing auth URL", func(c *Config) { c.AuthURL = "" }},
		{"missing token URL", func(c *Config) { c.TokenURL = "" }},
		{"missing redirect URL", func(c *Config) { c.RedirectURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://issuer.example/token")
			tt.mutate(cfg)
			if _, err := NewProvider(cfg); err == nil {
				t.Error("NewProvider succeeded, want error")
			}
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, err := NewProvider(testConfig("https://issuer.example/token"))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	raw := p.AuthorizationURL("state-1", "challenge-abc", "S256")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}

	q := u.Query()
	if got := q.Get("state"); got != "state-1" {
		t.Errorf("state = %q", got)
	}
	if got := q.Get("code_challenge"); got != "challenge-abc" {
		t.Errorf("code_challenge = %q", got)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q", got)
	}
	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q", got)
	}
	if got := q.Get("client_id"); got != "gw-client" {
		t.Errorf("client_id = %q", got)
	}
}

func TestAuthorizationURLWithoutPKCE(t *testing.T) {
	p, err := NewProvider(testConfig("https://issuer.example/token"))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	raw := p.AuthorizationURL("state-1", "", "")
	if strings.Contains(raw, "code_challenge") {
		t.Errorf("code_challenge present without PKCE: %q", raw)
	}
}

func TestExchangeCodeSendsVerifier(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	token, err := p.ExchangeCode(context.Background(), "code-1", "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Errorf("token = %+v", token)
	}
	if got := form.Get("code_verifier"); got != "verifier-1" {
		t.Errorf("code_verifier = %q", got)
	}
	if got := form.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q", got)
	}
}

func TestExchangeCodeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	if _, err := p.ExchangeCode(context.Background(), "bad-code", "v"); err == nil {
		t.Error("ExchangeCode succeeded on upstream rejection")
	}
}

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-old" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	token, err := p.RefreshToken(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if token.AccessToken != "at-new" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
}

// An issuer that protects its token endpoint with Digest auth: the first
// attempt is challenged, the retry carries the computed Authorization.
func TestExchangeCodeWithDigestAuth(t *testing.T) {
	var attempts int
	var firstAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			firstAuth = r.Header.Get("Authorization")
		}
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("WWW-Authenticate", `Digest realm="issuer", nonce="n1", qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Digest ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-digest","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ClientSecret = ""
	cfg.DigestUsername = "gw-client"
	cfg.DigestPassword = "digest-pass"

	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	// Retries are counted against the issuer; the recorder path must hold
	// up under a live handshake.
	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("instrumentation.New: %v", err)
	}
	p.SetMetrics(inst.Metrics())

	token, err := p.ExchangeCode(context.Background(), "code-1", "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if token.AccessToken != "at-digest" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	// The first leg must go out unauthenticated: no Basic probe ahead of
	// the Digest handshake.
	if firstAuth != "" {
		t.Errorf("first attempt carried Authorization %q, want none", firstAuth)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	cfg := testConfig("https://issuer.example/token")
	cfg.AuthURL = srv.URL
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	srv.Close()
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck succeeded against closed server")
	}
}
