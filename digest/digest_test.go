package digest

import (
	"strings"
	"testing"
)

const rfcChallenge = `Digest realm="testrealm@host.com", qop="auth,auth-int", ` +
	`nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`

func TestParseChallenge(t *testing.T) {
	ch, err := ParseChallenge(rfcChallenge)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}

	if ch.Realm != "testrealm@host.com" {
		t.Errorf("Realm = %q", ch.Realm)
	}
	if ch.Nonce != "dcd98b7102dd2f0e8b11d0f600bfb0c093" {
		t.Errorf("Nonce = %q", ch.Nonce)
	}
	if ch.Opaque != "5ccc069c403ebaf9f0171e9517f40e41" {
		t.Errorf("Opaque = %q", ch.Opaque)
	}
	if !ch.SupportsAuth() {
		t.Error("SupportsAuth() = false, want true")
	}
}

func TestParseChallengeErrors(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"basic scheme", `Basic realm="test"`},
		{"bearer scheme", `Bearer error="invalid_token"`},
		{"missing realm", `Digest nonce="abc"`},
		{"missing nonce", `Digest realm="test"`},
		{"unsupported algorithm", `Digest realm="test", nonce="abc", algorithm=SHA-256`},
		{"unterminated quote", `Digest realm="test, nonce="abc"`},
		{"bare token", `Digest realm`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseChallenge(tt.header); err == nil {
				t.Errorf("ParseChallenge(%q) succeeded, want error", tt.header)
			}
		})
	}
}

// TestAuthorizationRFCExample verifies the worked example from RFC 2617
// section 3.5: Mufasa requesting /dir/index.html.
func TestAuthorizationRFCExample(t *testing.T) {
	ch, err := ParseChallenge(rfcChallenge)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}

	creds := Credentials{Username: "Mufasa", Password: "Circle Of Life"}
	auth, err := ch.authorization(creds, "GET", "/dir/index.html", "0a4f113b")
	if err != nil {
		t.Fatalf("authorization: %v", err)
	}

	if !strings.Contains(auth, `response="6629fae49393a05397450978507c4ef1"`) {
		t.Errorf("response digest mismatch in %q", auth)
	}
	for _, want := range []string{
		`username="Mufasa"`,
		`realm="testrealm@host.com"`,
		`uri="/dir/index.html"`,
		`qop=auth`,
		`nc=00000001`,
		`cnonce="0a4f113b"`,
		`opaque="5ccc069c403ebaf9f0171e9517f40e41"`,
	} {
		if !strings.Contains(auth, want) {
			t.Errorf("missing %s in %q", want, auth)
		}
	}
}

// Legacy RFC 2069 servers omit qop; the response is MD5(HA1:nonce:HA2).
func TestAuthorizationWithoutQOP(t *testing.T) {
	ch, err := ParseChallenge(`Digest realm="legacy", nonce="abc123"`)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}

	auth, err := ch.Authorization(Credentials{Username: "u", Password: "p"}, "POST", "/token")
	if err != nil {
		t.Fatalf("Authorization: %v", err)
	}

	if strings.Contains(auth, "qop=") {
		t.Errorf("qop directive present without server qop: %q", auth)
	}
	if strings.Contains(auth, "cnonce=") {
		t.Errorf("cnonce present without qop: %q", auth)
	}
	if !strings.Contains(auth, `response="`) {
		t.Errorf("missing response in %q", auth)
	}
}

func TestAuthorizationUnsupportedQOP(t *testing.T) {
	ch, err := ParseChallenge(`Digest realm="r", nonce="n", qop="auth-int"`)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if _, err := ch.Authorization(Credentials{Username: "u", Password: "p"}, "GET", "/"); err == nil {
		t.Error("Authorization accepted qop=auth-int, want error")
	}
}

func TestAuthorizationFreshCnoncePerCall(t *testing.T) {
	ch, err := ParseChallenge(rfcChallenge)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}

	creds := Credentials{Username: "u", Password: "p"}
	a, err := ch.Authorization(creds, "GET", "/")
	if err != nil {
		t.Fatalf("Authorization: %v", err)
	}
	b, err := ch.Authorization(creds, "GET", "/")
	if err != nil {
		t.Fatalf("Authorization: %v", err)
	}
	if a == b {
		t.Error("two authorizations produced identical cnonces")
	}
}
