// Package digest implements HTTP Digest access authentication (RFC 2617)
// for outbound requests. Some upstream credential issuers protect their
// token endpoints with Digest rather than Basic or body-parameter client
// authentication, so the gateway needs a client-side implementation.
//
// Only the MD5 algorithm with optional qop="auth" is supported, which is
// what RFC 2617 defines and what deployed Digest servers speak.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Challenge holds the fields of a WWW-Authenticate: Digest header.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       string
}

// ParseChallenge parses a WWW-Authenticate header value into a Challenge.
// The scheme must be "Digest" and realm and nonce must be present.
func ParseChallenge(header string) (*Challenge, error) {
	const scheme = "Digest"

	header = strings.TrimSpace(header)
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return nil, fmt.Errorf("unsupported authentication scheme in challenge: %q", firstToken(header))
	}

	params, err := parseParams(header[len(scheme):])
	if err != nil {
		return nil, err
	}

	ch := &Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
		QOP:       params["qop"],
	}

	if ch.Realm == "" {
		return nil, fmt.Errorf("digest challenge missing realm")
	}
	if ch.Nonce == "" {
		return nil, fmt.Errorf("digest challenge missing nonce")
	}
	if ch.Algorithm != "" && !strings.EqualFold(ch.Algorithm, "MD5") {
		return nil, fmt.Errorf("unsupported digest algorithm: %q", ch.Algorithm)
	}

	return ch, nil
}

// SupportsAuth reports whether the challenge allows qop="auth". A challenge
// with no qop directive uses the older RFC 2069 response computation.
func (c *Challenge) SupportsAuth() bool {
	for _, q := range strings.Split(c.QOP, ",") {
		if strings.TrimSpace(q) == "auth" {
			return true
		}
	}
	return false
}

// Credentials are the username and password presented to the upstream.
type Credentials struct {
	Username string
	Password string
}

// Authorization computes the Authorization header value for a request with
// the given method and request-URI against this challenge.
//
// With qop="auth" the response is
//
//	MD5(HA1:nonce:nc:cnonce:auth:HA2)
//
// and without qop it falls back to MD5(HA1:nonce:HA2), where
// HA1 = MD5(username:realm:password) and HA2 = MD5(method:uri).
func (c *Challenge) Authorization(creds Credentials, method, uri string) (string, error) {
	var cnonce string
	if c.SupportsAuth() {
		var err error
		if cnonce, err = newCnonce(); err != nil {
			return "", err
		}
	}
	return c.authorization(creds, method, uri, cnonce)
}

// authorization is Authorization with the cnonce supplied by the caller.
func (c *Challenge) authorization(creds Credentials, method, uri, cnonce string) (string, error) {
	if c.QOP != "" && !c.SupportsAuth() {
		return "", fmt.Errorf("no supported qop in digest challenge: %q", c.QOP)
	}

	ha1 := md5Hex(creds.Username + ":" + c.Realm + ":" + creds.Password)
	ha2 := md5Hex(method + ":" + uri)

	var sb strings.Builder
	sb.WriteString(`Digest username="` + escape(creds.Username) + `"`)
	sb.WriteString(`, realm="` + escape(c.Realm) + `"`)
	sb.WriteString(`, nonce="` + escape(c.Nonce) + `"`)
	sb.WriteString(`, uri="` + escape(uri) + `"`)

	var response string
	if c.SupportsAuth() {
		const nc = "00000001"
		response = md5Hex(ha1 + ":" + c.Nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
		sb.WriteString(`, qop=auth`)
		sb.WriteString(`, nc=` + nc)
		sb.WriteString(`, cnonce="` + cnonce + `"`)
	} else {
		response = md5Hex(ha1 + ":" + c.Nonce + ":" + ha2)
	}

	sb.WriteString(`, response="` + response + `"`)
	if c.Opaque != "" {
		sb.WriteString(`, opaque="` + escape(c.Opaque) + `"`)
	}
	sb.WriteString(`, algorithm=MD5`)

	return sb.String(), nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newCnonce returns 16 random bytes hex-encoded.
func newCnonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate cnonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

// parseParams parses the comma-separated auth-param list of a challenge.
// Values may be quoted strings with backslash escapes or plain tokens.
func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			break
		}

		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed digest challenge parameter: %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			var sb strings.Builder
			i := 1
			for ; i < len(s); i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
					sb.WriteByte(s[i])
					continue
				}
				if s[i] == '"' {
					break
				}
				sb.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated quoted string in digest challenge")
			}
			value = sb.String()
			s = s[i+1:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		params[key] = value
	}
	return params, nil
}
