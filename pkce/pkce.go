// Package pkce implements RFC 7636 Proof Key for Code Exchange: verifier
// generation, S256 challenge derivation, and verifier-against-challenge
// verification. It is pure computation with no external state, shared by the
// authorization flow on both the client-facing and upstream-facing legs.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Code challenge methods defined by RFC 7636.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// verifierEntropyBytes is the number of random octets behind a generated
// verifier. 32 bytes encode to exactly 43 base64url characters, the RFC
// minimum.
const verifierEntropyBytes = 32

// GenerateVerifier returns a new cryptographically random code verifier:
// 32 random bytes encoded as unpadded base64url (43 characters).
// It panics only if the system RNG fails, which indicates an unrecoverable
// platform-level fault.
func GenerateVerifier() string {
	b := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ChallengeS256 derives the S256 code challenge for a verifier: the unpadded
// base64url encoding of its SHA-256 digest. Deterministic, no side effects.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier checks the RFC 7636 shape of a code verifier: 43-128
// characters drawn from the unreserved set [A-Za-z0-9-._~]. Rejecting
// malformed verifiers before hashing prevents control characters or
// oversized input from reaching storage or logs.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxVerifierLength)
	}
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// Verify recomputes the challenge for the given verifier and method and
// compares it against the stored challenge. An unsupported method is a
// verification failure, never a pass. The comparison is constant-time; the
// challenge itself is not secret, but the habit is cheap and the verifier is.
func Verify(method, verifier, challenge string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is empty")
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case MethodS256:
		computed = ChallengeS256(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
