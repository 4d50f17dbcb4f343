package security

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("IsEnabled() = false with key set")
	}

	tests := []string{
		"",
		"short",
		"a-refresh-token-with-some-length-to-it-1234567890",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range tests {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(plaintext), err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Errorf("ciphertext equals plaintext")
		}

		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if opened != plaintext {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(opened), len(plaintext))
		}
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	a, _ := enc.Encrypt("same plaintext")
	b, _ := enc.Encrypt("same plaintext")
	if a == b {
		t.Error("two encryptions produced identical ciphertext (nonce reuse)")
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil): %v", err)
	}
	if enc.IsEnabled() {
		t.Error("IsEnabled() = true without key")
	}

	sealed, err := enc.Encrypt("plaintext")
	if err != nil || sealed != "plaintext" {
		t.Errorf("disabled Encrypt = (%q, %v), want identity", sealed, err)
	}
	opened, err := enc.Decrypt("plaintext")
	if err != nil || opened != "plaintext" {
		t.Errorf("disabled Decrypt = (%q, %v), want identity", opened, err)
	}
}

func TestNewEncryptorBadKeyLength(t *testing.T) {
	for _, n := range []int{1, 16, 31, 33, 64} {
		if _, err := NewEncryptor(make([]byte, n)); err == nil {
			t.Errorf("NewEncryptor accepted %d-byte key", n)
		}
	}
}

func TestDecryptTampered(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	sealed, err := enc.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip a character in the base64 payload
	tampered := []byte(sealed)
	if tampered[len(tampered)-2] == 'A' {
		tampered[len(tampered)-2] = 'B'
	} else {
		tampered[len(tampered)-2] = 'A'
	}

	if _, err := enc.Decrypt(string(tampered)); err == nil {
		t.Error("Decrypt accepted tampered ciphertext")
	}

	if _, err := enc.Decrypt("not base64!!!"); err == nil {
		t.Error("Decrypt accepted invalid base64")
	}
	if _, err := enc.Decrypt("c2hvcnQ="); err == nil {
		t.Error("Decrypt accepted ciphertext shorter than nonce")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	enc1, _ := NewEncryptor(key1)
	enc2, _ := NewEncryptor(key2)

	sealed, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(sealed); err == nil {
		t.Error("Decrypt succeeded with wrong key")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64: %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("key round trip mismatch")
	}

	if _, err := KeyFromBase64("!!!"); err == nil {
		t.Error("KeyFromBase64 accepted invalid base64")
	}
	if _, err := KeyFromBase64(KeyToBase64(make([]byte, 16))); err == nil {
		t.Error("KeyFromBase64 accepted 16-byte key")
	}
}
