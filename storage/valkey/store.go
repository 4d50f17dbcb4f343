// Package valkey provides a Valkey/Redis-compatible implementation of the
// storage contracts for multi-instance and serverless deployments. TTLs are
// native (SET ... EX) and one-time-take semantics ride on GETDEL, which
// returns and removes a key in a single atomic server-side command, so two
// invocations racing the same authorization code can never both win.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/credgate/credgate/security"
	"github.com/credgate/credgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "credgate:"

	// tokenIDLogLength is the number of characters to include when logging
	// token and code identifiers
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxKeyLength bounds identifiers (codes, tokens, state ids) to keep a
	// hostile client from storing oversized keys
	MaxKeyLength = 512

	// MaxRecordSize bounds serialized record size (64KB)
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "credgate:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional at-rest encryption of upstream tokens.
	// Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks.
var (
	_ storage.FlowStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.TokenStore        = (*Store)(nil)
	_ storage.ClientStore       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest. When set,
// upstream access and refresh tokens inside stored records are encrypted
// before the round trip to Valkey and decrypted on the way back.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// cryptString applies fn to v unless encryption is disabled.
func (s *Store) cryptString(v string, fn func(*security.Encryptor, string) (string, error)) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() || v == "" {
		return v, nil
	}
	return fn(enc, v)
}

func (s *Store) sealString(v string) (string, error) {
	return s.cryptString(v, (*security.Encryptor).Encrypt)
}

func (s *Store) openString(v string) (string, error) {
	return s.cryptString(v, (*security.Encryptor).Decrypt)
}

// validateKeyLength checks if an identifier exceeds the maximum allowed length
func validateKeyLength(value, fieldName string) error {
	if len(value) > MaxKeyLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes: %w", fieldName, MaxKeyLength, errInputTooLarge)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// stateKey returns the key for an authorization state: {prefix}state:{id}
func (s *Store) stateKey(id string) string {
	return fmt.Sprintf("%sstate:%s", s.prefix, id)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// refreshKey returns the key for a wrapped refresh token: {prefix}refresh:{token}
func (s *Store) refreshKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// sessionKey returns the key for a bearer session: {prefix}session:{token}
func (s *Store) sessionKey(token string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, token)
}

// clientKey returns the key for a client registration: {prefix}client:{id}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// ============================================================
// Shared Helpers
// ============================================================

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
