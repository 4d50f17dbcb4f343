// Package memory provides an in-process implementation of the storage
// contracts for single-instance deployments and tests. A background sweeper
// evicts expired entries; reads additionally enforce TTL themselves so an
// entry is never visible past its expiry, swept or not.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/credgate/credgate/storage"
)

// tokenIDLogLength is the number of characters of a token or code included
// in debug logs. Enough to correlate, not enough to redeem.
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.Mutex

	authStates  map[string]*storage.AuthorizationState
	authCodes   map[string]*storage.AuthorizationCode
	refreshRecs map[string]*storage.RefreshTokenRecord
	tokens      map[string]*storage.TokenInfo
	clients     map[string]*storage.Client

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.FlowStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.TokenStore        = (*Store)(nil)
	_ storage.ClientStore       = (*Store)(nil)
)

// New creates an in-memory store with the default sweep interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom sweep interval.
// A non-positive interval falls back to the default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		authStates:      make(map[string]*storage.AuthorizationState),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshRecs:     make(map[string]*storage.RefreshTokenRecord),
		tokens:          make(map[string]*storage.TokenInfo),
		clients:         make(map[string]*storage.Client),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop terminates the background sweeper. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// FlowStore
// ============================================================

// SaveAuthorizationState stores a pending flow, silently overwriting a
// reused key.
func (s *Store) SaveAuthorizationState(_ context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("invalid authorization state")
	}
	if !state.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("authorization state already expired")
	}

	cp := *state
	s.mu.Lock()
	s.authStates[state.ID] = &cp
	s.mu.Unlock()

	s.logger.Debug("Saved authorization state", "state_id", safeTruncate(state.ID, tokenIDLogLength))
	return nil
}

// GetAuthorizationState returns a state without deleting it.
func (s *Store) GetAuthorizationState(_ context.Context, id string) (*storage.AuthorizationState, error) {
	s.mu.Lock()
	state, ok := s.authStates[id]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrStateNotFound, safeTruncate(id, tokenIDLogLength))
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization state", storage.ErrExpired)
	}

	cp := *state
	return &cp, nil
}

// DeleteAuthorizationState removes a state. Idempotent.
func (s *Store) DeleteAuthorizationState(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.authStates, id)
	s.mu.Unlock()
	return nil
}

// SaveAuthorizationCode stores a minted code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if !code.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("authorization code already expired")
	}

	cp := *code
	s.mu.Lock()
	s.authCodes[code.Code] = &cp
	s.mu.Unlock()

	s.logger.Debug("Saved authorization code", "code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// TakeAuthorizationCode atomically returns and removes a code. The check and
// delete happen under one lock acquisition, so a racing second caller
// observes absence.
func (s *Store) TakeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	authCode, ok := s.authCodes[code]
	if ok {
		delete(s.authCodes, code)
	}
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	}

	s.logger.Debug("Took authorization code", "code_prefix", safeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshTokenRecord stores a wrapped refresh token mapping.
func (s *Store) SaveRefreshTokenRecord(_ context.Context, rec *storage.RefreshTokenRecord) error {
	if rec == nil || rec.Token == "" {
		return fmt.Errorf("invalid refresh token record")
	}

	cp := *rec
	s.mu.Lock()
	s.refreshRecs[rec.Token] = &cp
	s.mu.Unlock()
	return nil
}

// TakeRefreshTokenRecord atomically returns and removes a record. Absence
// after a prior take indicates replay of a rotated token.
func (s *Store) TakeRefreshTokenRecord(_ context.Context, token string) (*storage.RefreshTokenRecord, error) {
	s.mu.Lock()
	rec, ok := s.refreshRecs[token]
	if ok {
		delete(s.refreshRecs, token)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: not found or already rotated", storage.ErrRefreshTokenNotFound)
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrExpired)
	}
	return rec, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveTokenInfo stores a bearer session keyed by access token.
func (s *Store) SaveTokenInfo(_ context.Context, info *storage.TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("invalid token info")
	}

	cp := *info
	s.mu.Lock()
	s.tokens[info.AccessToken] = &cp
	s.mu.Unlock()
	return nil
}

// GetTokenInfo returns a bearer session, enforcing expiry.
func (s *Store) GetTokenInfo(_ context.Context, accessToken string) (*storage.TokenInfo, error) {
	s.mu.Lock()
	info, ok := s.tokens[accessToken]
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		return nil, fmt.Errorf("%w: bearer session", storage.ErrExpired)
	}

	cp := *info
	return &cp, nil
}

// DeleteTokenInfo removes a bearer session. Idempotent.
func (s *Store) DeleteTokenInfo(_ context.Context, accessToken string) error {
	s.mu.Lock()
	delete(s.tokens, accessToken)
	s.mu.Unlock()
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient saves a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	s.mu.Lock()
	s.clients[client.ClientID] = &cp
	s.mu.Unlock()
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	return &cp, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.ClientSecretHash == "" {
		// Public client, no secret to check
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ============================================================
// Sweeper
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup evicts expired entries. Reads enforce TTL independently, so the
// sweep is purely about reclaiming memory.
func (s *Store) cleanup() {
	now := time.Now()
	var states, codes, refresh, tokens int

	s.mu.Lock()
	for id, st := range s.authStates {
		if now.After(st.ExpiresAt) {
			delete(s.authStates, id)
			states++
		}
	}
	for c, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, c)
			codes++
		}
	}
	for tok, rec := range s.refreshRecs {
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			delete(s.refreshRecs, tok)
			refresh++
		}
	}
	for tok, info := range s.tokens {
		if !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt) {
			delete(s.tokens, tok)
			tokens++
		}
	}
	s.mu.Unlock()

	if states+codes+refresh+tokens > 0 {
		s.logger.Debug("Swept expired entries",
			"states", states,
			"codes", codes,
			"refresh_records", refresh,
			"bearer_sessions", tokens)
	}
}

// safeTruncate returns at most maxLen leading characters of s without
// panicking on short input.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
