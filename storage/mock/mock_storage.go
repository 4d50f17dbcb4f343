// Package mock provides a configurable in-memory implementation of the
// storage interfaces for testing. Every operation can be overridden with a
// function field to inject failures, and call counts are recorded so tests
// can assert how the flow orchestrator drives storage.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/credgate/credgate/storage"
)

// Store is a mock implementation of all storage interfaces.
// Zero-value function fields fall through to a map-backed default.
type Store struct {
	mu          sync.Mutex
	authStates  map[string]*storage.AuthorizationState
	authCodes   map[string]*storage.AuthorizationCode
	refreshRecs map[string]*storage.RefreshTokenRecord
	tokens      map[string]*storage.TokenInfo
	clients     map[string]*storage.Client

	SaveStateFunc      func(ctx context.Context, state *storage.AuthorizationState) error
	GetStateFunc       func(ctx context.Context, id string) (*storage.AuthorizationState, error)
	DeleteStateFunc    func(ctx context.Context, id string) error
	SaveCodeFunc       func(ctx context.Context, code *storage.AuthorizationCode) error
	TakeCodeFunc       func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveRefreshFunc    func(ctx context.Context, rec *storage.RefreshTokenRecord) error
	TakeRefreshFunc    func(ctx context.Context, token string) (*storage.RefreshTokenRecord, error)
	SaveTokenInfoFunc  func(ctx context.Context, info *storage.TokenInfo) error
	GetTokenInfoFunc   func(ctx context.Context, accessToken string) (*storage.TokenInfo, error)
	DeleteTokenFunc    func(ctx context.Context, accessToken string) error
	SaveClientFunc     func(ctx context.Context, client *storage.Client) error
	GetClientFunc      func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateSecretFunc func(ctx context.Context, clientID, secret string) error

	CallCounts map[string]int
}

// Compile-time interface checks.
var (
	_ storage.FlowStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.TokenStore        = (*Store)(nil)
	_ storage.ClientStore       = (*Store)(nil)
)

// New creates a mock store with map-backed defaults.
func New() *Store {
	return &Store{
		authStates:  make(map[string]*storage.AuthorizationState),
		authCodes:   make(map[string]*storage.AuthorizationCode),
		refreshRecs: make(map[string]*storage.RefreshTokenRecord),
		tokens:      make(map[string]*storage.TokenInfo),
		clients:     make(map[string]*storage.Client),
		CallCounts:  make(map[string]int),
	}
}

func (m *Store) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[op]++
}

// Calls returns how many times an operation was invoked.
func (m *Store) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[op]
}

// SaveAuthorizationState implements storage.FlowStore.
func (m *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	m.record("SaveAuthorizationState")
	if m.SaveStateFunc != nil {
		return m.SaveStateFunc(ctx, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authStates[state.ID] = state
	return nil
}

// GetAuthorizationState implements storage.FlowStore.
func (m *Store) GetAuthorizationState(ctx context.Context, id string) (*storage.AuthorizationState, error) {
	m.record("GetAuthorizationState")
	if m.GetStateFunc != nil {
		return m.GetStateFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.authStates[id]
	if !ok || time.Now().After(state.ExpiresAt) {
		return nil, storage.ErrStateNotFound
	}
	return state, nil
}

// DeleteAuthorizationState implements storage.FlowStore.
func (m *Store) DeleteAuthorizationState(ctx context.Context, id string) error {
	m.record("DeleteAuthorizationState")
	if m.DeleteStateFunc != nil {
		return m.DeleteStateFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authStates, id)
	return nil
}

// SaveAuthorizationCode implements storage.FlowStore.
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveCodeFunc != nil {
		return m.SaveCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCodes[code.Code] = code
	return nil
}

// TakeAuthorizationCode implements storage.FlowStore.
func (m *Store) TakeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("TakeAuthorizationCode")
	if m.TakeCodeFunc != nil {
		return m.TakeCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	delete(m.authCodes, code)
	if time.Now().After(rec.ExpiresAt) {
		return nil, storage.ErrCodeNotFound
	}
	return rec, nil
}

// SaveRefreshTokenRecord implements storage.RefreshTokenStore.
func (m *Store) SaveRefreshTokenRecord(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	m.record("SaveRefreshTokenRecord")
	if m.SaveRefreshFunc != nil {
		return m.SaveRefreshFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshRecs[rec.Token] = rec
	return nil
}

// TakeRefreshTokenRecord implements storage.RefreshTokenStore.
func (m *Store) TakeRefreshTokenRecord(ctx context.Context, token string) (*storage.RefreshTokenRecord, error) {
	m.record("TakeRefreshTokenRecord")
	if m.TakeRefreshFunc != nil {
		return m.TakeRefreshFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refreshRecs[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	delete(m.refreshRecs, token)
	if time.Now().After(rec.ExpiresAt) {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return rec, nil
}

// SaveTokenInfo implements storage.TokenStore.
func (m *Store) SaveTokenInfo(ctx context.Context, info *storage.TokenInfo) error {
	m.record("SaveTokenInfo")
	if m.SaveTokenInfoFunc != nil {
		return m.SaveTokenInfoFunc(ctx, info)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[info.AccessToken] = info
	return nil
}

// GetTokenInfo implements storage.TokenStore.
func (m *Store) GetTokenInfo(ctx context.Context, accessToken string) (*storage.TokenInfo, error) {
	m.record("GetTokenInfo")
	if m.GetTokenInfoFunc != nil {
		return m.GetTokenInfoFunc(ctx, accessToken)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if time.Now().After(info.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return info, nil
}

// DeleteTokenInfo implements storage.TokenStore.
func (m *Store) DeleteTokenInfo(ctx context.Context, accessToken string) error {
	m.record("DeleteTokenInfo")
	if m.DeleteTokenFunc != nil {
		return m.DeleteTokenFunc(ctx, accessToken)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, accessToken)
	return nil
}

// SaveClient implements storage.ClientStore.
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ClientID] = client
	return nil
}

// GetClient implements storage.ClientStore.
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

// ValidateClientSecret implements storage.ClientStore. The default accepts
// any secret for a registered client; override ValidateSecretFunc to test
// rejection paths.
func (m *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	m.record("ValidateClientSecret")
	if m.ValidateSecretFunc != nil {
		return m.ValidateSecretFunc(ctx, clientID, secret)
	}
	if _, err := m.GetClient(ctx, clientID); err != nil {
		return err
	}
	return nil
}
