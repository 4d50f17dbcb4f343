package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/credgate/credgate/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState stores pending authorization state with TTL.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil {
		return fmt.Errorf("authorization state cannot be nil")
	}
	if err := validateKeyLength(state.ID, "state ID"); err != nil {
		return err
	}

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization state is already expired")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("authorization state exceeds maximum record size: %w", errInputTooLarge)
	}

	key := s.stateKey(state.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store authorization state: %w", err)
	}

	s.logger.Debug("Stored authorization state",
		"state_id", safeTruncate(state.ID, tokenIDLogLength),
		"client_id", state.ClientID,
		"ttl", ttl)

	return nil
}

// GetAuthorizationState retrieves pending authorization state without
// consuming it. The callback handler deletes it explicitly once the
// upstream exchange result is known.
func (s *Store) GetAuthorizationState(ctx context.Context, id string) (*storage.AuthorizationState, error) {
	if err := validateKeyLength(id, "state ID"); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, s.client.B().Get().Key(s.stateKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to get authorization state: %w", err)
	}

	var state storage.AuthorizationState
	if err := json.Unmarshal([]byte(resp), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}

	// TTL should have evicted it, but never trust eviction for correctness.
	if time.Now().After(state.ExpiresAt) {
		s.deleteKey(ctx, s.stateKey(id))
		return nil, storage.ErrStateNotFound
	}

	return &state, nil
}

// DeleteAuthorizationState removes pending authorization state.
// Deleting a non-existent state is not an error.
func (s *Store) DeleteAuthorizationState(ctx context.Context, id string) error {
	if err := validateKeyLength(id, "state ID"); err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.stateKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}
	return nil
}

// SaveAuthorizationCode stores a minted authorization code with TTL.
// Upstream tokens inside the record are encrypted when an encryptor is set.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}
	if err := validateKeyLength(code.Code, "authorization code"); err != nil {
		return err
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code is already expired")
	}

	stored := *code
	if code.UpstreamToken != nil {
		sealed, err := s.sealToken(code.UpstreamToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt upstream token: %w", err)
		}
		stored.UpstreamToken = sealed
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("authorization code record exceeds maximum record size: %w", errInputTooLarge)
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}

	s.logger.Debug("Stored authorization code",
		"code", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID,
		"ttl", ttl)

	return nil
}

// TakeAuthorizationCode atomically retrieves and deletes an authorization
// code. GETDEL guarantees at most one caller receives the record even under
// concurrent redemption attempts.
func (s *Store) TakeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateKeyLength(code, "authorization code"); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to take authorization code: %w", err)
	}

	var rec storage.AuthorizationCode
	if err := json.Unmarshal([]byte(resp), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	if time.Now().After(rec.ExpiresAt) {
		s.logger.Debug("Rejected expired authorization code",
			"code", safeTruncate(code, tokenIDLogLength))
		return nil, storage.ErrCodeNotFound
	}

	if rec.UpstreamToken != nil {
		opened, err := s.openToken(rec.UpstreamToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt upstream token: %w", err)
		}
		rec.UpstreamToken = opened
	}

	s.logger.Debug("Consumed authorization code",
		"code", safeTruncate(code, tokenIDLogLength),
		"client_id", rec.ClientID)

	return &rec, nil
}

// deleteKey best-effort deletes a key, logging on failure.
func (s *Store) deleteKey(ctx context.Context, key string) {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete expired key", "error", err)
	}
}
