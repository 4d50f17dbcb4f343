package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/credgate/credgate/storage"
)

// ============================================================
// Token Encryption Helpers
// ============================================================

// sealToken returns a copy of t with its access and refresh tokens
// encrypted. Returns t unchanged when encryption is disabled.
func (s *Store) sealToken(t *oauth2.Token) (*oauth2.Token, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return t, nil
	}

	sealed := *t
	var err error
	if sealed.AccessToken, err = enc.Encrypt(t.AccessToken); err != nil {
		return nil, err
	}
	if t.RefreshToken != "" {
		if sealed.RefreshToken, err = enc.Encrypt(t.RefreshToken); err != nil {
			return nil, err
		}
	}
	return &sealed, nil
}

// openToken reverses sealToken.
func (s *Store) openToken(t *oauth2.Token) (*oauth2.Token, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return t, nil
	}

	opened := *t
	var err error
	if opened.AccessToken, err = enc.Decrypt(t.AccessToken); err != nil {
		return nil, err
	}
	if t.RefreshToken != "" {
		if opened.RefreshToken, err = enc.Decrypt(t.RefreshToken); err != nil {
			return nil, err
		}
	}
	return &opened, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshTokenRecord stores a wrapped refresh token record with TTL.
func (s *Store) SaveRefreshTokenRecord(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	if rec == nil {
		return fmt.Errorf("refresh token record cannot be nil")
	}
	if err := validateKeyLength(rec.Token, "refresh token"); err != nil {
		return err
	}

	ttl := calculateTTL(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token record is already expired")
	}

	stored := *rec
	sealed, err := s.sealString(rec.UpstreamToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream token: %w", err)
	}
	stored.UpstreamToken = sealed

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("refresh token record exceeds maximum record size: %w", errInputTooLarge)
	}

	key := s.refreshKey(rec.Token)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store refresh token record: %w", err)
	}

	s.logger.Debug("Stored refresh token record",
		"token", safeTruncate(rec.Token, tokenIDLogLength),
		"client_id", rec.ClientID,
		"ttl", ttl)

	return nil
}

// TakeRefreshTokenRecord atomically retrieves and deletes a wrapped refresh
// token record. Rotation means each wrapped token is redeemable once; a
// second presentation is treated as replay and finds nothing.
func (s *Store) TakeRefreshTokenRecord(ctx context.Context, token string) (*storage.RefreshTokenRecord, error) {
	if err := validateKeyLength(token, "refresh token"); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.refreshKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to take refresh token record: %w", err)
	}

	var rec storage.RefreshTokenRecord
	if err := json.Unmarshal([]byte(resp), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token record: %w", err)
	}

	if time.Now().After(rec.ExpiresAt) {
		return nil, storage.ErrRefreshTokenNotFound
	}

	if rec.UpstreamToken, err = s.openString(rec.UpstreamToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream token: %w", err)
	}

	return &rec, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenInfo stores bearer session info keyed by access token.
func (s *Store) SaveTokenInfo(ctx context.Context, info *storage.TokenInfo) error {
	if info == nil {
		return fmt.Errorf("token info cannot be nil")
	}
	if err := validateKeyLength(info.AccessToken, "access token"); err != nil {
		return err
	}

	ttl := calculateTTL(info.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token info is already expired")
	}

	stored := *info
	var err error
	if stored.RefreshToken, err = s.sealString(info.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token info: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("token info exceeds maximum record size: %w", errInputTooLarge)
	}

	key := s.sessionKey(info.AccessToken)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store token info: %w", err)
	}

	s.logger.Debug("Stored token info",
		"token", safeTruncate(info.AccessToken, tokenIDLogLength),
		"ttl", ttl)

	return nil
}

// GetTokenInfo retrieves bearer session info by access token.
func (s *Store) GetTokenInfo(ctx context.Context, accessToken string) (*storage.TokenInfo, error) {
	if err := validateKeyLength(accessToken, "access token"); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token info: %w", err)
	}

	var info storage.TokenInfo
	if err := json.Unmarshal([]byte(resp), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token info: %w", err)
	}

	if time.Now().After(info.ExpiresAt) {
		s.deleteKey(ctx, s.sessionKey(accessToken))
		return nil, storage.ErrExpired
	}

	if info.RefreshToken, err = s.openString(info.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &info, nil
}

// DeleteTokenInfo removes bearer session info. Deleting a non-existent
// session is not an error.
func (s *Store) DeleteTokenInfo(ctx context.Context, accessToken string) error {
	if err := validateKeyLength(accessToken, "access token"); err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(accessToken)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token info: %w", err)
	}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a client registration. Client registrations do not
// expire and are stored without TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if err := validateKeyLength(client.ClientID, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("client record exceeds maximum record size: %w", errInputTooLarge)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}

	s.logger.Info("Registered client", "client_id", client.ClientID, "type", client.ClientType)
	return nil
}

// GetClient retrieves a client registration by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := validateKeyLength(clientID, "client ID"); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal([]byte(resp), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &client, nil
}

// ValidateClientSecret checks a client secret against the stored bcrypt
// hash. Public clients (empty hash) accept an empty secret only.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if client.ClientSecretHash == "" {
		if secret != "" {
			return storage.ErrInvalidClientSecret
		}
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}
