package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/credgate/credgate/security"
	"github.com/credgate/credgate/storage"
)

// stateSeparator joins the gateway's internal correlation id and the client's
// opaque state into the single value sent upstream. Internal ids are UUIDs,
// so the first separator always belongs to us; the client half may itself
// contain the separator and is rejoined on decode.
const stateSeparator = ":"

// newInternalID returns a fresh correlation id for a pending flow.
func newInternalID() string {
	return uuid.NewString()
}

// encodeCompositeState packs the internal id and the client's state echo
// into the upstream state parameter.
func encodeCompositeState(internalID, clientState string) string {
	return internalID + stateSeparator + clientState
}

// decodeCompositeState splits an upstream state parameter back into the
// internal id and the client's original state.
func decodeCompositeState(state string) (internalID, clientState string, err error) {
	parts := strings.SplitN(state, stateSeparator, 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("malformed state parameter")
	}
	return parts[0], parts[1], nil
}

// StateCodec seals a complete AuthorizationState into the upstream state
// parameter itself, for deployments that want the callback leg fully
// stateless. Encoding is JSON inside AES-256-GCM inside base64url; decode
// enforces the creation-time window. A deployment uses either the keyed
// store or the sealed codec, never both for one flow.
type StateCodec struct {
	encryptor *security.Encryptor
	maxAge    time.Duration
}

// NewStateCodec creates a sealed-state codec. The encryptor must be enabled;
// an identity (disabled) encryptor would put upstream tokens on the wire in
// cleartext.
func NewStateCodec(enc *security.Encryptor, maxAge time.Duration) (*StateCodec, error) {
	if enc == nil || !enc.IsEnabled() {
		return nil, fmt.Errorf("sealed state codec requires an enabled encryptor")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("maxAge must be positive")
	}
	return &StateCodec{encryptor: enc, maxAge: maxAge}, nil
}

// Encode seals the state into an opaque base64url blob.
func (c *StateCodec) Encode(state *storage.AuthorizationState) (string, error) {
	if state == nil {
		return "", fmt.Errorf("state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	sealed, err := c.encryptor.Encrypt(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to seal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(sealed)), nil
}

// Decode opens a sealed blob and enforces the creation-time window. Any
// tampering, truncation, or age violation returns an error; callers treat
// all of them as an invalid state.
func (c *StateCodec) Decode(blob string) (*storage.AuthorizationState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("malformed state blob: %w", err)
	}
	opened, err := c.encryptor.Decrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open state blob: %w", err)
	}
	var state storage.AuthorizationState
	if err := json.Unmarshal([]byte(opened), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if time.Since(state.CreatedAt) > c.maxAge {
		return nil, fmt.Errorf("state expired")
	}
	return &state, nil
}
