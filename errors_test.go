package credgate

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/credgate/credgate/server"
)

func TestOAuthErrorMessage(t *testing.T) {
	err := ErrInvalidGrant("code expired")
	if got := err.Error(); got != "invalid_grant: code expired" {
		t.Errorf("Error() = %q", got)
	}
	if err.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", err.Status)
	}
}

func TestAsOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "invalid grant stays a client error",
			err:        &server.FlowError{Code: server.ErrorCodeInvalidGrant, Description: "invalid authorization code"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid client maps to 401",
			err:        &server.FlowError{Code: server.ErrorCodeInvalidClient, Description: "authentication failed"},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "server error maps to 500",
			err:        &server.FlowError{Code: server.ErrorCodeServerError, Description: "upstream unavailable"},
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "wrapped flow error unwraps",
			err:        fmt.Errorf("exchange: %w", &server.FlowError{Code: server.ErrorCodeInvalidRequest, Description: "code is required"}),
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown error never leaks details",
			err:        errors.New("valkey: connection refused"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oauthErr := asOAuthError(tt.err)
			if oauthErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", oauthErr.Code, tt.wantCode)
			}
			if oauthErr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", oauthErr.Status, tt.wantStatus)
			}
			if tt.wantCode == ErrorCodeServerError && oauthErr.Description == "valkey: connection refused" {
				t.Error("internal error detail leaked to the client")
			}
		})
	}
}
