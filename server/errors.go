package server

import "fmt"

// OAuth error codes returned by the orchestrator. The HTTP layer maps them
// onto wire responses; storage and validation failures never surface as 500s.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
)

// FlowError is an orchestrator-level OAuth error. RedirectURI and State are
// set once the redirect target has been validated, signalling to the HTTP
// layer that the error may be relayed to the client via redirect instead of
// rendered terminally.
type FlowError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Redirectable reports whether the HTTP layer may deliver this error to the
// client's validated redirect URI.
func (e *FlowError) Redirectable() bool {
	return e.RedirectURI != ""
}

func flowError(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

func redirectableError(code, description, redirectURI, state string) *FlowError {
	return &FlowError{Code: code, Description: description, RedirectURI: redirectURI, State: state}
}
