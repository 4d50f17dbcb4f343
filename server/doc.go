// Package server implements the authorization-code proxy orchestration.
//
// The Proxy type runs the three-legged flow against a single upstream
// provider: it validates authorization requests, keeps pending flows behind
// the storage interfaces, exchanges upstream codes with its own PKCE
// verifier, mints one-time authorization codes for clients, and redeems them
// with client-leg PKCE verification. Refresh grants are forwarded upstream,
// optionally through gateway-minted wrapped refresh tokens with rotation
// replay detection.
//
// The package is transport-free: the root package owns HTTP decoding and
// response rendering, the orchestrator only sees typed requests and returns
// FlowError values the HTTP layer maps onto the wire.
//
// Example usage:
//
//	provider, _ := generic.NewProvider(&generic.Config{...})
//	store := memory.New()
//
//	proxy, err := server.New(provider, store, &server.Config{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	proxy.SetRefreshTokenStore(store)
package server
