// Package credgate is the HTTP surface of a stateless OAuth 2.1
// authorization-code gateway. The gateway sits between OAuth clients and an
// upstream identity provider: it runs the upstream leg of the flow with its
// own PKCE pair and confidential credentials, mints short-lived single-use
// authorization codes for clients, and redeems them at its token endpoint.
//
// This package maps HTTP requests onto the flow orchestrator in the server
// package and renders its results on the wire:
//
//   - GET  /authorize: validate the client request, redirect upstream
//   - GET  /callback: resolve the upstream redirect, hand the client a code
//   - POST /token: authorization_code and refresh_token grants,
//     accepting form-encoded and JSON bodies
//   - GET  /.well-known/oauth-authorization-server: RFC 8414 metadata
//   - GET  /.well-known/oauth-protected-resource: RFC 9728 metadata
//
// Discovery metadata is derived from each request's scheme and host, so one
// deployment can serve several external hostnames. Forwarded headers are
// honored only when the orchestrator is configured to trust its proxy.
//
// Typical wiring:
//
//	provider, _ := generic.NewProvider(&generic.Config{ /* upstream issuer */ })
//	store := memory.New()
//	proxy, _ := server.New(provider, store, nil, logger)
//	handler, _ := credgate.NewHandler(proxy, nil, logger)
//
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
package credgate
