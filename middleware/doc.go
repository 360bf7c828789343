// Package middleware adapts the vpnauth engine to net/http.
//
// # Handlers
//
//   - [RequestMetadata]: copies client IP, User-Agent and Accept-Language into the
//     request context, where the engine reads them for fingerprints and audit.
//   - [RateLimit]: charges one request of an endpoint class against the client's budget.
//   - [Guard]: requires a valid bearer access token and stores the [vpnauth.AuthResult].
//   - [RequireRole]: rejects authenticated callers whose role is not listed.
//
// [WriteError] and [StatusFor] translate engine errors into HTTP responses. Credential
// failures always render the same generic body.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not parse tokens,
// touch Redis, or make authentication decisions of its own.
package middleware
