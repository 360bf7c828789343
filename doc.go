// Package vpnauth is the authentication and session-security core of a VPN subscription
// backend: password login with optional TOTP, short-lived access tokens, rotating refresh
// tokens bound to a client fingerprint, revocation, progressive login lockout and
// per-client rate limiting behind a circuit breaker.
//
// Engine methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// vpnauth is the public surface. It exposes [Engine], [Builder], [Config], the error
// taxonomy and value types. Lockout, rate limiting, the breaker and audit dispatch live
// under internal/. Reusable primitives (password, vault, jwt, revocation, kvstore) are
// public leaf packages that never import vpnauth.
//
// # Failure policy
//
// Every credential failure, including an unknown login or a wrong TOTP code, returns
// [ErrInvalidCredentials]. When the fast store is unreachable or the breaker is open,
// operations that need it fail closed with [*UnavailableError]; only the rate limiter may
// be configured to fail open.
package vpnauth
