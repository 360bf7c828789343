// Package internal holds helpers private to vpnauth: the client fingerprint used to
// bind refresh tokens to a device.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - breaker: circuit breaker in front of the key-value store
//   - limiters: login lockout tiers and the 2FA attempt limiter
//   - observability: slog setup, Sentry, HTTP request logging and panic recovery
//   - rate: fixed-window request budgets per endpoint class
//
// # What this package must NOT do
//
//   - Export types that appear in the public vpnauth API.
package internal
