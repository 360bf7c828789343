// Package rate provides the per-endpoint request limiter: fixed-window counters keyed by
// endpoint class and client identifier, stored in a kvstore.Store.
//
// # Window semantics
//
// Fixed-window counters: atomic INCR with the window TTL applied on the first hit.
// Key layout: rl:<class>:<client>.
//
// # Failure policy
//
// When the backing store is unavailable (or its circuit breaker is open) the limiter
// fails closed and returns *UnavailableError. Config.FailOpen inverts that and must be
// set explicitly; every request it lets through is reported to Config.OnFailOpen.
//
// # What this package must NOT do
//
//   - Count authentication failures (that is the lockout tracker in internal/limiters).
//   - Be imported outside the vpnauth module.
package rate
