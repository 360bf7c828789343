// Package limiters provides the authentication-failure limiters, built on kvstore.Store.
//
// # Limiters
//
//   - [LockoutLimiter] progressive login lockout: ok, warn, throttled, locked, permanent.
//     Keys lo:c:<id> (failure count, rolling window), lo:r:<id> (earliest retry, unix ms),
//     lo:p:<id> (permanent flag, no TTL). Attempts are claimed with Begin before
//     credentials are checked and settled with Fail, Succeed or Release.
//   - [TOTPLimiter] 5 wrong codes per minute per account on 2FA confirm/disable.
//
// # What this package must NOT do
//
//   - Import vpnauth or any sibling internal package.
//   - Decide responses. The Engine maps Status to user-facing errors.
package limiters
