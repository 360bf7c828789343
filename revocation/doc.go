// Package revocation records which token identifiers (JTIs) may still be used.
//
// Every issued token is registered as "active" with an expiry matching the token's own, so
// the store never grows beyond the set of live tokens. Revoking writes a "revoked"
// tombstone that a late Register cannot overwrite. Refresh rotation uses Consume, an atomic
// active-to-revoked transition that detects reuse of an already rotated token.
//
// Logout-everywhere is a per-subject generation counter. Tokens embed the generation current
// at issuance; RevokeAll increments it and IsRevoked rejects any token carrying an older
// value, so a token minted concurrently with RevokeAll can never outlive it.
//
// Keys: rv:j:<jti> and rv:g:<subject>, under an optional prefix.
package revocation
