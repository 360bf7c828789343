// Package jwt is the token service: it issues and validates access, refresh and
// re-authentication tokens.
//
// Every token carries a unique JTI (a UUID), the subject's revocation generation at
// issuance, and its kind. Refresh tokens may also carry a client fingerprint. Validation
// accepts only algorithms on the configured allow-list, which defeats algorithm-confusion
// attacks such as alg=none or HMAC-signed tokens presented to an Ed25519 verifier.
//
// The Manager is a pure function of its inputs, a clock and the key material. It does not
// register JTIs anywhere.
package jwt
