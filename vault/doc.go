// Package vault encrypts TOTP shared secrets at rest.
//
// Each ciphertext gets a fresh random salt; the encryption key is
// HKDF-SHA256(master key, salt, "vpnauth.totp.secret.v1") and the cipher is
// XChaCha20-Poly1305. The version byte and a caller-supplied context (the account ID) are
// authenticated as additional data, so a ciphertext copied onto another account fails to
// open.
//
// Encoded form:
//
//	v1.<base64url(version | salt[16] | nonce[24] | ciphertext+tag)>
//
// Whether a deployment may run without a master key is decided by configuration
// validation, not here: a Vault always has a key.
package vault
