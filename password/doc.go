// Package password implements the credential hasher: Argon2id hashing and verification.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The parameters travel with the hash, so a hash produced under an older policy keeps
// verifying after the defaults change. [Argon2.NeedsRehash] reports when the embedded
// parameters are weaker than the current policy so the caller can re-hash after the next
// successful login.
//
// A hash that cannot be parsed yields an error wrapping [ErrMalformedHash]; a wrong password
// yields (false, nil). The two are distinct here and must be collapsed by the caller into one
// generic response. [Argon2.DummyVerify] exists for the unknown-account path.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Import any other vpnauth package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
