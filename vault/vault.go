package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinMasterKeySize is the shortest accepted master key.
const MinMasterKeySize = 32

const (
	version    byte = 0x01
	saltSize        = 16
	keySize         = chacha20poly1305.KeySize
	textPrefix      = "v1."
	headerSize      = 1 + saltSize + chacha20poly1305.NonceSizeX
)

// hkdfInfo separates this derivation path from any other use of the master key. Changing it
// invalidates every stored secret.
var hkdfInfo = []byte("vpnauth.totp.secret.v1")

var (
	// ErrMasterKeyTooShort is returned by New.
	ErrMasterKeyTooShort = errors.New("vault: master key must be at least 32 bytes")
	// ErrInvalidCiphertext is returned for input that is not a vault ciphertext at all.
	ErrInvalidCiphertext = errors.New("vault: invalid ciphertext")
	// ErrDecryptionFailed is returned when authentication fails: wrong key, wrong context,
	// or tampering.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)

// Vault holds the master key. It is safe for concurrent use.
type Vault struct {
	master []byte
}

// New copies masterKey into a new Vault.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, ErrMasterKeyTooShort
	}
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &Vault{master: master}, nil
}

// ParseMasterKey decodes an operator-supplied key. Hex, standard base64 and base64url are
// tried in that order; anything else is taken as raw bytes.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) >= MinMasterKeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= MinMasterKeySize {
			return b, nil
		}
	}
	if len(s) < MinMasterKeySize {
		return nil, ErrMasterKeyTooShort
	}
	return []byte(s), nil
}

func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.master, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	return key, nil
}

func buildAAD(context string) []byte {
	aad := make([]byte, 1+len(context))
	aad[0] = version
	copy(aad[1:], context)
	return aad
}

// Encrypt seals secret bound to context and returns the text encoding.
func (v *Vault) Encrypt(secret []byte, context string) (string, error) {
	var header [headerSize]byte
	header[0] = version
	if _, err := io.ReadFull(rand.Reader, header[1:]); err != nil {
		return "", fmt.Errorf("vault: generating salt and nonce: %w", err)
	}
	salt := header[1 : 1+saltSize]
	nonce := header[1+saltSize:]

	key, err := v.deriveKey(salt)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(secret)+aead.Overhead())
	copy(out, header[:])
	out = aead.Seal(out, nonce, secret, buildAAD(context))

	return textPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt with the same context.
func (v *Vault) Decrypt(ciphertext string, context string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, textPrefix) {
		return nil, ErrInvalidCiphertext
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, textPrefix))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(raw) < headerSize+chacha20poly1305.Overhead || raw[0] != version {
		return nil, ErrInvalidCiphertext
	}

	salt := raw[1 : 1+saltSize]
	nonce := raw[1+saltSize : headerSize]

	key, err := v.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}

	plain, err := aead.Open(nil, nonce, raw[headerSize:], buildAAD(context))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// IsCiphertext reports whether s looks like a vault ciphertext.
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, textPrefix)
}
