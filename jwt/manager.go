package jwt

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the algorithm used to sign new tokens.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodHS384   SigningMethod = "hs384"
	MethodHS512   SigningMethod = "hs512"
	MethodEd25519 SigningMethod = "ed25519"
)

// Kind distinguishes the three token types. A token of one kind is never accepted where
// another is expected.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindReauth  Kind = "reauth"
)

const minHMACKeyBytes = 32

var (
	ErrExpired             = errors.New("token expired")
	ErrMalformed           = errors.New("token malformed")
	ErrSignatureInvalid    = errors.New("token signature invalid")
	ErrAlgorithmNotAllowed = errors.New("token algorithm not allowed")
	ErrWrongKind           = errors.New("token kind mismatch")
	ErrClaimsInvalid       = errors.New("token claims invalid")

	errUnknownKey = errors.New("unknown signing key")
)

// Config configures a Manager.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ReauthTTL  time.Duration

	SigningMethod SigningMethod
	// PrivateKey is the HMAC secret for HS* methods or the Ed25519 private key.
	PrivateKey []byte
	PublicKey  []byte
	// AllowedAlgorithms lists JOSE alg names accepted on validation. Empty means only the
	// signing algorithm. "none" is never accepted.
	AllowedAlgorithms []string

	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	KeyID        string
	VerifyKeys   map[string][]byte

	Now func() time.Time
}

// Manager issues and validates tokens. It holds no mutable state and never touches the
// revocation store; callers register the returned JTI themselves.
type Manager struct {
	config  Config
	allowed []string
}

// Claims is the payload of every token.
type Claims struct {
	Kind        Kind   `json:"typ"`
	Role        string `json:"role,omitempty"`
	Generation  int64  `json:"gen"`
	Fingerprint string `json:"fpr,omitempty"`
	jwt.RegisteredClaims
}

// Issued is what Issue returns: the signed token, its JTI and its expiry.
type Issued struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.ReauthTTL <= 0 {
		cfg.ReauthTTL = 5 * time.Minute
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256, MethodHS384, MethodHS512:
		if len(cfg.PrivateKey) < minHMACKeyBytes {
			return nil, fmt.Errorf("%s requires a secret of at least %d bytes", cfg.SigningMethod, minHMACKeyBytes)
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	m := &Manager{config: cfg}
	allowed, err := m.resolveAllowed(cfg.AllowedAlgorithms)
	if err != nil {
		return nil, err
	}
	m.allowed = allowed
	return m, nil
}

// resolveAllowed normalizes the allow-list and rejects algorithms the configured key
// material cannot verify. Mixing HMAC and asymmetric algorithms is exactly the confusion
// the allow-list exists to prevent.
func (j *Manager) resolveAllowed(in []string) ([]string, error) {
	signAlg := j.getMethod().Alg()
	if len(in) == 0 {
		return []string{signAlg}, nil
	}

	hmacFamily := j.isHMAC()
	out := make([]string, 0, len(in))
	for _, raw := range in {
		alg := strings.ToUpper(strings.TrimSpace(raw))
		if alg == "EDDSA" {
			alg = jwt.SigningMethodEdDSA.Alg()
		}
		switch alg {
		case "":
			continue
		case "NONE":
			return nil, errors.New(`algorithm "none" cannot be allowed`)
		case jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg():
			if !hmacFamily {
				return nil, fmt.Errorf("algorithm %s needs an HMAC secret", alg)
			}
		case jwt.SigningMethodEdDSA.Alg():
			if hmacFamily {
				return nil, fmt.Errorf("algorithm %s needs an ed25519 key", alg)
			}
		default:
			return nil, fmt.Errorf("unsupported algorithm %q", raw)
		}
		if !slices.Contains(out, alg) {
			out = append(out, alg)
		}
	}
	if !slices.Contains(out, signAlg) {
		return nil, fmt.Errorf("allowed algorithms must include the signing algorithm %s", signAlg)
	}
	return out, nil
}

// AllowedAlgorithms returns the normalized allow-list.
func (j *Manager) AllowedAlgorithms() []string {
	return slices.Clone(j.allowed)
}

// TTL returns the lifetime of tokens of kind.
func (j *Manager) TTL(kind Kind) time.Duration {
	switch kind {
	case KindRefresh:
		return j.config.RefreshTTL
	case KindReauth:
		return j.config.ReauthTTL
	default:
		return j.config.AccessTTL
	}
}

// Issue signs a new token of kind for subject. generation is the subject's revocation
// generation at issuance; fingerprint is embedded when non-empty.
func (j *Manager) Issue(kind Kind, subject, role string, generation int64, fingerprint string) (Issued, error) {
	switch kind {
	case KindAccess, KindRefresh, KindReauth:
	default:
		return Issued{}, fmt.Errorf("unknown token kind %q", kind)
	}
	if subject == "" {
		return Issued{}, errors.New("subject is required")
	}

	now := j.config.Now()
	jti := uuid.NewString()
	claims := Claims{
		Kind:        kind,
		Role:        role,
		Generation:  generation,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    j.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.TTL(kind))),
		},
	}
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}

	token := jwt.NewWithClaims(j.getMethod(), claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}

	signKey, err := j.getSignKey()
	if err != nil {
		return Issued{}, err
	}
	signed, err := token.SignedString(signKey)
	if err != nil {
		return Issued{}, err
	}

	return Issued{Token: signed, JTI: jti, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Validate parses tokenStr, verifies it against the allow-list and key material, checks
// the registered claims, and requires the token to be of kind.
func (j *Manager) Validate(tokenStr string, kind Kind) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithTimeFunc(j.config.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		options = append(options, jwt.WithAudience(j.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, j.keyFunc)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrClaimsInvalid
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrClaimsInvalid
	}
	if claims.IssuedAt != nil && j.config.MaxFutureIAT > 0 {
		maxAllowed := j.config.Now().Add(j.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, ErrClaimsInvalid
		}
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}

	return claims, nil
}

func (j *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if !slices.Contains(j.allowed, t.Method.Alg()) {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, t.Method.Alg())
	}

	if len(j.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", errUnknownKey)
		}
		key, ok := j.config.VerifyKeys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
		}
		return j.keyBytesToVerifyKey(key)
	}

	if j.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != j.config.KeyID {
			return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
		}
	}

	return j.getVerifyKey()
}

// classify maps parser errors onto this package's sentinels. Order matters: v5 joins
// several validation errors into one.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, ErrAlgorithmNotAllowed):
		return ErrAlgorithmNotAllowed
	case errors.Is(err, errUnknownKey), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Only an alg the library does not know reaches here.
		return ErrAlgorithmNotAllowed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrClaimsInvalid
	}
}

// FingerprintResult is the outcome of comparing a refresh token's bound fingerprint with
// the presenting client's.
type FingerprintResult int

const (
	FingerprintMatch FingerprintResult = iota
	FingerprintMismatch
	// FingerprintUnbound means the token carries no fingerprint (issued before binding).
	FingerprintUnbound
)

// CheckFingerprint compares claims' fingerprint with current in constant time.
func CheckFingerprint(claims *Claims, current string) FingerprintResult {
	if claims == nil || claims.Fingerprint == "" {
		return FingerprintUnbound
	}
	if subtle.ConstantTimeCompare([]byte(claims.Fingerprint), []byte(current)) == 1 {
		return FingerprintMatch
	}
	return FingerprintMismatch
}

func (j *Manager) isHMAC() bool {
	switch j.config.SigningMethod {
	case MethodHS256, MethodHS384, MethodHS512:
		return true
	default:
		return false
	}
}

func (j *Manager) getMethod() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	case MethodHS384:
		return jwt.SigningMethodHS384
	case MethodHS512:
		return jwt.SigningMethodHS512
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) getSignKey() (interface{}, error) {
	if j.isHMAC() {
		return j.config.PrivateKey, nil
	}
	if len(j.config.PrivateKey) == 0 {
		return nil, errors.New("ed25519 private key not configured; manager is verify-only")
	}
	return parseEdPrivateKey(j.config.PrivateKey)
}

func (j *Manager) getVerifyKey() (interface{}, error) {
	if j.isHMAC() {
		return j.config.PrivateKey, nil
	}
	return parseEdPublicKey(j.config.PublicKey)
}

func (j *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	if j.isHMAC() {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
