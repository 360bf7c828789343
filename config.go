package vpnauth

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/vpnauth/internal/limiters"
	"github.com/MrEthical07/vpnauth/vault"
)

// Config is the full engine configuration. Start from DefaultConfig or ConfigFromEnv and
// call Validate; Builder.Build validates again.
type Config struct {
	JWT        JWTConfig
	Password   PasswordConfig
	TOTP       TOTPConfig
	Lockout    LockoutConfig
	RateLimit  RateLimitConfig
	Breaker    BreakerConfig
	Revocation RevocationConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Security   SecurityConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures token issuance and validation.
type JWTConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ReauthTTL  time.Duration
	// SigningMethod is one of hs256, hs384, hs512, ed25519.
	SigningMethod string
	// PrivateKey is the HMAC secret or the Ed25519 private key.
	PrivateKey []byte
	PublicKey  []byte
	// AllowedAlgorithms are JOSE names (HS256, EdDSA...). Empty allows only the signing algorithm.
	AllowedAlgorithms []string
	Issuer            string
	Audience          string
	// Leeway tolerates clock skew on exp/iat. The issuer is also the validator, so the
	// default is zero; a positive value extends each JTI registration to match.
	Leeway time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id parameters for new hashes.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// UpgradeOnLogin rehashes a verified password whose stored parameters are weaker.
	UpgradeOnLogin bool
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig configures second-factor enrollment and verification.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int
	// MasterKey encrypts secrets at rest. Required when Security.ProductionMode is set.
	MasterKey []byte
	// MaxAttempts wrong codes per AttemptWindow on confirm and disable.
	MaxAttempts   int
	AttemptWindow time.Duration
}

/*
====================================
LOCKOUT / RATE / BREAKER
====================================
*/

// LockoutTier is one threshold of the progressive lockout ladder.
type LockoutTier struct {
	Failures  int64
	Delay     time.Duration
	Permanent bool
}

// LockoutConfig configures the login lockout tracker.
type LockoutConfig struct {
	// Tiers sorted by ascending Failures.
	Tiers []LockoutTier
	// Window is how long a failure run is remembered after the latest failure.
	Window time.Duration
}

// RateRule is a request budget per fixed window.
type RateRule struct {
	Limit  int64
	Window time.Duration
}

// RateLimitConfig configures per-endpoint-class request budgets.
type RateLimitConfig struct {
	Default RateRule
	Classes map[string]RateRule
	// FailOpen admits requests while the backing store is down. Every admission is
	// logged and counted.
	FailOpen bool
}

// BreakerConfig configures the circuit breaker guarding the fast store.
type BreakerConfig struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// RevocationConfig configures the JTI revocation store.
type RevocationConfig struct {
	Prefix string
	// RequireRegistration rejects tokens whose JTI was never registered.
	RequireRegistration bool
	MaxTTL              time.Duration
}

/*
====================================
AUDIT / METRICS / SECURITY
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SecurityConfig holds deployment-wide security switches.
type SecurityConfig struct {
	ProductionMode bool
	// MinLoginDuration pads every login response to at least this long.
	MinLoginDuration     time.Duration
	RequireVerifiedEmail bool
	// UnboundRefreshCutoff is the last instant a refresh token without a fingerprint
	// claim is accepted. Zero means engine start plus JWT.RefreshTTL, by which time every
	// legacy token has expired. Any past instant rejects unbound tokens outright.
	UnboundRefreshCutoff time.Time
}

// Rate limit classes used by the HTTP layer.
const (
	RateClassLogin   = "login"
	RateClassRefresh = "refresh"
	RateClassTOTP    = "2fa"
	RateClassDefault = "default"
)

// DefaultConfig returns a development configuration. JWT.PrivateKey and, in production,
// TOTP.MasterKey must still be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			ReauthTTL:     5 * time.Minute,
			SigningMethod: "hs256",
			Issuer:        "vpnauth",
			Audience:      "vpnauth-clients",
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		TOTP: TOTPConfig{
			Issuer:        "vpnauth",
			Digits:        6,
			Period:        30,
			Algorithm:     "SHA1",
			Skew:          1,
			MaxAttempts:   5,
			AttemptWindow: time.Minute,
		},
		Lockout: LockoutConfig{
			Tiers:  defaultLockoutTiers(),
			Window: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Default: RateRule{Limit: 60, Window: time.Minute},
			Classes: map[string]RateRule{
				RateClassLogin:   {Limit: 10, Window: time.Minute},
				RateClassRefresh: {Limit: 30, Window: time.Minute},
				RateClassTOTP:    {Limit: 10, Window: time.Minute},
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
		},
		Revocation: RevocationConfig{
			Prefix:              "",
			RequireRegistration: true,
			MaxTTL:              30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Security: SecurityConfig{
			MinLoginDuration: 250 * time.Millisecond,
		},
	}
}

func defaultLockoutTiers() []LockoutTier {
	out := make([]LockoutTier, 0, 4)
	for _, t := range limiters.DefaultLockoutTiers() {
		out = append(out, LockoutTier{Failures: t.Failures, Delay: t.Delay, Permanent: t.Permanent})
	}
	return out
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.JWT.AllowedAlgorithms = append([]string(nil), cfg.JWT.AllowedAlgorithms...)
	out.TOTP.MasterKey = cloneBytes(cfg.TOTP.MasterKey)
	out.Lockout.Tiers = append([]LockoutTier(nil), cfg.Lockout.Tiers...)
	if cfg.RateLimit.Classes != nil {
		out.RateLimit.Classes = make(map[string]RateRule, len(cfg.RateLimit.Classes))
		for k, v := range cfg.RateLimit.Classes {
			out.RateLimit.Classes[k] = v
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks c and returns a *ConfigurationError for the first problem found.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return configError("JWT.AccessTTL", "must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return configError("JWT.RefreshTTL", "must be longer than AccessTTL")
	}
	if c.JWT.ReauthTTL < 0 {
		return configError("JWT.ReauthTTL", "must be >= 0")
	}
	switch strings.ToLower(c.JWT.SigningMethod) {
	case "hs256", "hs384", "hs512":
		if len(c.JWT.PrivateKey) < 32 {
			return configError("JWT.PrivateKey", "HMAC secret must be at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return configError("JWT.PrivateKey", "ed25519 requires PrivateKey and PublicKey")
		}
	default:
		return configError("JWT.SigningMethod", fmt.Sprintf("unsupported method %q", c.JWT.SigningMethod))
	}
	for _, alg := range c.JWT.AllowedAlgorithms {
		if strings.EqualFold(strings.TrimSpace(alg), "none") {
			return configError("JWT.AllowedAlgorithms", `"none" is never allowed`)
		}
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > time.Minute {
		return configError("JWT.Leeway", "must be between 0 and 1m")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return configError("Password.Memory", "must be >= 8192 KB")
	}
	if c.Password.Time < 1 || c.Password.Parallelism < 1 {
		return configError("Password.Time", "time and parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 || c.Password.KeyLength < 16 {
		return configError("Password.SaltLength", "salt and key length must be >= 16")
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return configError("TOTP.Digits", "must be 6 or 8")
	}
	if c.TOTP.Period <= 0 {
		return configError("TOTP.Period", "must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return configError("TOTP.Skew", "must be between 0 and 2")
	}
	if _, err := totpAlgorithm(c.TOTP.Algorithm); err != nil {
		return configError("TOTP.Algorithm", err.Error())
	}
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return configError("TOTP.Issuer", "must not be empty")
	}
	if len(c.TOTP.MasterKey) > 0 && len(c.TOTP.MasterKey) < vault.MinMasterKeySize {
		return configError("TOTP.MasterKey", fmt.Sprintf("must be at least %d bytes", vault.MinMasterKeySize))
	}
	if c.Security.ProductionMode && len(c.TOTP.MasterKey) == 0 {
		return configError("TOTP.MasterKey", "required in production; refusing to store 2FA secrets in plaintext")
	}

	// Lockout
	if err := limiters.ValidateTiers(c.lockoutTiers()); err != nil {
		return configError("Lockout.Tiers", err.Error())
	}
	if c.Lockout.Window < 0 {
		return configError("Lockout.Window", "must be >= 0")
	}

	// Rate limit
	if c.RateLimit.Default.Limit <= 0 || c.RateLimit.Default.Window <= 0 {
		return configError("RateLimit.Default", "limit and window must be > 0")
	}
	for class, rule := range c.RateLimit.Classes {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return configError("RateLimit.Classes["+class+"]", "limit and window must be > 0")
		}
	}

	// Breaker
	if c.Breaker.FailureThreshold == 0 {
		return configError("Breaker.FailureThreshold", "must be > 0")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return configError("Breaker.RecoveryTimeout", "must be > 0")
	}

	// Revocation
	if c.Revocation.MaxTTL < c.JWT.RefreshTTL {
		return configError("Revocation.MaxTTL", "must cover RefreshTTL")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return configError("Audit.BufferSize", "must be > 0 when audit is enabled")
	}
	if c.Security.MinLoginDuration < 0 {
		return configError("Security.MinLoginDuration", "must be >= 0")
	}

	return nil
}

// lockoutTiers converts the public tiers and assigns ladder states by position: the first
// delay tier warns, the last of three or more delay tiers locks, the rest throttle.
func (c *Config) lockoutTiers() []limiters.Tier {
	delays := 0
	for _, t := range c.Lockout.Tiers {
		if !t.Permanent {
			delays++
		}
	}

	out := make([]limiters.Tier, 0, len(c.Lockout.Tiers))
	i := 0
	for _, t := range c.Lockout.Tiers {
		tier := limiters.Tier{Failures: t.Failures, Delay: t.Delay, Permanent: t.Permanent}
		switch {
		case t.Permanent:
			tier.State = limiters.StatePermanent
		case i == 0:
			tier.State = limiters.StateWarn
		case i == delays-1 && delays >= 3:
			tier.State = limiters.StateLocked
		default:
			tier.State = limiters.StateThrottled
		}
		if !t.Permanent {
			i++
		}
		out = append(out, tier)
	}
	return out
}

/*
====================================
ENVIRONMENT
====================================
*/

// ConfigFromEnv builds a Config from DefaultConfig and the process environment.
func ConfigFromEnv() (Config, error) {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookup: lookup}

	if v, ok := env.str("APP_ENV"); ok {
		switch strings.ToLower(v) {
		case "production", "prod":
			cfg.Security.ProductionMode = true
		}
	}

	if v, ok := env.str("TOTP_MASTER_KEY"); ok {
		key, err := vault.ParseMasterKey(v)
		if err != nil {
			return Config{}, configError("TOTP_MASTER_KEY", err.Error())
		}
		cfg.TOTP.MasterKey = key
	}

	if v, ok := env.str("JWT_SIGNING_METHOD"); ok {
		cfg.JWT.SigningMethod = strings.ToLower(v)
	}
	if v, ok := env.str("JWT_SECRET"); ok {
		cfg.JWT.PrivateKey = []byte(v)
	}
	if v, ok := env.str("JWT_PRIVATE_KEY"); ok {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return Config{}, configError("JWT_PRIVATE_KEY", "must be base64")
		}
		cfg.JWT.PrivateKey = key
	}
	if v, ok := env.str("JWT_PUBLIC_KEY"); ok {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return Config{}, configError("JWT_PUBLIC_KEY", "must be base64")
		}
		cfg.JWT.PublicKey = key
	}
	if v, ok := env.str("JWT_ALLOWED_ALGORITHMS"); ok {
		cfg.JWT.AllowedAlgorithms = splitList(v)
	}
	if v, ok := env.str("JWT_ISSUER"); ok {
		cfg.JWT.Issuer = v
	}
	if v, ok := env.str("JWT_AUDIENCE"); ok {
		cfg.JWT.Audience = v
	}

	var err error
	if cfg.JWT.AccessTTL, err = env.duration("ACCESS_TOKEN_TTL", cfg.JWT.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.JWT.RefreshTTL, err = env.duration("REFRESH_TOKEN_TTL", cfg.JWT.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.JWT.Leeway, err = env.duration("JWT_LEEWAY", cfg.JWT.Leeway); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.Default.Window, err = env.duration("RATE_LIMIT_WINDOW", cfg.RateLimit.Default.Window); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.Default.Limit, err = env.int64("RATE_LIMIT_MAX", cfg.RateLimit.Default.Limit); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.FailOpen, err = env.bool("RATE_LIMIT_FAIL_OPEN", cfg.RateLimit.FailOpen); err != nil {
		return Config{}, err
	}
	if v, ok := env.str("LOCKOUT_TIERS"); ok {
		tiers, err := ParseLockoutTiers(v)
		if err != nil {
			return Config{}, configError("LOCKOUT_TIERS", err.Error())
		}
		cfg.Lockout.Tiers = tiers
	}
	if cfg.Lockout.Window, err = env.duration("LOCKOUT_WINDOW", cfg.Lockout.Window); err != nil {
		return Config{}, err
	}
	failures, err := env.int64("BREAKER_FAILURES", int64(cfg.Breaker.FailureThreshold))
	if err != nil {
		return Config{}, err
	}
	if failures < 0 {
		return Config{}, configError("BREAKER_FAILURES", "must be >= 0")
	}
	cfg.Breaker.FailureThreshold = uint32(failures)
	if cfg.Breaker.RecoveryTimeout, err = env.duration("BREAKER_RECOVERY", cfg.Breaker.RecoveryTimeout); err != nil {
		return Config{}, err
	}
	if v, ok := env.str("UNBOUND_REFRESH_CUTOFF"); ok {
		cutoff, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Config{}, configError("UNBOUND_REFRESH_CUTOFF", "must be RFC3339")
		}
		cfg.Security.UnboundRefreshCutoff = cutoff
	}
	if cfg.Security.RequireVerifiedEmail, err = env.bool("REQUIRE_VERIFIED_EMAIL", cfg.Security.RequireVerifiedEmail); err != nil {
		return Config{}, err
	}
	if cfg.Audit.Enabled, err = env.bool("AUDIT_ENABLED", cfg.Audit.Enabled); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ParseLockoutTiers parses "3:5s,5:1m,10:30m,20:permanent".
func ParseLockoutTiers(s string) ([]LockoutTier, error) {
	var tiers []LockoutTier
	for _, part := range splitList(s) {
		count, delay, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("tier %q: want failures:delay", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(count), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("tier %q: bad failure count", part)
		}
		tier := LockoutTier{Failures: n}
		delay = strings.TrimSpace(delay)
		if strings.EqualFold(delay, "permanent") {
			tier.Permanent = true
		} else {
			d, err := time.ParseDuration(delay)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("tier %q: bad delay", part)
			}
			tier.Delay = d
		}
		tiers = append(tiers, tier)
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Failures < tiers[j].Failures })
	return tiers, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type envReader struct {
	lookup func(string) (string, bool)
}

func (r envReader) str(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r envReader) duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := r.str(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, configError(key, "invalid duration "+strconv.Quote(v))
	}
	return d, nil
}

func (r envReader) int64(key string, def int64) (int64, error) {
	v, ok := r.str(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, configError(key, "invalid integer "+strconv.Quote(v))
	}
	return n, nil
}

func (r envReader) bool(key string, def bool) (bool, error) {
	v, ok := r.str(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, configError(key, "invalid boolean "+strconv.Quote(v))
	}
	return b, nil
}
