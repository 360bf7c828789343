package vpnauth

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"

	"github.com/MrEthical07/vpnauth/internal/audit"
	"github.com/MrEthical07/vpnauth/internal/breaker"
	"github.com/MrEthical07/vpnauth/internal/limiters"
	"github.com/MrEthical07/vpnauth/internal/rate"
	"github.com/MrEthical07/vpnauth/jwt"
	"github.com/MrEthical07/vpnauth/kvstore"
	"github.com/MrEthical07/vpnauth/password"
	"github.com/MrEthical07/vpnauth/revocation"
	"github.com/MrEthical07/vpnauth/vault"
)

// Builder assembles an Engine. Configure it once during startup, then call Build.
type Builder struct {
	config   Config
	store    kvstore.Store
	accounts AccountStore
	logger   *slog.Logger
	sink     AuditSink
	now      func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithKVStore sets the fast store shared by revocation, lockout and rate limiting. The
// engine wraps it in its circuit breaker.
func (b *Builder) WithKVStore(store kvstore.Store) *Builder {
	b.store = store
	return b
}

// WithRedis is WithKVStore over a go-redis client.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	if client == nil {
		b.store = nil
		return b
	}
	b.store = kvstore.NewRedis(client)
	return b
}

func (b *Builder) WithAccountStore(accounts AccountStore) *Builder {
	b.accounts = accounts
	return b
}

// WithLogger sets the structured logger. The default discards.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithClock overrides time.Now for token timestamps, lockout and TOTP windows.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. In production a missing TOTP
// master key fails here with a *ConfigurationError; elsewhere it is logged and 2FA
// secrets are stored unencrypted.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.store == nil {
		return nil, configError("KVStore", "a fast key-value store is required")
	}
	if b.accounts == nil {
		return nil, configError("AccountStore", "an account store is required")
	}
	if len(cfg.Lockout.Tiers) == 0 {
		cfg.Lockout.Tiers = defaultLockoutTiers()
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	if cfg.Security.UnboundRefreshCutoff.IsZero() {
		cfg.Security.UnboundRefreshCutoff = now().Add(cfg.JWT.RefreshTTL)
	}

	engine := &Engine{
		config:   cfg,
		accounts: b.accounts,
		logger:   logger,
		now:      now,
		metrics:  NewMetrics(cfg.Metrics),

		failOpenLog: xrate.Sometimes{Interval: time.Minute},
		unboundLog:  xrate.Sometimes{Interval: time.Minute},
	}

	if len(cfg.TOTP.MasterKey) > 0 {
		v, err := vault.New(cfg.TOTP.MasterKey)
		if err != nil {
			return nil, configError("TOTP.MasterKey", err.Error())
		}
		engine.vault = v
	} else {
		logger.Warn("totp master key not configured; 2FA secrets will be stored unencrypted",
			slog.Bool("production", cfg.Security.ProductionMode))
	}

	// -------- BREAKER --------
	engine.breaker = breaker.New(breaker.Config{
		Name:             "kvstore",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			if to == breaker.StateOpen {
				engine.metricInc(MetricBreakerOpened)
				logger.Error("circuit breaker opened", slog.String("breaker", name), slog.String("from", string(from)))
				return
			}
			logger.Warn("circuit breaker state change", slog.String("breaker", name),
				slog.String("from", string(from)), slog.String("to", string(to)))
		},
	})
	guarded := breaker.GuardStore(b.store, engine.breaker)

	// -------- STORES --------
	engine.revocation = revocation.New(guarded, revocation.Config{
		Prefix:              cfg.Revocation.Prefix,
		MaxTTL:              cfg.Revocation.MaxTTL,
		RequireRegistration: cfg.Revocation.RequireRegistration,
		Now:                 now,
	})
	engine.lockout = limiters.NewLockoutLimiter(guarded, limiters.LockoutConfig{
		Tiers:  cfg.lockoutTiers(),
		Window: cfg.Lockout.Window,
		Now:    now,
	})
	engine.totpLimiter = limiters.NewTOTPLimiter(guarded, limiters.TOTPLimiterConfig{
		MaxAttempts: cfg.TOTP.MaxAttempts,
		Cooldown:    cfg.TOTP.AttemptWindow,
	})

	classes := make(map[string]rate.Rule, len(cfg.RateLimit.Classes))
	for name, rule := range cfg.RateLimit.Classes {
		classes[name] = rate.Rule{Limit: rule.Limit, Window: rule.Window}
	}
	if cfg.RateLimit.FailOpen {
		logger.Warn("rate limiter configured to fail open", slog.Bool("production", cfg.Security.ProductionMode))
	}
	engine.rateLimiter = rate.New(guarded, rate.Config{
		Default:  rate.Rule{Limit: cfg.RateLimit.Default.Limit, Window: cfg.RateLimit.Default.Window},
		Classes:  classes,
		FailOpen: cfg.RateLimit.FailOpen,
		OnFailOpen: func(class, client string, err error) {
			engine.metricInc(MetricRateLimitFailOpen)
			engine.failOpenLog.Do(func() {
				logger.Warn("rate limit store unavailable; admitting request",
					slog.String("class", class), slog.String("client", client), slog.Any("err", err))
			})
		},
	})

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop: func(audit.Event) {
			engine.metricInc(MetricAuditDropped)
		},
	}, b.sink)

	// -------- CRYPTO --------
	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, configError("Password", err.Error())
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:         cfg.JWT.AccessTTL,
		RefreshTTL:        cfg.JWT.RefreshTTL,
		ReauthTTL:         cfg.JWT.ReauthTTL,
		SigningMethod:     jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:        cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:         cloneBytes(cfg.JWT.PublicKey),
		AllowedAlgorithms: cfg.JWT.AllowedAlgorithms,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
		Leeway:            cfg.JWT.Leeway,
		Now:               now,
	})
	if err != nil {
		return nil, configError("JWT", err.Error())
	}
	engine.jwtManager = jm

	tm, err := newTOTPManager(cfg.TOTP)
	if err != nil {
		return nil, configError("TOTP", err.Error())
	}
	engine.totp = tm

	b.built = true

	return engine, nil
}
