package rate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/vpnauth/internal/breaker"
	"github.com/MrEthical07/vpnauth/kvstore"
)

const (
	keyPrefix         = "rl:"
	unknownClient     = "unknown"
	defaultLimit      = 60
	defaultWindow     = time.Minute
	detachedOpTimeout = 2 * time.Second
)

// Rule is the budget for one endpoint class.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Config holds rate limiter tuning parameters.
type Config struct {
	Default Rule
	Classes map[string]Rule
	// FailOpen lets requests through when the store is unavailable. Off by default.
	FailOpen bool
	// OnFailOpen is called for every request admitted because of FailOpen.
	OnFailOpen func(class, client string, err error)
}

// Limiter enforces per-class, per-client request budgets.
type Limiter struct {
	store  kvstore.Store
	config Config
}

// New creates a [Limiter] backed by store. store is normally breaker-guarded.
func New(store kvstore.Store, cfg Config) *Limiter {
	if cfg.Default.Limit <= 0 {
		cfg.Default.Limit = defaultLimit
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = defaultWindow
	}
	return &Limiter{store: store, config: cfg}
}

// FailOpen reports whether the limiter admits requests while its store is down.
func (l *Limiter) FailOpen() bool {
	return l.config.FailOpen
}

func (l *Limiter) rule(class string) Rule {
	if r, ok := l.config.Classes[class]; ok && r.Limit > 0 && r.Window > 0 {
		return r
	}
	return l.config.Default
}

func key(class, client string) string {
	if client == "" {
		client = unknownClient
	}
	return keyPrefix + class + ":" + strings.ToLower(client)
}

// Allow counts one request for (class, client) and decides whether it may proceed.
//
// The increment runs on a context detached from ctx's cancellation so a client that
// disconnects mid-request is still charged.
func (l *Limiter) Allow(ctx context.Context, class, client string) error {
	rule := l.rule(class)

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedOpTimeout)
	defer cancel()

	count, remaining, err := l.store.Incr(opCtx, key(class, client), rule.Window)
	if err != nil {
		if l.config.FailOpen {
			if l.config.OnFailOpen != nil {
				l.config.OnFailOpen(class, client, err)
			}
			return nil
		}
		return &UnavailableError{RetryAfter: retryHint(err), Err: err}
	}

	if count > rule.Limit {
		if remaining <= 0 {
			remaining = rule.Window
		}
		return &RateLimitedError{Class: class, RetryAfter: remaining}
	}
	return nil
}

func retryHint(err error) time.Duration {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return open.RetryAfter
	}
	return 0
}
