package limiters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/vpnauth/kvstore"
)

// State is a position on the lockout escalation ladder.
type State string

const (
	StateOK        State = "ok"
	StateWarn      State = "warn"
	StateThrottled State = "throttled"
	StateLocked    State = "locked"
	StatePermanent State = "permanent"
)

// Tier is one rung of the ladder: once Failures consecutive failures have been recorded,
// every further failure sets the earliest-retry-at to now+Delay. A Permanent tier locks
// the identifier until an operator unlocks it.
type Tier struct {
	Failures  int64
	Delay     time.Duration
	State     State
	Permanent bool
}

// DefaultLockoutTiers returns 3 -> 5s, 5 -> 1m, 10 -> 30m, 20 -> permanent.
func DefaultLockoutTiers() []Tier {
	return []Tier{
		{Failures: 3, Delay: 5 * time.Second, State: StateWarn},
		{Failures: 5, Delay: time.Minute, State: StateThrottled},
		{Failures: 10, Delay: 30 * time.Minute, State: StateLocked},
		{Failures: 20, State: StatePermanent, Permanent: true},
	}
}

const (
	defaultLockoutWindow = 24 * time.Hour
	lockoutOpTimeout     = 2 * time.Second
	claimRetries         = 8

	// permanentHold keeps the retry gate closed while a permanent-tier attempt is in flight.
	permanentHold = 100 * 365 * 24 * time.Hour
)

// LockoutConfig holds configuration for the progressive lockout tracker.
type LockoutConfig struct {
	// Tiers must be sorted by ascending Failures. Empty uses DefaultLockoutTiers.
	Tiers []Tier
	// Window is how long a failure run is remembered after the most recent failure.
	Window time.Duration
	Now    func() time.Time
}

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
	// ErrInvalidTiers is returned by ValidateTiers.
	ErrInvalidTiers = errors.New("invalid lockout tiers")
)

// Status is the lockout position of one identifier at one instant.
type Status struct {
	State      State
	Failures   int64
	RetryAfter time.Duration
}

// Blocked reports whether an authentication attempt must be rejected without evaluating
// credentials.
func (s Status) Blocked() bool {
	return s.State == StatePermanent || s.RetryAfter > 0
}

// LockoutLimiter counts consecutive failed logins per identifier and enforces escalating
// delays server-side through a stored earliest-retry-at timestamp.
type LockoutLimiter struct {
	store  kvstore.Store
	config LockoutConfig
}

// ValidateTiers checks ordering and that only the final tier is permanent.
func ValidateTiers(tiers []Tier) error {
	var prev int64
	for i, t := range tiers {
		if t.Failures <= prev {
			return fmt.Errorf("%w: tier %d threshold %d must exceed %d", ErrInvalidTiers, i, t.Failures, prev)
		}
		if t.Permanent && i != len(tiers)-1 {
			return fmt.Errorf("%w: only the last tier may be permanent", ErrInvalidTiers)
		}
		if !t.Permanent && t.Delay <= 0 {
			return fmt.Errorf("%w: tier %d needs a positive delay", ErrInvalidTiers, i)
		}
		prev = t.Failures
	}
	return nil
}

// NewLockoutLimiter creates a lockout tracker on store.
func NewLockoutLimiter(store kvstore.Store, cfg LockoutConfig) *LockoutLimiter {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultLockoutTiers()
	}
	for i := range cfg.Tiers {
		if cfg.Tiers[i].State == "" {
			cfg.Tiers[i].State = StateThrottled
			if cfg.Tiers[i].Permanent {
				cfg.Tiers[i].State = StatePermanent
			}
		}
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultLockoutWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LockoutLimiter{store: store, config: cfg}
}

func countKey(id string) string     { return "lo:c:" + id }
func retryKey(id string) string     { return "lo:r:" + id }
func permanentKey(id string) string { return "lo:p:" + id }

func (l *LockoutLimiter) tierFor(failures int64) (Tier, bool) {
	var (
		found Tier
		ok    bool
	)
	for _, t := range l.config.Tiers {
		if failures >= t.Failures {
			found, ok = t, true
		}
	}
	return found, ok
}

func (l *LockoutLimiter) stateFor(failures int64) State {
	if t, ok := l.tierFor(failures); ok {
		return t.State
	}
	return StateOK
}

// Check returns the current status of id without changing it.
func (l *LockoutLimiter) Check(ctx context.Context, id string) (Status, error) {
	if id == "" {
		return Status{State: StateOK}, nil
	}

	if _, err := l.store.Get(ctx, permanentKey(id)); err == nil {
		failures, _ := l.failures(ctx, id)
		return Status{State: StatePermanent, Failures: failures}, nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return Status{}, wrapUnavailable(err)
	}

	failures, err := l.failures(ctx, id)
	if err != nil {
		return Status{}, err
	}

	status := Status{State: l.stateFor(failures), Failures: failures}

	raw, err := l.store.Get(ctx, retryKey(id))
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		return Status{}, wrapUnavailable(err)
	default:
		retryAtMS, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr == nil {
			if wait := time.UnixMilli(retryAtMS).Sub(l.config.Now()); wait > 0 {
				status.RetryAfter = wait
			}
		}
	}

	return status, nil
}

func (l *LockoutLimiter) failures(ctx context.Context, id string) (int64, error) {
	raw, err := l.store.Get(ctx, countKey(id))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		return 0, wrapUnavailable(err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// Attempt is one admitted authentication attempt. It is charged as a failure when
// admitted and must be settled with exactly one of Fail, Succeed or Release. Settling
// twice is a no-op.
type Attempt struct {
	id      string
	count   int64
	tier    Tier
	gated   bool
	settled bool
}

// Begin admits one attempt for id or reports why it cannot proceed.
//
// The attempt is charged before credentials are evaluated: Begin moves the failure count
// from n to n+1 with a compare-and-swap, so concurrent attempts each own a distinct
// count. An attempt whose count reaches a tier must first win the retry gate, and losers
// come back blocked without being charged. A burst of parallel guesses therefore
// evaluates no more than the first tier's threshold.
func (l *LockoutLimiter) Begin(ctx context.Context, id string) (*Attempt, Status, error) {
	if id == "" {
		return &Attempt{settled: true}, Status{State: StateOK}, nil
	}

	for i := 0; i < claimRetries; i++ {
		status, err := l.Check(ctx, id)
		if err != nil {
			return nil, Status{}, err
		}
		if status.Blocked() {
			return nil, status, nil
		}

		n := status.Failures
		tier, tiered := l.tierFor(n + 1)
		if tiered {
			won, err := l.acquireGate(ctx, id, tier)
			if err != nil {
				return nil, Status{}, err
			}
			if !won {
				continue
			}
		}

		claimed, err := l.claimCount(ctx, id, n)
		if err == nil && claimed {
			return &Attempt{id: id, count: n + 1, tier: tier, gated: tiered}, status, nil
		}
		if tiered {
			_ = l.store.Del(ctx, retryKey(id))
		}
		if err != nil {
			return nil, Status{}, err
		}
	}

	// Lost every race to concurrent attempts.
	return nil, Status{State: StateThrottled, RetryAfter: time.Second}, nil
}

// claimCount moves the failure count of id from n to n+1.
func (l *LockoutLimiter) claimCount(ctx context.Context, id string, n int64) (bool, error) {
	if n == 0 {
		ok, err := l.store.SetNX(ctx, countKey(id), "1", l.config.Window)
		if err != nil {
			return false, wrapUnavailable(err)
		}
		return ok, nil
	}

	ok, err := l.store.CompareAndSwap(ctx, countKey(id), strconv.FormatInt(n, 10), strconv.FormatInt(n+1, 10))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapUnavailable(err)
	}
	if !ok {
		return false, nil
	}
	// Slide the window so it is measured from the latest failure.
	if _, err := l.store.Expire(ctx, countKey(id), l.config.Window); err != nil {
		l.refund(ctx, id)
		return false, wrapUnavailable(err)
	}
	return true, nil
}

// acquireGate claims the earliest-retry-at key for one in-flight tiered attempt. A key
// whose deadline has passed is taken over with a compare-and-swap so exactly one caller
// wins even when the store has not expired it yet.
func (l *LockoutLimiter) acquireGate(ctx context.Context, id string, tier Tier) (bool, error) {
	now := l.config.Now()
	hold, ttl := tier.Delay, tier.Delay
	if tier.Permanent {
		hold, ttl = permanentHold, 0
	}
	next := strconv.FormatInt(now.Add(hold).UnixMilli(), 10)

	for i := 0; i < 3; i++ {
		ok, err := l.store.SetNX(ctx, retryKey(id), next, ttl)
		if err != nil {
			return false, wrapUnavailable(err)
		}
		if ok {
			return true, nil
		}
		raw, err := l.store.Get(ctx, retryKey(id))
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, wrapUnavailable(err)
		}
		if retryAtMS, perr := strconv.ParseInt(raw, 10, 64); perr == nil && time.UnixMilli(retryAtMS).After(now) {
			return false, nil
		}
		swapped, err := l.store.CompareAndSwap(ctx, retryKey(id), raw, next)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, wrapUnavailable(err)
		}
		if !swapped {
			return false, nil
		}
		if _, err := l.store.Expire(ctx, retryKey(id), ttl); err != nil {
			return false, wrapUnavailable(err)
		}
		return true, nil
	}
	return false, nil
}

// Fail settles a after the credentials were rejected and applies its tier.
//
// The writes run on a context detached from ctx's cancellation: a caller that disconnects
// mid-request is still charged.
func (l *LockoutLimiter) Fail(ctx context.Context, a *Attempt) (Status, error) {
	if a == nil || a.settled {
		return Status{State: StateOK}, nil
	}
	a.settled = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockoutOpTimeout)
	defer cancel()

	if !a.gated {
		return Status{State: StateOK, Failures: a.count}, nil
	}

	if a.tier.Permanent {
		if err := l.store.Set(ctx, permanentKey(a.id), strconv.FormatInt(l.config.Now().UnixMilli(), 10), 0); err != nil {
			return Status{}, wrapUnavailable(err)
		}
		return Status{State: StatePermanent, Failures: a.count}, nil
	}

	// The delay runs from the failure, not from the claim.
	retryAt := l.config.Now().Add(a.tier.Delay)
	if err := l.store.Set(ctx, retryKey(a.id), strconv.FormatInt(retryAt.UnixMilli(), 10), a.tier.Delay); err != nil {
		return Status{}, wrapUnavailable(err)
	}
	return Status{State: a.tier.State, Failures: a.count, RetryAfter: a.tier.Delay}, nil
}

// Succeed settles a after a successful authentication and clears the failure run.
func (l *LockoutLimiter) Succeed(ctx context.Context, a *Attempt) error {
	if a == nil || a.settled {
		return nil
	}
	a.settled = true
	return l.Reset(ctx, a.id)
}

// Release settles an attempt that ended without a verdict (backend error, inactive
// account): the charge is refunded and a held gate is dropped.
func (l *LockoutLimiter) Release(ctx context.Context, a *Attempt) {
	if a == nil || a.settled {
		return
	}
	a.settled = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockoutOpTimeout)
	defer cancel()
	l.refund(ctx, a.id)
	if a.gated {
		_ = l.store.Del(ctx, retryKey(a.id))
	}
}

// refund takes one charge back off the count. Best effort.
func (l *LockoutLimiter) refund(ctx context.Context, id string) {
	for i := 0; i < claimRetries; i++ {
		raw, err := l.store.Get(ctx, countKey(id))
		if err != nil {
			return
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return
		}
		swapped, err := l.store.CompareAndSwap(ctx, countKey(id), raw, strconv.FormatInt(n-1, 10))
		if err != nil || swapped {
			return
		}
	}
}

// Reset clears the failure run after a successful authentication. A permanent lock is
// left in place.
func (l *LockoutLimiter) Reset(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := l.store.Del(ctx, countKey(id), retryKey(id)); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// Unlock is the operator path: it clears every lockout key for id, including a permanent lock.
func (l *LockoutLimiter) Unlock(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := l.store.Del(ctx, countKey(id), retryKey(id), permanentKey(id)); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrLockoutUnavailable, err)
}
