package vpnauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/vpnauth/kvstore"
)

const (
	testLogin    = "alice@example.com"
	testPassword = "correct-horse-battery"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

// fakeClock is shared by the engine, the JWT manager and the in-memory store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	byLogin  map[string]string
	totp     map[string]TOTPRecord

	getByIDCalls int
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{
		accounts: make(map[string]Account),
		byLogin:  make(map[string]string),
		totp:     make(map[string]TOTPRecord),
	}
}

func (s *memAccountStore) add(acct Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
	s.byLogin[normalizeLogin(acct.Login)] = acct.ID
}

func (s *memAccountStore) account(id string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memAccountStore) totpRecord(id string) (TOTPRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.totp[id]
	return rec, ok
}

func (s *memAccountStore) GetAccountByLogin(_ context.Context, login string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byLogin[normalizeLogin(login)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.accounts[id], nil
}

func (s *memAccountStore) GetAccountByID(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getByIDCalls++
	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (s *memAccountStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.PasswordHash = hash
	s.accounts[id] = acct
	return nil
}

func (s *memAccountStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.LastLoginAt = at
	s.accounts[id] = acct
	return nil
}

func (s *memAccountStore) GetTOTP(_ context.Context, accountID string) (TOTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.totp[accountID]
	if !ok {
		return TOTPRecord{}, ErrAccountNotFound
	}
	return rec, nil
}

func (s *memAccountStore) SaveTOTP(_ context.Context, rec TOTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.totp[rec.AccountID]; ok && cur.State == TOTPConfirmed {
		return errors.New("confirmed totp record exists")
	}
	s.totp[rec.AccountID] = rec
	return nil
}

func (s *memAccountStore) ConfirmTOTP(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.totp[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.State = TOTPConfirmed
	rec.ConfirmedAt = at
	s.totp[accountID] = rec
	acct := s.accounts[accountID]
	acct.TOTPEnabled = true
	s.accounts[accountID] = acct
	return nil
}

func (s *memAccountStore) DeleteTOTP(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totp, accountID)
	acct := s.accounts[accountID]
	acct.TOTPEnabled = false
	s.accounts[accountID] = acct
	return nil
}

func (s *memAccountStore) AdvanceTOTPCounter(_ context.Context, accountID string, counter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.totp[accountID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if counter <= rec.LastUsedCounter {
		return false, nil
	}
	rec.LastUsedCounter = counter
	s.totp[accountID] = rec
	return true, nil
}

// failingStore reports every call as a backend outage.
type failingStore struct{}

var errStoreDown = fmt.Errorf("%w: connection refused", kvstore.ErrUnavailable)

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}
func (failingStore) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) CompareAndSwap(context.Context, string, string, string) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) TTL(context.Context, string) (time.Duration, error) { return 0, errStoreDown }
func (failingStore) Del(context.Context, ...string) error               { return errStoreDown }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte(testSecret)
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Security.MinLoginDuration = 0
	return cfg
}

type testEnv struct {
	engine   *Engine
	accounts *memAccountStore
	clock    *fakeClock
	kv       *kvstore.Memory
	acct     Account
}

// newTestEnv builds an engine over an in-memory store driven by a fake clock and seeds
// one active account with testPassword.
func newTestEnv(t *testing.T, cfg Config, opts ...func(*Builder)) *testEnv {
	t.Helper()

	clock := newFakeClock()
	kv := kvstore.NewMemory(clock.Now)
	accounts := newMemAccountStore()

	b := New().
		WithConfig(cfg).
		WithKVStore(kv).
		WithAccountStore(accounts).
		WithClock(clock.Now)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	hash, err := engine.passwordHash.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	acct := Account{
		ID:            "acct-1",
		Login:         testLogin,
		Email:         testLogin,
		PasswordHash:  hash,
		Role:          "subscriber",
		EmailVerified: true,
		Active:        true,
		CreatedAt:     clock.Now(),
	}
	accounts.add(acct)

	return &testEnv{engine: engine, accounts: accounts, clock: clock, kv: kv, acct: acct}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// clientCtx carries the request metadata a refresh token is bound to.
func clientCtx(userAgent string) context.Context {
	ctx := WithClientIP(context.Background(), "203.0.113.7")
	ctx = WithUserAgent(ctx, userAgent)
	return WithAcceptLanguage(ctx, "en-US")
}

func (env *testEnv) login(t *testing.T, ctx context.Context) *TokenPair {
	t.Helper()
	pair, err := env.engine.Login(ctx, LoginRequest{Login: testLogin, Password: testPassword})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return pair
}
