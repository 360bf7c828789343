package revocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/vpnauth/kvstore"
)

func newRevocationTest(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(kvstore.NewRedis(rdb), cfg)
	return store, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRegisterThenRevoke(t *testing.T) {
	store, _, done := newRevocationTest(t, Config{RequireRegistration: true})
	defer done()
	ctx := context.Background()
	exp := time.Now().Add(15 * time.Minute)

	if err := store.Register(ctx, "j1", exp); err != nil {
		t.Fatalf("register: %v", err)
	}
	revoked, err := store.IsRevoked(ctx, "j1", "acct-1", 0)
	if err != nil || revoked {
		t.Fatalf("fresh token: revoked=%v err=%v", revoked, err)
	}

	if err := store.Revoke(ctx, "j1", exp); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err = store.IsRevoked(ctx, "j1", "acct-1", 0)
	if err != nil || !revoked {
		t.Fatalf("revoked token: revoked=%v err=%v", revoked, err)
	}
}

func TestRevokedStaysRevokedUnderConcurrentRegister(t *testing.T) {
	store, _, done := newRevocationTest(t, Config{})
	defer done()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	if err := store.Revoke(ctx, "j-race", exp); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Register(ctx, "j-race", exp)
			revoked, err := store.IsRevoked(ctx, "j-race", "", 0)
			if err != nil || !revoked {
				t.Errorf("revoked jti accepted: revoked=%v err=%v", revoked, err)
			}
		}()
	}
	wg.Wait()
}

func TestRequireRegistration(t *testing.T) {
	strict, _, done := newRevocationTest(t, Config{RequireRegistration: true})
	defer done()
	lenient, _, done2 := newRevocationTest(t, Config{})
	defer done2()
	ctx := context.Background()

	if revoked, _ := strict.IsRevoked(ctx, "never-seen", "", 0); !revoked {
		t.Fatal("strict store must reject unregistered jti")
	}
	if revoked, _ := lenient.IsRevoked(ctx, "never-seen", "", 0); revoked {
		t.Fatal("lenient store must accept unregistered jti")
	}
}

func TestEntriesExpireWithToken(t *testing.T) {
	store, mr, done := newRevocationTest(t, Config{})
	defer done()
	ctx := context.Background()

	if err := store.Register(ctx, "j-exp", time.Now().Add(10*time.Second)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ttl := mr.TTL("rv:j:j-exp"); ttl <= 0 || ttl > 10*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	mr.FastForward(11 * time.Second)
	if mr.Exists("rv:j:j-exp") {
		t.Fatal("entry must expire with the token")
	}
}

func TestRevokeKeepsLongerTTL(t *testing.T) {
	store, mr, done := newRevocationTest(t, Config{MaxTTL: 48 * time.Hour})
	defer done()
	ctx := context.Background()

	if err := store.Register(ctx, "j", time.Now().Add(7*24*time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ttl := mr.TTL("rv:j:j"); ttl > 48*time.Hour {
		t.Fatalf("ttl must be clamped to MaxTTL, got %s", ttl)
	}
	if err := store.Revoke(ctx, "j", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ttl := mr.TTL("rv:j:j"); ttl < 47*time.Hour {
		t.Fatalf("revoke must keep the longer lifetime, got %s", ttl)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	store, _, done := newRevocationTest(t, Config{})
	defer done()
	ctx := context.Background()

	if err := store.Register(ctx, "r1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}

	var consumed, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Consume(ctx, "r1")
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			switch res {
			case Consumed:
				consumed.Add(1)
			case AlreadyRevoked:
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	if consumed.Load() != 1 || replayed.Load() != 15 {
		t.Fatalf("expected exactly one winner, got consumed=%d replayed=%d", consumed.Load(), replayed.Load())
	}

	res, err := store.Consume(ctx, "missing")
	if err != nil || res != Unknown {
		t.Fatalf("missing jti: res=%s err=%v", res, err)
	}
}

func TestRevokeAllGenerations(t *testing.T) {
	store, _, done := newRevocationTest(t, Config{})
	defer done()
	ctx := context.Background()

	gen, err := store.Generation(ctx, "acct-1")
	if err != nil || gen != 0 {
		t.Fatalf("initial generation: gen=%d err=%v", gen, err)
	}
	exp := time.Now().Add(time.Hour)
	_ = store.Register(ctx, "before", exp)

	newGen, err := store.RevokeAll(ctx, "acct-1")
	if err != nil || newGen != 1 {
		t.Fatalf("revoke all: gen=%d err=%v", newGen, err)
	}
	_ = store.Register(ctx, "after", exp)

	if revoked, _ := store.IsRevoked(ctx, "before", "acct-1", gen); !revoked {
		t.Fatal("token from the old generation must be revoked")
	}
	if revoked, _ := store.IsRevoked(ctx, "after", "acct-1", newGen); revoked {
		t.Fatal("token issued after revoke-all must stay valid")
	}
	if revoked, _ := store.IsRevoked(ctx, "other", "acct-2", 0); revoked {
		t.Fatal("other subjects are unaffected")
	}
}

func TestUnavailableFailsClosed(t *testing.T) {
	store, mr, done := newRevocationTest(t, Config{})
	defer done()
	mr.Close()

	revoked, err := store.IsRevoked(context.Background(), "j", "acct", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, kvstore.ErrUnavailable) {
		t.Fatal("backend error must stay matchable")
	}
	if !revoked {
		t.Fatal("store failure must report revoked")
	}
}

func TestEmptyJTI(t *testing.T) {
	store := New(kvstore.NewMemory(nil), Config{})
	if err := store.Register(context.Background(), "", time.Time{}); !errors.Is(err, ErrInvalidJTI) {
		t.Fatalf("expected ErrInvalidJTI, got %v", err)
	}
	if revoked, _ := store.IsRevoked(context.Background(), "", "", 0); !revoked {
		t.Fatal("empty jti must be treated as revoked")
	}
}
