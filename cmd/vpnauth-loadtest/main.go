// Command vpnauth-loadtest measures access-token validation and refresh rotation
// throughput against redis (or an in-process miniredis).
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/MrEthical07/vpnauth"
	"github.com/MrEthical07/vpnauth/accountstore"
	"github.com/MrEthical07/vpnauth/password"
)

const loadPassword = "load-test-password"

// chain is one client's current token pair. Refresh rotation is serial per chain.
type chain struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func main() {
	var (
		accounts    = pflag.Int("accounts", 50, "accounts to seed (each login costs one argon2id hash)")
		chains      = pflag.Int("chains", 200, "token chains to open across the accounts")
		concurrency = pflag.Int("concurrency", 64, "concurrent workers")
		ops         = pflag.Int("ops", 50000, "operations per phase (validate + refresh)")
		redisAddr   = pflag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	pflag.Parse()

	if *accounts <= 0 || *chains <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, chains, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := vpnauth.WithUserAgent(vpnauth.WithClientIP(context.Background(), "198.51.100.1"), "vpnauth-loadtest/1.0")

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fail("failed to start miniredis: %v", err)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	dir, err := os.MkdirTemp("", "vpnauth-loadtest")
	if err != nil {
		fail("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	store, err := accountstore.OpenSQLite(ctx, filepath.Join(dir, "accounts.db"))
	if err != nil {
		fail("open account store: %v", err)
	}
	defer store.Close()

	cfg := vpnauth.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("loadtest-secret-0123456789abcdef!")
	cfg.Security.MinLoginDuration = 0

	engine, err := vpnauth.New().WithConfig(cfg).WithRedis(client).WithAccountStore(store).Build()
	if err != nil {
		fail("build engine: %v", err)
	}
	defer engine.Close()

	startSeed := time.Now()
	logins, err := seedAccounts(ctx, store, cfg, *accounts)
	if err != nil {
		fail("seed accounts: %v", err)
	}
	states := make([]*chain, *chains)
	for i := range states {
		pair, err := engine.Login(ctx, vpnauth.LoginRequest{Login: logins[i%len(logins)], Password: loadPassword})
		if err != nil {
			fail("login %d: %v", i, err)
		}
		states[i] = &chain{access: pair.AccessToken, refresh: pair.RefreshToken}
	}
	fmt.Printf("seeded %d accounts and %d chains in %s\n", *accounts, *chains, time.Since(startSeed).Round(time.Millisecond))

	validateStats := runPhase(*ops, *concurrency, 7919, func(r *rand.Rand, _ int) error {
		st := states[r.Intn(len(states))]
		st.mu.Lock()
		token := st.access
		st.mu.Unlock()
		_, err := engine.ValidateAccess(ctx, token)
		return err
	})
	refreshStats := runPhase(*ops, *concurrency, 6151, func(r *rand.Rand, _ int) error {
		st := states[r.Intn(len(states))]
		st.mu.Lock()
		defer st.mu.Unlock()
		pair, err := engine.Refresh(ctx, st.refresh)
		if err != nil {
			return err
		}
		st.access, st.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
	fmt.Printf("breaker=%s\n", engine.BreakerState())
}

func seedAccounts(ctx context.Context, store *accountstore.Store, cfg vpnauth.Config, n int) ([]string, error) {
	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(loadPassword)
	if err != nil {
		return nil, err
	}
	logins := make([]string, n)
	for i := range logins {
		acct, err := store.CreateAccount(ctx, accountstore.NewAccount{
			Login:         fmt.Sprintf("load-%d@example.com", i),
			PasswordHash:  hash,
			EmailVerified: true,
		})
		if err != nil {
			return nil, err
		}
		logins[i] = acct.Login
	}
	return logins, nil
}

func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
