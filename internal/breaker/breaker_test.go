package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/vpnauth/kvstore"
)

var errBackend = errors.New("connection refused")

// flakyStore fails every call while down is set.
type flakyStore struct {
	kvstore.Store
	down  atomic.Bool
	calls atomic.Int64
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return "", errors.Join(kvstore.ErrUnavailable, errBackend)
	}
	return f.Store.Get(ctx, key)
}

func newGuarded(t *testing.T, recovery time.Duration) (*flakyStore, kvstore.Store, *Breaker, *[]State) {
	t.Helper()
	var (
		mu          sync.Mutex
		transitions []State
	)
	b := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		RecoveryTimeout:  recovery,
		OnStateChange: func(_ string, _, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	flaky := &flakyStore{Store: kvstore.NewMemory(nil)}
	return flaky, GuardStore(flaky, b), b, &transitions
}

func TestOpensAfterThreeConsecutiveFailures(t *testing.T) {
	flaky, store, b, _ := newGuarded(t, time.Minute)
	flaky.down.Store(true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Get(ctx, "k")
		require.ErrorIs(t, err, kvstore.ErrUnavailable)
		require.NotErrorIs(t, err, ErrOpen)
	}
	require.Equal(t, StateOpen, b.State())
	// Each counted failure was retried once.
	require.EqualValues(t, 6, flaky.calls.Load())

	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, kvstore.ErrUnavailable)

	var open *OpenError
	require.ErrorAs(t, err, &open)
	require.Greater(t, open.RetryAfter, 50*time.Second)
	require.EqualValues(t, 6, flaky.calls.Load(), "open circuit must not reach the backend")
}

func TestNotFoundDoesNotCountAsFailure(t *testing.T) {
	_, store, b, _ := newGuarded(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Get(ctx, "missing")
		require.ErrorIs(t, err, kvstore.ErrNotFound)
	}
	require.Equal(t, StateClosed, b.State())
}

func TestRetrySucceedsWithoutCountingFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	attempts := 0
	err := b.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errBackend
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, StateClosed, b.State())
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, func(context.Context) error { return errBackend }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var trials atomic.Int32
	err := b.Do(ctx, func(context.Context) error {
		trials.Add(1)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen, "second call during the trial must be rejected")
	require.Zero(t, trials.Load())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	flaky, store, b, transitions := newGuarded(t, 50*time.Millisecond)
	flaky.down.Store(true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = store.Get(ctx, "k")
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, kvstore.ErrUnavailable)
	require.Equal(t, StateOpen, b.State())

	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrOpen)

	require.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen}, *transitions)
}

func TestCancelledContextIsNotAFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateClosed, b.State())
}

func TestDefaults(t *testing.T) {
	b := New(Config{})
	require.Equal(t, "kvstore", b.Name())
	require.Equal(t, StateClosed, b.State())
}
