package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/vpnauth/kvstore"
)

type guardedStore struct {
	next kvstore.Store
	b    *Breaker
}

// GuardStore routes every call on next through b. Only kvstore.ErrUnavailable counts
// against the circuit; ErrNotFound and friends are ordinary results.
func GuardStore(next kvstore.Store, b *Breaker) kvstore.Store {
	return &guardedStore{next: next, b: b}
}

func (g *guardedStore) run(ctx context.Context, fn func(ctx context.Context) error) error {
	var result error
	err := g.b.Do(ctx, func(ctx context.Context) error {
		result = nil
		err := fn(ctx)
		if err != nil && !errors.Is(err, kvstore.ErrUnavailable) {
			result = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return result
}

func (g *guardedStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	var (
		n   int64
		rem time.Duration
	)
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		n, rem, err = g.next.Incr(ctx, key, ttl)
		return err
	})
	return n, rem, err
}

func (g *guardedStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		v, err = g.next.Get(ctx, key)
		return err
	})
	return v, err
}

func (g *guardedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.next.Set(ctx, key, value, ttl)
	})
}

func (g *guardedStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		ok, err = g.next.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (g *guardedStore) CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error) {
	var ok bool
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		ok, err = g.next.CompareAndSwap(ctx, key, expected, next)
		return err
	})
	return ok, err
}

func (g *guardedStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		ok, err = g.next.Expire(ctx, key, ttl)
		return err
	})
	return ok, err
}

func (g *guardedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		d, err = g.next.TTL(ctx, key)
		return err
	})
	return d, err
}

func (g *guardedStore) Del(ctx context.Context, keys ...string) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.next.Del(ctx, keys...)
	})
}
