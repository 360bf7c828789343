package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const incrScript = `
local count = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if count == 1 and ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
local remaining = redis.call("PTTL", KEYS[1])
return {count, remaining}
`

var incrLua = redis.NewScript(incrScript)

const casScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`

var casLua = redis.NewScript(casScript)

// Redis is a [Store] backed by a go-redis client. All multi-step operations run as Lua
// scripts so they are atomic with respect to other clients.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps client. The caller owns the client's lifecycle.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Client returns the underlying client, used by health checks.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Ping reports whether the backend answers.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrLua.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		if isWrongType(err) {
			return 0, 0, ErrNotInteger
		}
		return 0, 0, unavailable(err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("%w: unexpected incr reply", ErrUnavailable)
	}

	remaining := time.Duration(0)
	if res[1] > 0 {
		remaining = time.Duration(res[1]) * time.Millisecond
	}
	return res[0], remaining, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", unavailable(err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error) {
	res, err := casLua.Run(ctx, r.client, []string{key}, expected, next).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = r.client.Persist(ctx, key).Result()
		if err == nil && !ok {
			// PERSIST reports false for keys without a TTL as well as missing keys.
			n, existsErr := r.client.Exists(ctx, key).Result()
			if existsErr != nil {
				return false, unavailable(existsErr)
			}
			ok = n == 1
		}
	} else {
		ok, err = r.client.PExpire(ctx, key, ttl).Result()
	}
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	// go-redis passes the raw -2 / -1 sentinels through without unit scaling.
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	default:
		return d, nil
	}
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func isWrongType(err error) bool {
	return strings.Contains(err.Error(), "not an integer")
}
