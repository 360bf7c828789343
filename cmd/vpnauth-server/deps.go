package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/vpnauth/accountstore"
)

func openAccounts(ctx context.Context, logger *slog.Logger) (*accountstore.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		logger.Info("account store", slog.String("driver", "postgres"))
		return accountstore.OpenPostgres(ctx, dsn)
	}
	path := envOr("SQLITE_PATH", "vpnauth.db")
	logger.Info("account store", slog.String("driver", "sqlite"), slog.String("path", path))
	return accountstore.OpenSQLite(ctx, path)
}

type redisHandle struct {
	client redis.UniversalClient
	mr     *miniredis.Miniredis
}

func (h *redisHandle) Close() {
	_ = h.client.Close()
	if h.mr != nil {
		h.mr.Close()
	}
}

func openRedis(ctx context.Context, logger *slog.Logger, production bool) (*redisHandle, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		if production {
			return nil, errors.New("REDIS_URL is required in production")
		}
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start miniredis: %w", err)
		}
		logger.Warn("REDIS_URL not set; using in-process miniredis, state is lost on restart", slog.String("addr", mr.Addr()))
		return &redisHandle{client: redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr: mr}, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// The breaker takes over once running; startup still wants a reachable store.
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis connected", slog.String("addr", opts.Addr))
	return &redisHandle{client: client}, nil
}

// parseProxies accepts CIDRs or bare addresses.
func parseProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}
