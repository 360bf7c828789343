// Command vpnauth-server runs the auth HTTP API.
//
// Configuration comes from the environment (optionally a .env file). Besides the engine
// settings read by vpnauth.ConfigFromEnv it uses:
//
//	DATABASE_URL     postgres DSN for accounts
//	SQLITE_PATH      sqlite file for accounts when DATABASE_URL is unset
//	REDIS_URL        redis URL; unset outside production starts an in-process miniredis
//	TRUSTED_PROXIES  comma separated CIDRs allowed to set X-Forwarded-For
//	LOG_LEVEL        debug, info, warn or error
//	SENTRY_DSN       error reporting; unset disables it
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/MrEthical07/vpnauth"
	"github.com/MrEthical07/vpnauth/httpapi"
	"github.com/MrEthical07/vpnauth/internal/audit"
	"github.com/MrEthical07/vpnauth/internal/observability"
	"github.com/MrEthical07/vpnauth/metrics/export/prometheus"
	"github.com/MrEthical07/vpnauth/middleware"
)

var version = "dev"

func main() {
	var (
		addr     = pflag.String("addr", envOr("HTTP_ADDR", ":8080"), "listen address")
		envFile  = pflag.String("env-file", ".env", "optional dotenv file loaded before reading the environment")
		shutdown = pflag.Duration("shutdown-timeout", 15*time.Second, "graceful shutdown deadline")
	)
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(2)
	}

	logger := observability.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"))
	if err := run(logger, *addr, *shutdown); err != nil {
		logger.Error("server exited", slog.Any("err", err))
		observability.CaptureError(err, map[string]string{"phase": "run"})
		observability.FlushSentry()
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr string, shutdownTimeout time.Duration) error {
	cfg, err := vpnauth.ConfigFromEnv()
	if err != nil {
		return err
	}
	environment := envOr("APP_ENV", "development")
	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment, version); err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	defer observability.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts, err := openAccounts(ctx, logger)
	if err != nil {
		return err
	}
	defer accounts.Close()

	kv, err := openRedis(ctx, logger, cfg.Security.ProductionMode)
	if err != nil {
		return err
	}
	defer kv.Close()

	proxies, err := parseProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return err
	}

	builder := vpnauth.New().
		WithConfig(cfg).
		WithRedis(kv.client).
		WithAccountStore(accounts).
		WithLogger(logger)
	if cfg.Audit.Enabled {
		builder = builder.WithAuditSink(audit.SlogSink{Logger: logger.With(slog.String("stream", "audit"))})
	}
	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()
	if !engine.EncryptsTOTPSecrets() {
		logger.Warn("TOTP_MASTER_KEY not set; 2fa secrets are stored unencrypted")
	}

	handler := httpapi.NewRouter(engine, httpapi.Options{
		Logger:   logger,
		Metadata: middleware.MetadataConfig{TrustedProxies: proxies},
		Metrics:  prometheus.NewExporter(engine).Handler(),
		Ready: func(ctx context.Context) error {
			if err := accounts.Ping(ctx); err != nil {
				return fmt.Errorf("accounts: %w", err)
			}
			if err := kv.client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", addr), slog.String("env", environment), slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
