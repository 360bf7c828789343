// Command vpnauth-admin is the operator tool for accounts and lockouts.
//
//	vpnauth-admin hash            [--password-stdin]
//	vpnauth-admin create-account  --login L [--email E] [--role R] [--verified] [--password-stdin]
//	vpnauth-admin set-active      --login L --active=false
//	vpnauth-admin verify-email    --login L
//	vpnauth-admin lockout-status  --login L
//	vpnauth-admin unlock          --login L
//
// It reads the same environment as vpnauth-server (DATABASE_URL or SQLITE_PATH, REDIS_URL).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/MrEthical07/vpnauth"
	"github.com/MrEthical07/vpnauth/accountstore"
	"github.com/MrEthical07/vpnauth/password"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"hash":           {"print an argon2id hash for a password", runHash},
	"create-account": {"create an account", runCreateAccount},
	"set-active":     {"activate or deactivate an account", runSetActive},
	"verify-email":   {"mark an account's email verified", runVerifyEmail},
	"lockout-status": {"show the lockout state of a login", runLockoutStatus},
	"unlock":         {"clear every lockout state of a login, including permanent", runUnlock},
}

type app struct {
	stdin  io.Reader
	stdout io.Writer
}

func main() {
	_ = godotenv.Load()
	a := &app{stdin: os.Stdin, stdout: os.Stdout}
	if err := a.dispatch(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		a.usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return cmd.run(ctx, a, args[1:])
}

func (a *app) usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(a.stdout, "usage: vpnauth-admin <command> [flags]")
	for _, name := range names {
		fmt.Fprintf(a.stdout, "  %-15s %s\n", name, commands[name].summary)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func requireLogin(login string) error {
	if strings.TrimSpace(login) == "" {
		return fmt.Errorf("%w: --login is required", errUsage)
	}
	return nil
}

// readPassword takes the first line of stdin.
func (a *app) readPassword() (string, error) {
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}

func (a *app) hasher() (*password.Argon2, error) {
	cfg, err := vpnauth.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
}

func (a *app) accounts(ctx context.Context) (*accountstore.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return accountstore.OpenPostgres(ctx, dsn)
	}
	path := os.Getenv("SQLITE_PATH")
	if path == "" {
		path = "vpnauth.db"
	}
	return accountstore.OpenSQLite(ctx, path)
}

// engine builds an engine against the live stores. The caller closes both.
func (a *app) engine(ctx context.Context) (*vpnauth.Engine, func(), error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil, nil, errors.New("REDIS_URL is required for lockout commands")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	cfg, err := vpnauth.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	store, err := a.accounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	engine, err := vpnauth.New().WithConfig(cfg).WithRedis(client).WithAccountStore(store).Build()
	if err != nil {
		_ = client.Close()
		_ = store.Close()
		return nil, nil, err
	}
	return engine, func() {
		engine.Close()
		_ = client.Close()
		_ = store.Close()
	}, nil
}
