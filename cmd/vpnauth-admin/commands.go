package main

import (
	"context"
	"fmt"

	"github.com/MrEthical07/vpnauth/accountstore"
)

func runHash(_ context.Context, a *app, args []string) error {
	fs := newFlagSet("hash")
	if err := parse(fs, args); err != nil {
		return err
	}
	pw, err := a.readPassword()
	if err != nil {
		return err
	}
	h, err := a.hasher()
	if err != nil {
		return err
	}
	hash, err := h.Hash(pw)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, hash)
	return nil
}

func runCreateAccount(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("create-account")
	login := fs.String("login", "", "login identifier, usually the email")
	email := fs.String("email", "", "contact email; defaults to the login")
	role := fs.String("role", "subscriber", "account role")
	verified := fs.Bool("verified", false, "mark the email as already verified")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireLogin(*login); err != nil {
		return err
	}
	if *email == "" {
		*email = *login
	}

	pw, err := a.readPassword()
	if err != nil {
		return err
	}
	h, err := a.hasher()
	if err != nil {
		return err
	}
	hash, err := h.Hash(pw)
	if err != nil {
		return err
	}

	store, err := a.accounts(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	acct, err := store.CreateAccount(ctx, accountstore.NewAccount{
		Login:         *login,
		Email:         *email,
		PasswordHash:  hash,
		Role:          *role,
		EmailVerified: *verified,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "created %s (%s)\n", acct.ID, acct.Login)
	return nil
}

func runSetActive(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("set-active")
	login := fs.String("login", "", "login identifier")
	active := fs.Bool("active", true, "whether the account may authenticate")
	if err := parse(fs, args); err != nil {
		return err
	}
	return a.updateAccount(ctx, *login, func(store *accountstore.Store, id string) error {
		return store.SetActive(ctx, id, *active)
	})
}

func runVerifyEmail(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("verify-email")
	login := fs.String("login", "", "login identifier")
	if err := parse(fs, args); err != nil {
		return err
	}
	return a.updateAccount(ctx, *login, func(store *accountstore.Store, id string) error {
		return store.SetEmailVerified(ctx, id, true)
	})
}

func (a *app) updateAccount(ctx context.Context, login string, apply func(*accountstore.Store, string) error) error {
	if err := requireLogin(login); err != nil {
		return err
	}
	store, err := a.accounts(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	acct, err := store.GetAccountByLogin(ctx, login)
	if err != nil {
		return fmt.Errorf("%s: %w", login, err)
	}
	if err := apply(store, acct.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "updated %s\n", acct.ID)
	return nil
}

func runLockoutStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("lockout-status")
	login := fs.String("login", "", "login identifier")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireLogin(*login); err != nil {
		return err
	}
	engine, closeAll, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	status, err := engine.LockoutStatus(ctx, *login)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "state=%s failures=%d retry_after=%s\n", status.State, status.Failures, status.RetryAfter)
	return nil
}

func runUnlock(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("unlock")
	login := fs.String("login", "", "login identifier")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireLogin(*login); err != nil {
		return err
	}
	engine, closeAll, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	if err := engine.UnlockAccount(ctx, *login); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "unlocked %s\n", *login)
	return nil
}
