package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"scankeeper/internal/common"
)

// Login prompts for a username (prefilled with the remembered one) and a
// passphrase, then runs the login flow.
func (a *App) Login(ctx context.Context) error {
	prompt := "Enter username"
	if remembered := a.auth.RememberedUsername(ctx); remembered != "" {
		prompt = fmt.Sprintf("Enter username (Enter for %s)", remembered)
	}
	username, err := GetSimpleText(a.reader, prompt, os.Stdout)
	if err != nil {
		return err
	}
	if username == "" {
		username = a.auth.RememberedUsername(ctx)
	}

	passphrase, err := GetPassphrase(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(passphrase)

	remember, err := GetSimpleText(a.reader, "Remember username? (y/n)", os.Stdout)
	if err != nil {
		return err
	}

	result := a.auth.Login(ctx, username, string(passphrase), remember == "y")
	if !result.Success {
		printlnFn("Login failed:", result.ErrorMessage)
		return nil
	}

	if result.IsNewUser {
		printlnFn(fmt.Sprintf("Welcome, %s! This looks like your first visit.", username))
	} else {
		printlnFn(fmt.Sprintf("Welcome back, %s!", username))
	}
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	a.auth.Logout(ctx)
	printlnFn("Logged out")
	return nil
}

func (a *App) Lock(ctx context.Context) error {
	if err := a.auth.Lock(ctx); err != nil {
		printlnFn("Cannot lock:", err.Error())
		return nil
	}
	printlnFn("Session locked")
	return nil
}

func (a *App) Unlock(ctx context.Context) error {
	passphrase, err := GetPassphrase(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(passphrase)

	if err := a.auth.Unlock(ctx, string(passphrase)); err != nil {
		printlnFn("Cannot unlock:", err.Error())
		return nil
	}
	printlnFn("Session unlocked")
	return nil
}

// Status prints the login state and how long the session remains valid.
func (a *App) Status(ctx context.Context) error {
	state := a.auth.State()
	if !state.IsLoggedIn {
		printlnFn("Not logged in")
		return nil
	}

	printlnFn(fmt.Sprintf("Logged in as %s", state.Username))
	if state.IsLocked {
		printlnFn("Session is locked")
	}
	printlnFn(fmt.Sprintf("Session expires in %s", a.auth.RemainingTime(ctx).Round(time.Second)))
	return nil
}

// Whoami prints the identity's public key and its recorded activity.
func (a *App) Whoami(ctx context.Context) error {
	state := a.auth.State()
	if !state.IsLoggedIn {
		printlnFn("Not logged in")
		return nil
	}

	printlnFn(fmt.Sprintf("Username:   %s", state.Username))
	printlnFn(fmt.Sprintf("Public key: %s", state.PublicKey))
	if a.auth.IsReturningUser(ctx) {
		printlnFn("Returning user")
	} else {
		printlnFn("New user, no content recorded yet")
	}
	return nil
}
