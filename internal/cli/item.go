package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"scankeeper/internal/models"
)

// Add captures a text document and stores it under the current identity.
func (a *App) Add(ctx context.Context) error {
	state := a.auth.State()
	if !state.IsLoggedIn || state.IsLocked {
		printlnFn("Log in and unlock first")
		return nil
	}

	title, err := GetSimpleText(a.reader, "Enter title", os.Stdout)
	if err != nil {
		return err
	}
	body, err := GetMultiline(a.reader, "Enter document text", os.Stdout)
	if err != nil {
		return err
	}

	address, err := a.docs.Add(ctx, state.PublicKey, models.Document{
		Title: title,
		MIME:  "text/plain",
		Data:  []byte(body),
	})
	if err != nil {
		printlnFn("Cannot add document:", err.Error())
		return nil
	}

	a.auth.Touch(ctx)
	printlnFn("Stored at", address)
	return nil
}

// List prints the current identity's documents, most recent first.
func (a *App) List(ctx context.Context) error {
	state := a.auth.State()
	if !state.IsLoggedIn {
		printlnFn("Log in first")
		return nil
	}

	list, err := a.docs.List(ctx, state.PublicKey)
	if err != nil {
		printlnFn("Cannot list documents:", err.Error())
		return nil
	}
	if len(list) == 0 {
		printlnFn("No documents stored")
		return nil
	}

	for _, meta := range list {
		printlnFn(fmt.Sprintf("%s  %6d bytes  %s  %s",
			meta.CreatedAt.Format("2006-01-02 15:04"), meta.Size, meta.Address[:12], meta.Title))
	}
	a.auth.Touch(ctx)
	return nil
}

// Show prints one stored document by its content address.
func (a *App) Show(ctx context.Context) error {
	state := a.auth.State()
	if !state.IsLoggedIn || state.IsLocked {
		printlnFn("Log in and unlock first")
		return nil
	}

	address, err := GetSimpleText(a.reader, "Enter content address", os.Stdout)
	if err != nil {
		return err
	}

	doc, ok, err := a.docs.Get(ctx, address)
	if err != nil {
		printlnFn("Cannot read document:", err.Error())
		return nil
	}
	if !ok {
		printlnFn("No document at that address")
		return nil
	}

	printlnFn(fmt.Sprintf("Title: %s (%s)", doc.Title, doc.MIME))
	printlnFn(string(doc.Data))
	a.auth.Touch(ctx)
	return nil
}

// Delete removes one stored document by its content address.
func (a *App) Delete(ctx context.Context) error {
	state := a.auth.State()
	if !state.IsLoggedIn || state.IsLocked {
		printlnFn("Log in and unlock first")
		return nil
	}

	address, err := GetSimpleText(a.reader, "Enter content address", os.Stdout)
	if err != nil {
		return err
	}

	ok, err := a.docs.Remove(ctx, state.PublicKey, address)
	if err != nil || !ok {
		printlnFn("Cannot delete document")
		return nil
	}

	a.auth.Touch(ctx)
	printlnFn("Deleted")
	return nil
}

// Extend pushes the session expiry out, within the 24-hour lifetime cap.
func (a *App) Extend(ctx context.Context) error {
	if !a.isLoggedIn() {
		printlnFn("Log in first")
		return nil
	}
	a.auth.Touch(ctx)
	printlnFn(fmt.Sprintf("Session expires in %s", a.auth.RemainingTime(ctx).Round(time.Second)))
	return nil
}
