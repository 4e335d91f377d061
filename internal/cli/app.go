package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"scankeeper/internal/cas"
	"scankeeper/internal/config"
	"scankeeper/internal/identity"
	"scankeeper/internal/logging"
	"scankeeper/internal/models"
	"scankeeper/internal/repositories/blob"
	"scankeeper/internal/services"
	"scankeeper/internal/session"
	"scankeeper/internal/vault"
)

// App wires the kernel together for the interactive CLI.
type App struct {
	config *config.Config
	auth   *services.AuthService
	docs   *services.DocumentService
	db     *sql.DB
	reader *bufio.Reader
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	var blobs blob.Store
	var db *sql.DB
	if cfg.DatabasePath == "" {
		blobs = blob.NewMemoryStore()
	} else {
		var err error
		db, err = blob.OpenSQLite(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("error initializing database: %w", err)
		}
		blobs = blob.NewSQLiteStore(db)
	}

	docStore := cas.New[models.Document](blobs, "document", log)
	metaStore := cas.New[models.DocumentMeta](blobs, "document-meta", log)
	tracking := services.NewTrackingService(metaStore, log)
	machine := session.NewMachine()
	vlt := vault.New(blobs, log)

	auth := services.NewAuthService(identity.NewDeriver(), machine, vlt, tracking, blobs, cfg.SessionTTL, log)
	docs := services.NewDocumentService(docStore, metaStore, tracking, log)

	return &App{
		config: cfg,
		auth:   auth,
		docs:   docs,
		db:     db,
		reader: bufio.NewReader(os.Stdin),
	}, nil
}

// Run restores any persisted session, announces state changes, and hands
// control to the REPL until the user exits.
func (a *App) Run(ctx context.Context) {
	defer a.Close()

	cancel := a.auth.Subscribe(func(prev, next models.LoginState, reason models.ChangeReason) {
		switch reason {
		case models.ReasonTimeout:
			printlnFn("Session expired, please log in again")
		case models.ReasonRestore:
			printlnFn(fmt.Sprintf("Welcome back, %s (session restored)", next.Username))
		}
	})
	defer cancel()

	if err := a.auth.Restore(ctx); err == nil {
		a.auth.Touch(ctx)
	}

	printlnFn("Welcome to scankeeper (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)
	runREPL(ctx, a, a.getStatus, scanner)
}

// Close releases the auth subscription and the database handle.
func (a *App) Close() {
	a.auth.Close()
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *App) isLoggedIn() bool {
	return a.auth.State().IsLoggedIn
}

func (a *App) getStatus() string {
	state := a.auth.State()
	if !state.IsLoggedIn {
		return ""
	}
	if state.IsLocked {
		return fmt.Sprintf("(%s locked)", state.Username)
	}
	return fmt.Sprintf("(%s)", state.Username)
}
