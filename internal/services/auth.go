package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scankeeper/internal/common"
	"scankeeper/internal/identity"
	"scankeeper/internal/logging"
	"scankeeper/internal/models"
	"scankeeper/internal/repositories/blob"
	"scankeeper/internal/session"
	"scankeeper/internal/vault"
)

const (
	// rememberKey stores the remembered-username convenience value;
	// sessionKeyKey the random per-login key the vault record is sealed with.
	rememberKey   = "login.username"
	sessionKeyKey = "session.key"

	msgUsernameRequired  = "Username is required"
	msgPasswordRequired  = "Passphrase is required"
	msgSessionStartError = "Failed to start session, please try again"
	msgGenericError      = "Login failed due to an internal error"
)

var (
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrNotLocked          = errors.New("session is not locked")
	ErrAlreadyLocked      = errors.New("session is already locked")
	ErrWrongPassphrase    = errors.New("passphrase does not match this session's identity")
	ErrAlreadyLoggedIn    = errors.New("already logged in")
	ErrNoSessionToRestore = errors.New("no session to restore")
)

// Deriver produces identities from credentials. identity.Deriver is the
// production implementation.
type Deriver interface {
	Derive(passphrase []byte, username string) (*identity.Identity, error)
}

// StateHandler receives login-state changes.
type StateHandler func(prev, next models.LoginState, reason models.ChangeReason)

type stateSubscriber struct {
	id int
	fn StateHandler
}

// AuthService orchestrates login, logout, lock, unlock, and restore over
// the identity deriver, session machine, vault, and tracking service, and
// publishes a single consolidated state-change stream. All methods are safe
// for concurrent use.
type AuthService struct {
	deriver  Deriver
	machine  *session.Machine
	vault    *vault.Vault
	tracking *TrackingService
	blobs    blob.Store
	log      logging.Logger
	ttl      time.Duration

	mu       sync.Mutex
	state    models.LoginState
	identity *identity.Identity
	subs     []stateSubscriber
	nextID   int

	unsubscribe func()
}

func NewAuthService(
	deriver Deriver,
	machine *session.Machine,
	vlt *vault.Vault,
	tracking *TrackingService,
	blobs blob.Store,
	ttl time.Duration,
	log logging.Logger,
) *AuthService {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if ttl <= 0 {
		ttl = vault.DefaultTTL
	}
	a := &AuthService{
		deriver:  deriver,
		machine:  machine,
		vault:    vlt,
		tracking: tracking,
		blobs:    blobs,
		log:      log.With("component", "auth"),
		ttl:      ttl,
	}
	a.unsubscribe = machine.Subscribe(a.handleTransition)
	return a
}

// Login derives the identity for (username, passphrase), starts a session,
// classifies the identity as new or returning, persists the encrypted
// session, and publishes a Login state change. Empty inputs fail fast with
// a specific message and no side effects; every other failure is logged and
// surfaced as a user-facing message with the state left unauthenticated.
func (a *AuthService) Login(ctx context.Context, username, passphrase string, rememberUsername bool) *models.LoginResult {
	if username == "" {
		return &models.LoginResult{ErrorMessage: msgUsernameRequired}
	}
	if passphrase == "" {
		return &models.LoginResult{ErrorMessage: msgPasswordRequired}
	}

	id, err := a.deriver.Derive([]byte(passphrase), username)
	if err != nil {
		a.log.Error(ctx, "identity derivation failed", "username", username, "error", err)
		return &models.LoginResult{ErrorMessage: msgGenericError}
	}
	publicKey := id.PublicKeyBase64()

	sess, err := a.machine.Start(username, publicKey, a.ttl)
	if err != nil {
		id.Wipe()
		a.log.Error(ctx, "session start refused", "username", username, "error", err)
		return &models.LoginResult{ErrorMessage: msgSessionStartError}
	}

	info, err := a.tracking.CheckUser(ctx, publicKey)
	if err != nil {
		a.log.Warn(ctx, "user tracking lookup failed", "error", err)
		info = models.TrackingInfo{PublicKey: publicKey}
	}

	if rememberUsername {
		if err := a.blobs.Set(ctx, rememberKey, []byte(username)); err != nil {
			a.log.Warn(ctx, "failed to remember username", "error", err)
		}
	} else {
		if err := a.blobs.Remove(ctx, rememberKey); err != nil {
			a.log.Warn(ctx, "failed to clear remembered username", "error", err)
		}
	}

	// Seal the session under a fresh random key parked in the blob store,
	// so a restart can restore it without re-deriving the identity.
	sessionKey := common.GenerateRandByteArray(32)
	if err := a.blobs.Set(ctx, sessionKeyKey, sessionKey); err != nil {
		a.log.Warn(ctx, "failed to store session key, restore disabled", "error", err)
	} else if err := a.vault.Persist(ctx, sess, sessionKey, a.ttl); err != nil {
		a.log.Warn(ctx, "failed to persist session", "error", err)
	}
	common.WipeByteArray(sessionKey)

	a.mu.Lock()
	a.identity = id
	prev := a.state
	a.state = models.LoginState{
		IsLoggedIn: true,
		Username:   username,
		PublicKey:  publicKey,
		IsNewUser:  !info.Exists,
		LoginTime:  time.Now(),
	}
	next := a.state
	subs := a.snapshotSubsLocked()
	a.mu.Unlock()

	a.emit(subs, prev, next, models.ReasonLogin)
	a.log.Info(ctx, "login succeeded", "username", username, "new_user", !info.Exists)

	return &models.LoginResult{
		Success:   true,
		IsNewUser: !info.Exists,
		Session:   sess,
		UserInfo:  &info,
	}
}

// Logout ends the session, destroys key material, clears the persisted
// records, and publishes a Logout state change.
func (a *AuthService) Logout(ctx context.Context) {
	a.machine.End()
	a.vault.Clear(ctx)
	if err := a.blobs.Remove(ctx, sessionKeyKey); err != nil {
		a.log.Warn(ctx, "failed to remove session key", "error", err)
	}

	a.mu.Lock()
	a.wipeLocked()
	prev := a.state
	a.state = models.LoginState{}
	subs := a.snapshotSubsLocked()
	a.mu.Unlock()

	a.emit(subs, prev, models.LoginState{}, models.ReasonLogout)
}

// Lock drives the session to Locked, destroys the in-memory key material
// while preserving the visible identity fields, and publishes a Lock state
// change.
func (a *AuthService) Lock(ctx context.Context) error {
	a.mu.Lock()
	if !a.state.IsLoggedIn {
		a.mu.Unlock()
		return ErrNotLoggedIn
	}
	if a.state.IsLocked {
		a.mu.Unlock()
		return ErrAlreadyLocked
	}
	a.mu.Unlock()

	if err := a.machine.Lock(); err != nil {
		return err
	}

	a.mu.Lock()
	a.wipeLocked()
	prev := a.state
	a.state.IsLocked = true
	next := a.state
	subs := a.snapshotSubsLocked()
	a.mu.Unlock()

	a.emit(subs, prev, next, models.ReasonLock)
	a.log.Info(ctx, "session locked", "username", next.Username)
	return nil
}

// Unlock re-derives the identity from passphrase and, if its public key
// matches the locked session's, drives the session back to Unlocked. The
// machine's Unlocked transition clears the locked flag and publishes the
// Unlock state change.
func (a *AuthService) Unlock(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%w: passphrase is empty", common.ErrInvalidArgument)
	}

	a.mu.Lock()
	if !a.state.IsLoggedIn {
		a.mu.Unlock()
		return ErrNotLoggedIn
	}
	if !a.state.IsLocked {
		a.mu.Unlock()
		return ErrNotLocked
	}
	username := a.state.Username
	expected := a.state.PublicKey
	a.mu.Unlock()

	id, err := a.deriver.Derive([]byte(passphrase), username)
	if err != nil {
		return fmt.Errorf("failed to derive identity: %w", err)
	}
	if id.PublicKeyBase64() != expected {
		id.Wipe()
		a.log.Warn(ctx, "unlock rejected, wrong passphrase", "username", username)
		return ErrWrongPassphrase
	}

	if err := a.machine.Unlock(); err != nil {
		id.Wipe()
		return err
	}

	a.mu.Lock()
	a.identity = id
	a.mu.Unlock()

	a.log.Info(ctx, "session unlocked", "username", username)
	return nil
}

// Restore rebuilds the login state from the persisted session without
// re-deriving keys. It is a no-op error when already logged in or when no
// valid persisted session exists. On success it publishes a Restore state
// change.
func (a *AuthService) Restore(ctx context.Context) error {
	a.mu.Lock()
	if a.state.IsLoggedIn {
		a.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	a.mu.Unlock()

	key, err := a.blobs.Get(ctx, sessionKeyKey)
	if err != nil || key == nil {
		return ErrNoSessionToRestore
	}
	defer common.WipeByteArray(key)

	record, err := a.vault.Load(ctx)
	if err != nil || record == nil {
		return ErrNoSessionToRestore
	}

	sess, err := a.vault.Decrypt(record, key)
	if err != nil {
		a.log.Warn(ctx, "persisted session failed to decrypt, clearing", "error", err)
		a.vault.Clear(ctx)
		_ = a.blobs.Remove(ctx, sessionKeyKey)
		return ErrNoSessionToRestore
	}

	if err := a.machine.Adopt(sess); err != nil {
		a.log.Warn(ctx, "persisted session could not be adopted", "error", err)
		a.vault.Clear(ctx)
		_ = a.blobs.Remove(ctx, sessionKeyKey)
		return ErrNoSessionToRestore
	}

	info, err := a.tracking.CheckUser(ctx, sess.PublicKey)
	if err != nil {
		info = models.TrackingInfo{PublicKey: sess.PublicKey}
	}

	a.mu.Lock()
	prev := a.state
	a.state = models.LoginState{
		IsLoggedIn: true,
		IsLocked:   sess.State == models.SessionLocked,
		Username:   sess.Username,
		PublicKey:  sess.PublicKey,
		IsNewUser:  !info.Exists,
		LoginTime:  sess.CreatedAt,
	}
	next := a.state
	subs := a.snapshotSubsLocked()
	a.mu.Unlock()

	a.emit(subs, prev, next, models.ReasonRestore)
	a.log.Info(ctx, "session restored", "username", sess.Username, "session_id", sess.ID)
	return nil
}

// Touch records user activity: it extends both the persisted and the
// in-memory expiry, capped at the session's maximum lifetime.
func (a *AuthService) Touch(ctx context.Context) {
	a.mu.Lock()
	loggedIn := a.state.IsLoggedIn
	a.mu.Unlock()
	if !loggedIn {
		return
	}

	a.vault.ExtendExpiry(ctx, a.ttl)
	a.machine.Extend(a.ttl)
}

// IsReturningUser reports whether the current identity has previously
// recorded content. It is false when not logged in, and otherwise
// re-derived from the tracking service.
func (a *AuthService) IsReturningUser(ctx context.Context) bool {
	a.mu.Lock()
	loggedIn := a.state.IsLoggedIn
	publicKey := a.state.PublicKey
	a.mu.Unlock()

	if !loggedIn {
		return false
	}
	info, err := a.tracking.CheckUser(ctx, publicKey)
	if err != nil {
		return false
	}
	return info.Exists
}

// RememberedUsername returns the convenience value Login stored, or "".
func (a *AuthService) RememberedUsername(ctx context.Context) string {
	v, err := a.blobs.Get(ctx, rememberKey)
	if err != nil {
		a.log.Warn(ctx, "failed to read remembered username", "error", err)
		return ""
	}
	return string(v)
}

// State returns a copy of the current login state.
func (a *AuthService) State() models.LoginState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// RemainingTime reports how long the persisted session stays valid.
func (a *AuthService) RemainingTime(ctx context.Context) time.Duration {
	return a.vault.RemainingTime(ctx)
}

// Subscribe registers a state-change handler and returns a cancel function
// that stops further delivery to that handler only.
func (a *AuthService) Subscribe(fn StateHandler) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := a.nextID
	a.subs = append(a.subs, stateSubscriber{id: id, fn: fn})

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, sub := range a.subs {
			if sub.id == id {
				a.subs = append(a.subs[:i], a.subs[i+1:]...)
				return
			}
		}
	}
}

// Close releases the machine subscription and destroys key material.
func (a *AuthService) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wipeLocked()
}

// handleTransition reacts to session machine events: an Unlocked transition
// clears the locked flag, and Expired tears the login state down entirely.
func (a *AuthService) handleTransition(tr session.Transition) {
	switch {
	case tr.Next == models.SessionUnlocked && tr.Prev == models.SessionUnlocking:
		a.mu.Lock()
		if !a.state.IsLocked {
			a.mu.Unlock()
			return
		}
		prev := a.state
		a.state.IsLocked = false
		next := a.state
		subs := a.snapshotSubsLocked()
		a.mu.Unlock()
		a.emit(subs, prev, next, models.ReasonUnlock)

	case tr.Next == models.SessionExpired:
		ctx := context.Background()
		a.vault.Clear(ctx)
		if err := a.blobs.Remove(ctx, sessionKeyKey); err != nil {
			a.log.Warn(ctx, "failed to remove session key", "error", err)
		}

		a.mu.Lock()
		if !a.state.IsLoggedIn {
			a.mu.Unlock()
			return
		}
		a.wipeLocked()
		prev := a.state
		a.state = models.LoginState{}
		subs := a.snapshotSubsLocked()
		a.mu.Unlock()

		a.emit(subs, prev, models.LoginState{}, models.ReasonTimeout)
		a.log.Info(ctx, "session expired", "username", prev.Username)
	}
}

// wipeLocked destroys held key material. Callers hold a.mu.
func (a *AuthService) wipeLocked() {
	if a.identity != nil {
		a.identity.Wipe()
		a.identity = nil
	}
}

func (a *AuthService) snapshotSubsLocked() []stateSubscriber {
	return append([]stateSubscriber(nil), a.subs...)
}

func (a *AuthService) emit(subs []stateSubscriber, prev, next models.LoginState, reason models.ChangeReason) {
	for _, sub := range subs {
		sub.fn(prev, next, reason)
	}
}
