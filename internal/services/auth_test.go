package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scankeeper/internal/cas"
	"scankeeper/internal/identity"
	"scankeeper/internal/models"
	"scankeeper/internal/repositories/blob"
	"scankeeper/internal/session"
	"scankeeper/internal/vault"
)

// countingDeriver wraps the real deriver and counts invocations, so tests
// can assert that validation failures never reach key derivation.
type countingDeriver struct {
	inner *identity.Deriver
	mu    sync.Mutex
	calls int
}

func (d *countingDeriver) Derive(passphrase []byte, username string) (*identity.Identity, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.inner.Derive(passphrase, username)
}

func (d *countingDeriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type eventRecorder struct {
	mu      sync.Mutex
	reasons []models.ChangeReason
	done    chan models.ChangeReason
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{done: make(chan models.ChangeReason, 16)}
}

func (r *eventRecorder) handle(prev, next models.LoginState, reason models.ChangeReason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	r.done <- reason
}

func (r *eventRecorder) all() []models.ChangeReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChangeReason(nil), r.reasons...)
}

func (r *eventRecorder) wait(t *testing.T, reason models.ChangeReason) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.done:
			if got == reason {
				return
			}
		case <-deadline:
			t.Fatalf("state change %q not delivered", reason)
		}
	}
}

type authHarness struct {
	auth     *AuthService
	docs     *DocumentService
	vault    *vault.Vault
	store    *blob.MemoryStore
	deriver  *countingDeriver
	tracking *TrackingService
}

func newAuthHarness(t *testing.T, store *blob.MemoryStore, ttl time.Duration) *authHarness {
	t.Helper()
	if store == nil {
		store = blob.NewMemoryStore()
	}

	docStore := cas.New[models.Document](store, "document", nil)
	metaStore := cas.New[models.DocumentMeta](store, "document-meta", nil)
	tracking := NewTrackingService(metaStore, nil)
	machine := session.NewMachine()
	vlt := vault.New(store, nil)
	deriver := &countingDeriver{inner: identity.NewDeriver()}

	auth := NewAuthService(deriver, machine, vlt, tracking, store, ttl, nil)
	t.Cleanup(auth.Close)

	return &authHarness{
		auth:     auth,
		docs:     NewDocumentService(docStore, metaStore, tracking, nil),
		vault:    vlt,
		store:    store,
		deriver:  deriver,
		tracking: tracking,
	}
}

func TestLogin_EmptyInputsFailFastWithoutDerivation(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	res := h.auth.Login(ctx, "", "passphrase", false)
	assert.False(t, res.Success)
	assert.Equal(t, "Username is required", res.ErrorMessage)

	res = h.auth.Login(ctx, "alice", "", false)
	assert.False(t, res.Success)
	assert.Equal(t, "Passphrase is required", res.ErrorMessage)

	assert.Zero(t, h.deriver.count(), "validation must run before derivation")
	assert.Zero(t, h.store.Len(), "no side effects on validation failure")
	assert.False(t, h.auth.State().IsLoggedIn)
}

func TestLogin_Succeeds(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	rec := newEventRecorder()
	h.auth.Subscribe(rec.handle)

	res := h.auth.Login(ctx, "alice", "correct horse", true)
	require.True(t, res.Success, res.ErrorMessage)
	assert.True(t, res.IsNewUser)
	require.NotNil(t, res.Session)
	assert.Equal(t, "alice", res.Session.Username)
	assert.Equal(t, models.SessionUnlocked, res.Session.State)

	state := h.auth.State()
	assert.True(t, state.IsLoggedIn)
	assert.False(t, state.IsLocked)
	assert.Equal(t, "alice", state.Username)
	assert.NotEmpty(t, state.PublicKey)

	assert.True(t, h.vault.HasValidSession(ctx), "login persists the session")
	assert.Equal(t, "alice", h.auth.RememberedUsername(ctx))
	assert.Equal(t, []models.ChangeReason{models.ReasonLogin}, rec.all())
}

func TestLogin_SamePassphraseSamePublicKey(t *testing.T) {
	store := blob.NewMemoryStore()
	h1 := newAuthHarness(t, store, 30*time.Minute)
	ctx := context.Background()

	res1 := h1.auth.Login(ctx, "alice", "correct horse", false)
	require.True(t, res1.Success)
	key1 := h1.auth.State().PublicKey
	h1.auth.Logout(ctx)

	res2 := h1.auth.Login(ctx, "alice", "correct horse", false)
	require.True(t, res2.Success)
	assert.Equal(t, key1, h1.auth.State().PublicKey)
}

func TestLogin_SecondLoginClassifiesAsReturning(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	res := h.auth.Login(ctx, "alice", "correct horse", false)
	require.True(t, res.Success)
	assert.True(t, res.IsNewUser)
	assert.False(t, h.auth.IsReturningUser(ctx))

	_, err := h.docs.Add(ctx, h.auth.State().PublicKey, models.Document{Title: "first scan", Data: []byte("bytes")})
	require.NoError(t, err)

	assert.True(t, h.auth.IsReturningUser(ctx))
	h.auth.Logout(ctx)

	res = h.auth.Login(ctx, "alice", "correct horse", false)
	require.True(t, res.Success)
	assert.False(t, res.IsNewUser, "recorded content makes the identity a returning user")
}

func TestLogin_RefusedWhileSessionActive(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	require.True(t, h.auth.Login(ctx, "alice", "one", false).Success)

	res := h.auth.Login(ctx, "bob", "two", false)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to start session, please try again", res.ErrorMessage)
}

func TestLogin_RememberUsernameClearedWhenNotRequested(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	require.True(t, h.auth.Login(ctx, "alice", "pw", true).Success)
	assert.Equal(t, "alice", h.auth.RememberedUsername(ctx))
	h.auth.Logout(ctx)

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	assert.Empty(t, h.auth.RememberedUsername(ctx))
}

func TestLogout_ClearsEverything(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	rec := newEventRecorder()
	h.auth.Subscribe(rec.handle)

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	h.auth.Logout(ctx)

	state := h.auth.State()
	assert.False(t, state.IsLoggedIn)
	assert.Empty(t, state.Username)
	assert.False(t, h.vault.HasValidSession(ctx))

	key, err := h.store.Get(ctx, sessionKeyKey)
	require.NoError(t, err)
	assert.Nil(t, key)

	assert.Equal(t, []models.ChangeReason{models.ReasonLogin, models.ReasonLogout}, rec.all())
}

func TestLockUnlock_Flow(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	rec := newEventRecorder()
	h.auth.Subscribe(rec.handle)

	assert.True(t, errors.Is(h.auth.Lock(ctx), ErrNotLoggedIn))

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	require.NoError(t, h.auth.Lock(ctx))

	state := h.auth.State()
	assert.True(t, state.IsLocked)
	assert.True(t, state.IsLoggedIn, "identity fields survive a lock")
	assert.Equal(t, "alice", state.Username)

	assert.True(t, errors.Is(h.auth.Lock(ctx), ErrAlreadyLocked))

	// A wrong passphrase derives a different key and is rejected.
	err := h.auth.Unlock(ctx, "wrong")
	assert.True(t, errors.Is(err, ErrWrongPassphrase))
	assert.True(t, h.auth.State().IsLocked)

	require.NoError(t, h.auth.Unlock(ctx, "pw"))
	assert.False(t, h.auth.State().IsLocked)

	assert.Equal(t, []models.ChangeReason{
		models.ReasonLogin, models.ReasonLock, models.ReasonUnlock,
	}, rec.all())
}

func TestUnlock_RequiresLockedSession(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	assert.True(t, errors.Is(h.auth.Unlock(ctx, "pw"), ErrNotLoggedIn))

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	assert.True(t, errors.Is(h.auth.Unlock(ctx, "pw"), ErrNotLocked))
}

func TestTimeout_TearsDownLoginState(t *testing.T) {
	h := newAuthHarness(t, nil, 50*time.Millisecond)
	ctx := context.Background()

	rec := newEventRecorder()
	h.auth.Subscribe(rec.handle)

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	rec.wait(t, models.ReasonTimeout)

	state := h.auth.State()
	assert.False(t, state.IsLoggedIn)
	assert.Empty(t, state.Username)
	assert.False(t, h.vault.HasValidSession(ctx))

	key, err := h.store.Get(ctx, sessionKeyKey)
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestRestore_SurvivesRestart(t *testing.T) {
	store := blob.NewMemoryStore()
	ctx := context.Background()

	first := newAuthHarness(t, store, 30*time.Minute)
	res := first.auth.Login(ctx, "alice", "pw", false)
	require.True(t, res.Success)
	publicKey := first.auth.State().PublicKey

	// A fresh wiring over the same blob store stands in for a process
	// restart. No passphrase is needed to come back.
	second := newAuthHarness(t, store, 30*time.Minute)
	derivationsBefore := second.deriver.count()

	rec := newEventRecorder()
	second.auth.Subscribe(rec.handle)

	require.NoError(t, second.auth.Restore(ctx))

	state := second.auth.State()
	assert.True(t, state.IsLoggedIn)
	assert.Equal(t, "alice", state.Username)
	assert.Equal(t, publicKey, state.PublicKey)
	assert.Equal(t, derivationsBefore, second.deriver.count(), "restore must not re-derive keys")
	assert.Equal(t, []models.ChangeReason{models.ReasonRestore}, rec.all())
}

func TestRestore_NothingPersisted(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)

	err := h.auth.Restore(context.Background())
	assert.True(t, errors.Is(err, ErrNoSessionToRestore))
}

func TestRestore_RefusedWhileLoggedIn(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	assert.True(t, errors.Is(h.auth.Restore(ctx), ErrAlreadyLoggedIn))
}

func TestTouch_ExtendsRemainingTime(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	before := h.auth.RemainingTime(ctx)
	require.Greater(t, before, 25*time.Minute)

	h.auth.Touch(ctx)
	after := h.auth.RemainingTime(ctx)
	assert.Greater(t, after, 55*time.Minute, "activity pushes the expiry out")
}

func TestIsReturningUser_FalseWhenNotLoggedIn(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	assert.False(t, h.auth.IsReturningUser(context.Background()))
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	h := newAuthHarness(t, nil, 30*time.Minute)
	ctx := context.Background()

	var calls int
	cancel := h.auth.Subscribe(func(prev, next models.LoginState, reason models.ChangeReason) {
		calls++
	})

	require.True(t, h.auth.Login(ctx, "alice", "pw", false).Success)
	cancel()
	h.auth.Logout(ctx)

	assert.Equal(t, 1, calls)
}
