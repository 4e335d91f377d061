package vault

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scankeeper/internal/common"
	"scankeeper/internal/models"
	"scankeeper/internal/repositories/blob"
)

func testKey() []byte { return bytes.Repeat([]byte{0x07}, 32) }

func testSession() *models.Session {
	now := time.Now()
	return &models.Session{
		ID:           "sess-1",
		Username:     "alice",
		PublicKey:    "pk-base64",
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(30 * time.Minute),
		State:        models.SessionUnlocked,
		Version:      models.SessionFormatVersion,
	}
}

func newTestVault() (*Vault, *blob.MemoryStore) {
	store := blob.NewMemoryStore()
	return New(store, nil), store
}

func TestPersist_Validation(t *testing.T) {
	v, store := newTestVault()
	ctx := context.Background()

	err := v.Persist(ctx, nil, testKey(), DefaultTTL)
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))

	err = v.Persist(ctx, testSession(), nil, DefaultTTL)
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))

	assert.Zero(t, store.Len(), "validation failures must not touch storage")
}

func TestPersistLoadDecrypt_RoundTrip(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	session := testSession()

	require.NoError(t, v.Persist(ctx, session, testKey(), 30*time.Minute))

	record, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, session.ID, record.SessionID)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), record.ExpiresAt, 5*time.Second)

	got, err := v.Decrypt(record, testKey())
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, session.Username, got.Username)
	assert.Equal(t, session.PublicKey, got.PublicKey)
	assert.Equal(t, record.ExpiresAt, got.ExpiresAt)
}

func TestLoad_MissingIsAbsent(t *testing.T) {
	v, _ := newTestVault()

	record, err := v.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestLoad_CorruptedIsAbsent(t *testing.T) {
	v, store := newTestVault()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, recordKey, []byte("{not json")))

	record, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestLoad_ExpiredClearsBothRecords(t *testing.T) {
	v, store := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))

	// Jump past the expiry.
	v.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	record, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)

	blobData, err := store.Get(ctx, recordKey)
	require.NoError(t, err)
	assert.Nil(t, blobData)
	metaData, err := store.Get(ctx, metaKey)
	require.NoError(t, err)
	assert.Nil(t, metaData)
}

func TestLoad_MetadataMismatchInvalidates(t *testing.T) {
	v, store := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))

	// Replace the metadata token with garbage: the whole record is invalid.
	require.NoError(t, store.Set(ctx, metaKey, []byte("bogus.token.value")))

	record, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)

	blobData, err := store.Get(ctx, recordKey)
	require.NoError(t, err)
	assert.Nil(t, blobData, "mismatch must clear the envelope too")
}

func TestPersist_NonPositiveTTLYieldsExpiredRecord(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 0))

	record, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.False(t, v.HasValidSession(ctx))
}

func TestPersist_TTLCappedAtMaxLifetime(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 100*time.Hour))

	record, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.WithinDuration(t, time.Now().Add(MaxLifetime), record.ExpiresAt, 5*time.Second)
}

func TestDecrypt_Failures(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))
	record, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)

	t.Run("nil record", func(t *testing.T) {
		_, err := v.Decrypt(nil, testKey())
		assert.True(t, errors.Is(err, common.ErrMalformedRecord))
	})

	t.Run("empty payload", func(t *testing.T) {
		empty := *record
		empty.Ciphertext = nil
		_, err := v.Decrypt(&empty, testKey())
		assert.True(t, errors.Is(err, common.ErrMalformedRecord))
	})

	t.Run("wrong key size", func(t *testing.T) {
		_, err := v.Decrypt(record, []byte("short"))
		assert.True(t, errors.Is(err, common.ErrInvalidKeySize))
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := v.Decrypt(record, bytes.Repeat([]byte{0xFF}, 32))
		assert.True(t, errors.Is(err, common.ErrIntegrityCheck))
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := *record
		tampered.Ciphertext = append([]byte(nil), record.Ciphertext...)
		tampered.Ciphertext[0] ^= 0xFF
		_, err := v.Decrypt(&tampered, testKey())
		assert.True(t, errors.Is(err, common.ErrIntegrityCheck))
	})

	t.Run("tampered tag", func(t *testing.T) {
		tampered := *record
		tampered.Tag = append([]byte(nil), record.Tag...)
		tampered.Tag[0] ^= 0xFF
		_, err := v.Decrypt(&tampered, testKey())
		assert.True(t, errors.Is(err, common.ErrIntegrityCheck))
	})
}

func TestHasValidSession(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	assert.False(t, v.HasValidSession(ctx))

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))
	assert.True(t, v.HasValidSession(ctx))

	v.Clear(ctx)
	assert.False(t, v.HasValidSession(ctx))
}

func TestExtendExpiry_ExtendsAndCaps(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))

	v.ExtendExpiry(ctx, 30*time.Minute)
	record, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.WithinDuration(t, time.Now().Add(time.Hour), record.ExpiresAt, 5*time.Second)

	// No amount of extension pushes past MaxLifetime from creation.
	for i := 0; i < 50; i++ {
		v.ExtendExpiry(ctx, time.Hour)
	}
	record, err = v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.ExpiresAt.Sub(record.CreatedAt) <= MaxLifetime)
	assert.WithinDuration(t, record.CreatedAt.Add(MaxLifetime), record.ExpiresAt, 5*time.Second)
}

func TestExtendExpiry_NoSessionOrNonPositiveIsNoOp(t *testing.T) {
	v, store := newTestVault()
	ctx := context.Background()

	v.ExtendExpiry(ctx, time.Hour)
	assert.Zero(t, store.Len())

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))
	before, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, before)

	v.ExtendExpiry(ctx, 0)
	v.ExtendExpiry(ctx, -time.Hour)

	after, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ExpiresAt.Unix(), after.ExpiresAt.Unix())
}

func TestRemainingTime(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	assert.Zero(t, v.RemainingTime(ctx))

	require.NoError(t, v.Persist(ctx, testSession(), testKey(), 30*time.Minute))
	remaining := v.RemainingTime(ctx)
	assert.Greater(t, remaining, 29*time.Minute)
	assert.LessOrEqual(t, remaining, 30*time.Minute)

	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Zero(t, v.RemainingTime(ctx))
}

func TestClear_SwallowsStorageErrors(t *testing.T) {
	store := &failingStore{Store: blob.NewMemoryStore(), removeErr: errors.New("locked")}
	v := New(store, nil)

	// Must not panic or fail.
	v.Clear(context.Background())
}

func TestExtendExpiry_WithoutEncryptionKey(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()
	session := testSession()

	require.NoError(t, v.Persist(ctx, session, testKey(), 30*time.Minute))

	// Extending touches only clear-text metadata, so the record must still
	// decrypt with the original key afterwards.
	v.ExtendExpiry(ctx, time.Hour)

	record, err := v.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)

	got, err := v.Decrypt(record, testKey())
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, record.ExpiresAt, got.ExpiresAt)
}

type failingStore struct {
	blob.Store
	removeErr error
}

func (f *failingStore) Remove(ctx context.Context, key string) error {
	return f.removeErr
}
