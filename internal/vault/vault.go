// Package vault persists the working session in encrypted form so a process
// restart can restore it without re-deriving keys. Two records are kept in
// the blob store: the full encrypted envelope, and a small signed metadata
// token whose claims allow expiry and validity checks without touching or
// decrypting the envelope.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"scankeeper/internal/common"
	"scankeeper/internal/cryptox"
	"scankeeper/internal/logging"
	"scankeeper/internal/models"
	"scankeeper/internal/repositories/blob"
)

const (
	// recordKey holds the encrypted session envelope; metaKey the signed
	// metadata token. They are distinct so validity checks never read the
	// larger blob.
	recordKey = "session.blob"
	metaKey   = "session.meta"
	// signKey holds the random install-scoped key the metadata token is
	// signed with.
	signKey = "session.sign"

	tagKeyLabel = "session-tag"

	// MaxLifetime bounds a session's total lifetime from creation.
	MaxLifetime = 24 * time.Hour
	// DefaultTTL is the expiry window used when the caller does not choose one.
	DefaultTTL = 30 * time.Minute
)

// metaClaims is the payload of the metadata token: session id (jti),
// creation (iat), expiry (exp), and the record format version.
type metaClaims struct {
	jwt.RegisteredClaims
	Version int `json:"ver"`
}

// Vault encrypts, stores, and restores session records. All methods are safe
// for concurrent use; the instance mutex serializes read-modify-write
// sequences so a clear racing a read leaves either the old record or none.
type Vault struct {
	blobs blob.Store
	log   logging.Logger
	mu    sync.Mutex
	now   func() time.Time
}

func New(blobs blob.Store, log logging.Logger) *Vault {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Vault{
		blobs: blobs,
		log:   log.With("component", "vault"),
		now:   time.Now,
	}
}

// Persist encrypts session under key and writes both records. The effective
// expiry is now+ttl capped at MaxLifetime from now; a non-positive ttl
// yields a record that is already expired. Validation failures are reported
// before any I/O; storage rejections come back as wrapped errors.
func (v *Vault) Persist(ctx context.Context, session *models.Session, key []byte, ttl time.Duration) error {
	if session == nil {
		return fmt.Errorf("%w: session is nil", common.ErrInvalidArgument)
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: encryption key is empty", common.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := v.now()
	effective := ttl
	if effective > MaxLifetime {
		effective = MaxLifetime
	}
	expiry := now.Add(effective)
	if ttl <= 0 {
		expiry = now
	}

	snapshot := *session
	snapshot.ExpiresAt = expiry
	snapshot.LastActivity = now
	snapshot.Version = models.SessionFormatVersion
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}

	plaintext, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	defer common.WipeByteArray(plaintext)

	ciphertext, nonce, err := cryptox.Encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %w", err)
	}

	tagKey, err := cryptox.SubKey(key, tagKeyLabel, 32)
	if err != nil {
		return fmt.Errorf("failed to derive tag key: %w", err)
	}
	defer common.WipeByteArray(tagKey)

	record := &models.SessionRecord{
		SessionID:    snapshot.ID,
		CreatedAt:    snapshot.CreatedAt,
		ExpiresAt:    expiry,
		LastActivity: snapshot.LastActivity,
		Version:      models.SessionFormatVersion,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
		Tag:          cryptox.Tag(ciphertext, tagKey),
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.writeLocked(ctx, record); err != nil {
		v.log.Error(ctx, "failed to persist session", "session_id", record.SessionID, "error", err)
		return fmt.Errorf("%w: %w", common.ErrStorageFailure, err)
	}
	return nil
}

// Load reads the persisted record. A missing, unreadable, or
// metadata-mismatched record is (nil, nil), never an error; an expired
// record additionally clears both records. Only pre-I/O cancellation is
// reported as an error.
func (v *Vault) Load(ctx context.Context) (*models.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := v.blobs.Get(ctx, recordKey)
	if err != nil {
		v.log.Error(ctx, "failed to read session record", "error", err)
		return nil, nil
	}
	if data == nil {
		return nil, nil
	}

	var record models.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		v.log.Warn(ctx, "discarding unreadable session record", "error", err)
		return nil, nil
	}
	if record.Version != models.SessionFormatVersion || len(record.Ciphertext) == 0 {
		v.log.Warn(ctx, "discarding session record with unexpected schema", "version", record.Version)
		return nil, nil
	}

	if !record.ExpiresAt.After(v.now()) {
		v.log.Info(ctx, "clearing expired session record", "session_id", record.SessionID)
		v.clearLocked(ctx)
		return nil, nil
	}

	claims, err := v.verifyMetaLocked(ctx)
	if err != nil || claims.ID != record.SessionID ||
		claims.ExpiresAt == nil || claims.ExpiresAt.Unix() != record.ExpiresAt.Unix() {
		v.log.Warn(ctx, "session metadata does not match record, invalidating", "session_id", record.SessionID)
		v.clearLocked(ctx)
		return nil, nil
	}

	return &record, nil
}

// Decrypt verifies the record's integrity tag and opens its ciphertext.
// Any failure (empty payload, wrong key size, tag mismatch, malformed
// plaintext) yields an error and no partial data. The record's clear-text
// expiry and last-activity are authoritative and copied onto the session.
func (v *Vault) Decrypt(record *models.SessionRecord, key []byte) (*models.Session, error) {
	if record == nil || len(record.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty session record", common.ErrMalformedRecord)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d bytes", common.ErrInvalidKeySize, len(key))
	}

	tagKey, err := cryptox.SubKey(key, tagKeyLabel, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive tag key: %w", err)
	}
	defer common.WipeByteArray(tagKey)

	if !cryptox.VerifyTag(record.Ciphertext, tagKey, record.Tag) {
		return nil, fmt.Errorf("%w: session tag mismatch", common.ErrIntegrityCheck)
	}

	plaintext, err := cryptox.Decrypt(record.Ciphertext, record.Nonce, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrIntegrityCheck, err)
	}
	defer common.WipeByteArray(plaintext)

	var session models.Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrMalformedRecord, err)
	}

	session.ExpiresAt = record.ExpiresAt
	session.LastActivity = record.LastActivity
	return &session, nil
}

// Clear removes both session records. Storage errors are logged and
// swallowed; Clear never fails.
func (v *Vault) Clear(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked(ctx)
}

// HasValidSession reports whether an unexpired session record exists, by
// checking only the signed metadata token. Any read or verification error is
// false.
func (v *Vault) HasValidSession(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	claims, err := v.verifyMetaLocked(ctx)
	if err != nil {
		return false
	}
	return claims.ExpiresAt != nil && claims.ExpiresAt.After(v.now())
}

// ExtendExpiry pushes the persisted expiry forward by additional, capped so
// the total lifetime from original creation never exceeds MaxLifetime. It is
// a no-op without a valid record or for a non-positive duration, and never
// fails: storage errors are logged and swallowed.
func (v *Vault) ExtendExpiry(ctx context.Context, additional time.Duration) {
	if additional <= 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := v.blobs.Get(ctx, recordKey)
	if err != nil || data == nil {
		return
	}
	var record models.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return
	}

	now := v.now()
	if !record.ExpiresAt.After(now) {
		return
	}

	limit := record.CreatedAt.Add(MaxLifetime)
	expiry := record.ExpiresAt.Add(additional)
	if expiry.After(limit) {
		expiry = limit
	}
	record.ExpiresAt = expiry
	record.LastActivity = now

	if err := v.writeLocked(ctx, &record); err != nil {
		v.log.Error(ctx, "failed to extend session expiry", "session_id", record.SessionID, "error", err)
	}
}

// RemainingTime returns how long the persisted session remains valid:
// max(0, expiry-now), and zero when no valid record exists.
func (v *Vault) RemainingTime(ctx context.Context) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()

	claims, err := v.verifyMetaLocked(ctx)
	if err != nil || claims.ExpiresAt == nil {
		return 0
	}
	remaining := claims.ExpiresAt.Sub(v.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// writeLocked stores the envelope and a freshly signed metadata token.
// Callers hold v.mu.
func (v *Vault) writeLocked(ctx context.Context, record *models.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize session record: %w", err)
	}

	secret, err := v.signingKeyLocked(ctx)
	if err != nil {
		return err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, metaClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.SessionID,
			IssuedAt:  jwt.NewNumericDate(record.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
		Version: record.Version,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return fmt.Errorf("failed to sign session metadata: %w", err)
	}

	if err := v.blobs.Set(ctx, recordKey, data); err != nil {
		return err
	}
	return v.blobs.Set(ctx, metaKey, []byte(signed))
}

// verifyMetaLocked reads and verifies the metadata token. Callers hold v.mu.
func (v *Vault) verifyMetaLocked(ctx context.Context) (*metaClaims, error) {
	data, err := v.blobs.Get(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, common.ErrNotFound
	}

	secret, err := v.signingKeyLocked(ctx)
	if err != nil {
		return nil, err
	}

	claims := &metaClaims{}
	token, err := jwt.ParseWithClaims(string(data), claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, common.ErrIntegrityCheck
	}
	return claims, nil
}

// signingKeyLocked returns the install-scoped metadata signing key,
// generating and storing it on first use. Callers hold v.mu.
func (v *Vault) signingKeyLocked(ctx context.Context) ([]byte, error) {
	key, err := v.blobs.Get(ctx, signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	key = common.GenerateRandByteArray(32)
	if err := v.blobs.Set(ctx, signKey, key); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}
	return key, nil
}

func (v *Vault) clearLocked(ctx context.Context) {
	if err := v.blobs.Remove(ctx, recordKey); err != nil {
		v.log.Error(ctx, "failed to remove session record", "error", err)
	}
	if err := v.blobs.Remove(ctx, metaKey); err != nil {
		v.log.Error(ctx, "failed to remove session metadata", "error", err)
	}
}
