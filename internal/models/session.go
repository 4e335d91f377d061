// Package models defines the data types shared by the scankeeper kernel:
// sessions and their durable records, login state, tracking results, and
// the document content types stored through the content-addressable store.
package models

import "time"

// SessionState is the lifecycle state of an in-memory session.
type SessionState string

const (
	SessionLocked    SessionState = "locked"
	SessionUnlocking SessionState = "unlocking"
	SessionUnlocked  SessionState = "unlocked"
	SessionLocking   SessionState = "locking"
	SessionExpired   SessionState = "expired"
)

// SessionFormatVersion is written into every persisted session record so a
// future schema change can detect and discard records it cannot read.
const SessionFormatVersion = 1

// Session is the in-memory working session for a derived identity.
// It is owned exclusively by the session state machine; the vault keeps an
// encrypted projection of it in durable storage.
type Session struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	PublicKey    string       `json:"public_key"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	ExpiresAt    time.Time    `json:"expires_at"`
	State        SessionState `json:"state"`
	Version      int          `json:"version"`
}

// Expired reports whether the session's expiry has passed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionRecord is the durable envelope for an encrypted session. The
// timestamps and version are kept in the clear so expiry can be checked and
// extended without the encryption key; Ciphertext carries the AES-GCM sealed
// session and Tag an HMAC over the ciphertext.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	Version      int       `json:"version"`
	Nonce        []byte    `json:"nonce"`
	Ciphertext   []byte    `json:"ciphertext"`
	Tag          []byte    `json:"tag"`
}
