package identity

import (
	"sync"

	"scankeeper/internal/common"
)

// SecretBuffer owns a piece of sensitive key material. It is the only home
// secret bytes are allowed to live in: callers borrow the bytes via Bytes
// and must not retain copies. Wipe zeroes the material in place and is safe
// to call more than once.
type SecretBuffer struct {
	mu    sync.Mutex
	b     []byte
	wiped bool
}

// NewSecretBuffer takes ownership of b. The caller must not use b afterwards.
func NewSecretBuffer(b []byte) *SecretBuffer {
	return &SecretBuffer{b: b}
}

// Bytes returns a view of the secret material, or nil after Wipe.
// The returned slice must not outlive the buffer.
func (s *SecretBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil
	}
	return s.b
}

// Len returns the length of the held material, zero after Wipe.
func (s *SecretBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return 0
	}
	return len(s.b)
}

// Wipe overwrites the material with zeros and marks the buffer unusable.
func (s *SecretBuffer) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}
	common.WipeByteArray(s.b)
	s.b = nil
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *SecretBuffer) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}
