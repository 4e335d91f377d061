// Package cryptox wraps the cryptographic primitives the kernel consumes:
// argon2id key derivation, HKDF subkey expansion, AES-GCM authenticated
// encryption, SHA-256 content hashing, and HMAC-SHA256 integrity tags.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// DeriveMasterKey derives a 32-byte master key from a passphrase and salt
// using argon2id. Identical inputs always produce the identical key.
func DeriveMasterKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// SubKey expands size bytes of independent key material from a master key
// using HKDF-SHA256 with the given info label. Different labels yield
// unrelated keys from the same master.
func SubKey(master []byte, info string, size int) ([]byte, error) {
	h := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}

// HashContent returns the lowercase hex SHA-256 digest of data. It is the
// content address used by the hash-addressed store.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tag computes an HMAC-SHA256 integrity tag over data with the given key.
func Tag(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyTag reports whether tag is a valid integrity tag for data under key,
// using a constant-time comparison.
func VerifyTag(data, key, tag []byte) bool {
	return hmac.Equal(Tag(data, key), tag)
}

// Encrypt seals plaintext with AES-GCM under the given key. The key must be
// 16, 24, or 32 bytes. A fresh random 12-byte nonce is generated for every
// call and returned alongside the ciphertext.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}

	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-GCM ciphertext produced by Encrypt. It fails for a
// wrong key, a wrong nonce, or any modification of the ciphertext, and never
// returns partial plaintext.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plaintext, nil
}
