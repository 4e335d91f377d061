// Package identity derives a durable cryptographic identity from a
// passphrase and username. The same (passphrase, username) pair always
// yields the same Ed25519 keypair, so an identity can be re-derived on any
// login without ever storing private key material.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"scankeeper/internal/common"
	"scankeeper/internal/cryptox"
)

const (
	saltLabel    = "scankeeper/identity-salt"
	seedLabel    = "identity-seed"
	encKeyLabel  = "session-encryption-key"
	encKeyLength = 32
)

// Identity is a derived keypair plus the secret material that goes with it.
// The private key and the derived encryption key live in owned SecretBuffers
// and are destroyed by Wipe at logout, lock, or expiry.
type Identity struct {
	Username  string
	PublicKey ed25519.PublicKey

	privateKey    *SecretBuffer
	encryptionKey *SecretBuffer
}

// PublicKeyBase64 returns the public key in standard base64 encoding, the
// form used as the identity's address in content metadata.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// PrivateKey returns a view of the Ed25519 private key, nil after Wipe.
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return ed25519.PrivateKey(id.privateKey.Bytes())
}

// EncryptionKey returns a view of the derived 32-byte symmetric key,
// nil after Wipe.
func (id *Identity) EncryptionKey() []byte {
	return id.encryptionKey.Bytes()
}

// Wipe destroys all secret material held by the identity.
func (id *Identity) Wipe() {
	id.privateKey.Wipe()
	id.encryptionKey.Wipe()
}

// Wiped reports whether the identity's secret material has been destroyed.
func (id *Identity) Wiped() bool {
	return id.privateKey.Wiped() && id.encryptionKey.Wiped()
}

// Deriver produces identities from credentials.
type Deriver struct{}

func NewDeriver() *Deriver { return &Deriver{} }

// Derive computes the identity for (passphrase, username). The derivation is
// deterministic and pure: argon2id over the passphrase with a salt bound to
// the username, then HKDF expansion into an Ed25519 seed and a separate
// symmetric encryption key. Intermediate key material is wiped before
// returning, on both success and error paths.
func (d *Deriver) Derive(passphrase []byte, username string) (*Identity, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase is empty", common.ErrInvalidArgument)
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", common.ErrInvalidArgument)
	}

	salt := []byte(saltLabel + ":" + username)
	master := cryptox.DeriveMasterKey(passphrase, salt)
	defer common.WipeByteArray(master)

	seed, err := cryptox.SubKey(master, seedLabel, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	defer common.WipeByteArray(seed)

	encKey, err := cryptox.SubKey(master, encKeyLabel, encKeyLength)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv.Public().(ed25519.PublicKey))

	return &Identity{
		Username:      username,
		PublicKey:     pub,
		privateKey:    NewSecretBuffer(priv),
		encryptionKey: NewSecretBuffer(encKey),
	}, nil
}
