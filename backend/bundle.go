package backend

import (
	"crypto/ed25519"
	"fmt"
)

// Bundle holds the public X3DH material of one device under one
// namespace, as published on (or downloaded from) the server.
type Bundle struct {
	Namespace string
	BareJID   string
	DeviceID  uint32

	// IdentityKey is the device's public identity key in the wire form
	// of the namespace (Ed25519 for omemo:2).
	IdentityKey []byte

	SignedPreKey          []byte
	SignedPreKeyID        uint32
	SignedPreKeySignature []byte

	PreKeys []PreKey
}

// PreKey is a one-time pre key inside a bundle.
type PreKey struct {
	ID        uint32
	PublicKey []byte
}

// MaxPreKeys is the cap on one-time pre keys a bundle may carry.
const MaxPreKeys = 100

// Validate checks the structural invariants of a bundle: key lengths
// and the pre-key cap. It does not check the signed pre key signature;
// VerifySignature does that for Ed25519 identity keys. Backends whose
// wire identity key is not Ed25519 verify signatures themselves and
// skip VerifySignature.
func (b *Bundle) Validate() error {
	if len(b.IdentityKey) != 32 {
		return fmt.Errorf("%w: identity key length %d", ErrBundleCorrupted, len(b.IdentityKey))
	}
	if len(b.SignedPreKey) != 32 {
		return fmt.Errorf("%w: signed pre key length %d", ErrBundleCorrupted, len(b.SignedPreKey))
	}
	if len(b.PreKeys) > MaxPreKeys {
		return fmt.Errorf("%w: %d one-time pre keys", ErrBundleCorrupted, len(b.PreKeys))
	}
	for _, pk := range b.PreKeys {
		if len(pk.PublicKey) != 32 {
			return fmt.Errorf("%w: pre key %d length %d", ErrBundleCorrupted, pk.ID, len(pk.PublicKey))
		}
	}
	return nil
}

// VerifySignature checks the signed pre key signature under an Ed25519
// identity key.
func (b *Bundle) VerifySignature() error {
	if len(b.IdentityKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: identity key length %d", ErrBundleCorrupted, len(b.IdentityKey))
	}
	if !ed25519.Verify(ed25519.PublicKey(b.IdentityKey), b.SignedPreKey, b.SignedPreKeySignature) {
		return fmt.Errorf("%w: signed pre key signature", ErrBundleCorrupted)
	}
	return nil
}
