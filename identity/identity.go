// Package identity manages the installation-wide identity key shared
// across all OMEMO backends.
//
// The key is generated once as an Ed25519 seed and persisted together
// with a format tag. Backends consume either the Ed25519 form or the
// Curve25519 form; the conversion follows the standard birational map
// between the curves. Installations migrated from historical libraries
// may carry a Curve25519-only key, which cannot serve an Ed25519
// backend: loading reports ErrFormatIncompatible and the manager
// regenerates (resetting trust, documented in the manager API).
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/storage"
)

// ErrFormatIncompatible reports a stored Curve25519-only identity key
// asked to serve a backend that requires the Ed25519 form.
var ErrFormatIncompatible = errors.New("identity: stored key cannot provide the required format")

// Format tags persisted alongside the secret.
const (
	formatEdSeed     = "ed25519-seed"
	formatMontScalar = "curve25519-scalar"
)

// KeyPair is the loaded identity key in every derivable form.
type KeyPair struct {
	format string

	seed       []byte // Ed25519 seed; nil for Curve25519-only keys
	edPriv     ed25519.PrivateKey
	edPub      ed25519.PublicKey
	montScalar []byte
	montPub    []byte
}

// Load reads the identity key from the bucket, generating and
// persisting a fresh Ed25519 seed on first boot. The second return
// reports whether a new key was created.
func Load(ctx context.Context, b storage.Bucket) (*KeyPair, bool, error) {
	format, err := b.LoadBytes(ctx, "format")
	if errors.Is(err, storage.ErrNotFound) {
		kp, err := Generate(ctx, b)
		return kp, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}

	secret, err := b.LoadBytes(ctx, "secret")
	if err != nil {
		return nil, false, fmt.Errorf("identity: loading secret: %w", err)
	}

	switch string(format) {
	case formatEdSeed:
		kp, err := fromSeed(secret)
		return kp, false, err
	case formatMontScalar:
		kp, err := fromScalar(secret)
		return kp, false, err
	default:
		return nil, false, fmt.Errorf("identity: unknown key format %q", format)
	}
}

// Generate creates a fresh Ed25519 seed, persists it, and returns the
// key pair. Any previously stored key is overwritten.
func Generate(ctx context.Context, b storage.Bucket) (*KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generating seed: %w", err)
	}
	kp, err := fromSeed(seed)
	if err != nil {
		return nil, err
	}
	if err := b.StoreBytes(ctx, seed, "secret"); err != nil {
		return nil, fmt.Errorf("identity: storing secret: %w", err)
	}
	if err := b.StoreBytes(ctx, []byte(formatEdSeed), "format"); err != nil {
		return nil, fmt.Errorf("identity: storing format: %w", err)
	}
	return kp, nil
}

func fromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	scalar := scalarFromSeed(seed)
	montPub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: deriving curve form: %w", err)
	}
	return &KeyPair{
		format:     formatEdSeed,
		seed:       seed,
		edPriv:     priv,
		edPub:      priv.Public().(ed25519.PublicKey),
		montScalar: scalar,
		montPub:    montPub,
	}, nil
}

func fromScalar(scalar []byte) (*KeyPair, error) {
	if len(scalar) != 32 {
		return nil, fmt.Errorf("identity: scalar length %d", len(scalar))
	}
	montPub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: deriving curve public key: %w", err)
	}
	return &KeyPair{
		format:     formatMontScalar,
		montScalar: scalar,
		montPub:    montPub,
	}, nil
}

// scalarFromSeed derives the clamped Curve25519 scalar from an Ed25519
// seed: SHA-512 of the seed, first 32 bytes, clamped.
func scalarFromSeed(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// IsEd reports whether the key can serve Ed25519 backends.
func (kp *KeyPair) IsEd() bool { return kp.format == formatEdSeed }

// SecretFor returns the secret form a backend of the given format
// loads with: the Ed25519 seed for FormatEd and FormatFlexible, the
// Curve25519 scalar for FormatMont. Returns ErrFormatIncompatible for
// an Ed25519 request against a Curve25519-only key.
func (kp *KeyPair) SecretFor(format backend.IdentityKeyFormat) ([]byte, error) {
	switch format {
	case backend.FormatEd, backend.FormatFlexible:
		if kp.seed == nil {
			return nil, ErrFormatIncompatible
		}
		return kp.seed, nil
	case backend.FormatMont:
		return kp.montScalar, nil
	default:
		return nil, fmt.Errorf("identity: unknown backend key format %v", format)
	}
}

// PublicEd returns the Ed25519 public key, or nil for a
// Curve25519-only key.
func (kp *KeyPair) PublicEd() []byte { return kp.edPub }

// PublicMont returns the Curve25519 public key.
func (kp *KeyPair) PublicMont() []byte { return kp.montPub }

// Fingerprint returns the fingerprint of this installation's identity
// key.
func (kp *KeyPair) Fingerprint() string { return Fingerprint(kp.montPub) }

// Fingerprint renders an identity public key, given in its Curve25519
// form, as lowercase hex.
func Fingerprint(montPub []byte) string { return hex.EncodeToString(montPub) }

// MontgomeryFromEd converts an Ed25519 public key to its Curve25519
// form via the birational map. Used to fingerprint and trust-key
// identity keys published by Ed25519 backends.
func MontgomeryFromEd(edPub []byte) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key length %d", len(edPub))
	}
	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("identity: decoding edwards point: %w", err)
	}
	return point.BytesMontgomery(), nil
}
