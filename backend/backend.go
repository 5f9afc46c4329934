// Package backend defines the adapter contract an OMEMO-version
// backend fulfils, together with the bundle, message, and codec types
// shared between backends and the session manager.
//
// A backend owns the cryptography of exactly one OMEMO namespace: X3DH
// key agreement, Double Ratchet sessions, and the wire encoding of
// headers and ciphertexts. It never touches storage: every mutation is
// exposed as serializable state which the manager writes through its
// storage layer after the surrounding operation succeeds.
package backend

import (
	"context"
	"time"
)

// IdentityKeyFormat describes which form of the installation-wide
// identity key a backend consumes.
type IdentityKeyFormat uint8

const (
	// FormatEd requires the Ed25519 seed.
	FormatEd IdentityKeyFormat = iota
	// FormatMont requires the clamped Curve25519 scalar.
	FormatMont
	// FormatFlexible accepts the Ed25519 seed and derives what it needs.
	FormatFlexible
)

func (f IdentityKeyFormat) String() string {
	switch f {
	case FormatEd:
		return "ed25519"
	case FormatMont:
		return "curve25519"
	case FormatFlexible:
		return "flexible"
	default:
		return "unknown"
	}
}

// LoadParams carries everything a backend needs to initialize.
type LoadParams struct {
	// IdentitySecret is the Ed25519 seed or the Curve25519 scalar,
	// matching the backend's IdentityKeyFormat.
	IdentitySecret []byte

	// State is the backend state previously returned by MarshalState,
	// or nil on first load.
	State []byte

	// Skipped message key caps, forwarded from the manager config.
	MaxSkippedKeysPerSession int
	MaxSkippedKeysPerMessage int
}

// Session is an opaque handle to one Double Ratchet session with a
// single remote device. The manager only observes its counters; all
// other state stays inside the backend.
type Session interface {
	// SendingChainLength reports how many messages this side has sent
	// in the current sending chain.
	SendingChainLength() uint32

	// ReceivingChainLength reports the length of the peer's current
	// sending chain as observed from decrypted headers: one more than
	// the highest message counter processed in that chain.
	ReceivingChainLength() uint32

	// RemoteIdentityKey returns the peer's identity key in the wire
	// form of the namespace. The manager canonicalizes it for trust
	// evaluation.
	RemoteIdentityKey() []byte
}

// EncryptResult is the per-device output of an encryption.
type EncryptResult struct {
	Header     []byte
	Ciphertext []byte

	// PreKey marks the output as a pre-key message carrying the
	// initial key exchange.
	PreKey bool
}

// Message is an incoming per-device message addressed to this device.
type Message struct {
	Header     []byte
	Ciphertext []byte
	PreKey     bool
}

// Backend is the contract each OMEMO-version adapter fulfils.
//
// Backends MUST NOT persist anything. The manager calls MarshalState
// and MarshalSession after a successful operation and commits the
// results. The manager does not reload a backend after a failed
// operation: sessions are read from storage anew by every operation,
// but changes a failed operation made to the backend's own key
// material (such as a consumed one-time pre key) stay in memory.
type Backend interface {
	// Namespace returns the OMEMO namespace this backend implements.
	Namespace() string

	// IdentityKeyFormat reports which identity key form Load expects.
	IdentityKeyFormat() IdentityKeyFormat

	// Load initializes the backend from the identity secret and the
	// previously persisted state. A nil state creates fresh key
	// material.
	Load(ctx context.Context, params LoadParams) error

	// MarshalState serializes the backend's own key material (signed
	// pre keys, one-time pre keys, counters) for persistence.
	MarshalState() ([]byte, error)

	// Bundle returns the currently publishable bundle.
	Bundle() (*Bundle, error)

	// RotateSignedPreKey generates a new signed pre key, keeping the
	// previous one for delayed messages, and returns the new bundle.
	RotateSignedPreKey(now time.Time) (*Bundle, error)

	// DiscardObsoleteSignedPreKeys drops retained signed pre keys
	// rotated out before the cutoff. Returns the number discarded.
	DiscardObsoleteSignedPreKeys(cutoff time.Time) int

	// PreKeyCount reports the number of unused one-time pre keys.
	PreKeyCount() int

	// ReplenishPreKeys generates one-time pre keys until the unused
	// count reaches target, and returns the new bundle.
	ReplenishPreKeys(target int) (*Bundle, error)

	// PurgeUsedPreKeys drops one-time pre keys that were consumed but
	// retained for catch-up. Returns the number purged.
	PurgeUsedPreKeys() int

	// BuildActiveSession performs X3DH against a downloaded remote
	// bundle and returns a fresh session ready to encrypt. The first
	// EncryptResult produced by the session is a pre-key message.
	BuildActiveSession(remote *Bundle) (Session, error)

	// BuildPassiveSession completes X3DH from an incoming pre-key
	// message and returns the new session together with the plaintext
	// embedded in the initial message.
	//
	// Returns ErrDuplicatedPreKeyMessage when the key exchange refers
	// to a one-time pre key that no longer exists (a replayed initial
	// message after its pre key was purged).
	BuildPassiveSession(senderIdentityKey []byte, msg *Message) (Session, []byte, error)

	// Encrypt encrypts plaintext bytes for an established session.
	Encrypt(session Session, plaintext []byte) (*EncryptResult, error)

	// Decrypt decrypts a non-initial message with an established
	// session.
	Decrypt(session Session, msg *Message) ([]byte, error)

	// MarshalSession serializes a session for persistence.
	MarshalSession(session Session) ([]byte, error)

	// UnmarshalSession restores a session persisted by MarshalSession.
	UnmarshalSession(data []byte) (Session, error)
}

// Codec converts between the application's plaintext type and the byte
// representation a backend encrypts. Each backend registration supplies
// its own codec; when multiple backends coexist the application picks a
// plaintext type all of them can represent.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// ByteCodec is the identity codec for raw byte plaintexts.
type ByteCodec struct{}

func (ByteCodec) Encode(value []byte) ([]byte, error) { return value, nil }
func (ByteCodec) Decode(data []byte) ([]byte, error)  { return data, nil }
