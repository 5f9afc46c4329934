// Package omemo2 implements the omemo-go backend contract for the
// urn:xmpp:omemo:2 namespace: X3DH key agreement, Double Ratchet
// sessions, and AES-256-GCM message encryption.
//
// The backend keeps all key material in memory and never persists
// anything itself; the session manager commits MarshalState and
// MarshalSession output through its storage layer after each
// successful operation.
package omemo2

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meszmate/omemo-go/backend"
)

// Namespace is the OMEMO namespace this backend implements.
const Namespace = "urn:xmpp:omemo:2"

type signedPreKeyRecord struct {
	ID        uint32    `json:"id"`
	Private   []byte    `json:"private"`
	Public    []byte    `json:"public"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
	// RetiredAt is set when a newer signed pre key supersedes this one;
	// the record is kept for one more rotation period.
	RetiredAt time.Time `json:"retired_at,omitzero"`
}

type preKeyRecord struct {
	ID      uint32 `json:"id"`
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

type persistedState struct {
	SignedPreKeys      []signedPreKeyRecord `json:"signed_pre_keys"` // index 0 is current
	NextSignedPreKeyID uint32               `json:"next_signed_pre_key_id"`
	PreKeys            []preKeyRecord       `json:"pre_keys"`
	UsedPreKeys        []preKeyRecord       `json:"used_pre_keys"`
	NextPreKeyID       uint32               `json:"next_pre_key_id"`
}

// Backend implements backend.Backend for urn:xmpp:omemo:2.
type Backend struct {
	edPriv     ed25519.PrivateKey
	identityDH *ecdh.PrivateKey

	st         persistedState
	maxSession int
	maxMessage int
}

// New creates an unloaded backend. Load must be called before use.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Namespace() string { return Namespace }

func (b *Backend) IdentityKeyFormat() backend.IdentityKeyFormat { return backend.FormatEd }

func (b *Backend) Load(_ context.Context, params backend.LoadParams) error {
	if len(params.IdentitySecret) != ed25519.SeedSize {
		return fmt.Errorf("omemo2: identity seed length %d", len(params.IdentitySecret))
	}
	b.edPriv = ed25519.NewKeyFromSeed(params.IdentitySecret)

	// The identity key doubles as an X25519 key for X3DH: clamped
	// SHA-512 of the seed.
	h := sha512.Sum512(params.IdentitySecret)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var err error
	b.identityDH, err = ecdh.X25519().NewPrivateKey(h[:32])
	if err != nil {
		return fmt.Errorf("omemo2: deriving identity DH key: %w", err)
	}

	b.maxSession = params.MaxSkippedKeysPerSession
	b.maxMessage = params.MaxSkippedKeysPerMessage

	if params.State == nil {
		b.st = persistedState{NextSignedPreKeyID: 1, NextPreKeyID: 1}
		if _, err := b.generateSignedPreKey(time.Time{}); err != nil {
			return err
		}
		if _, err := b.ReplenishPreKeys(backend.MaxPreKeys); err != nil {
			return err
		}
		return nil
	}
	if err := json.Unmarshal(params.State, &b.st); err != nil {
		return fmt.Errorf("omemo2: decoding state: %w", err)
	}
	if len(b.st.SignedPreKeys) == 0 {
		return fmt.Errorf("omemo2: state carries no signed pre key")
	}
	return nil
}

func (b *Backend) MarshalState() ([]byte, error) {
	data, err := json.Marshal(b.st)
	if err != nil {
		return nil, fmt.Errorf("omemo2: encoding state: %w", err)
	}
	return data, nil
}

func (b *Backend) generateSignedPreKey(now time.Time) (*signedPreKeyRecord, error) {
	key, err := generateX25519()
	if err != nil {
		return nil, fmt.Errorf("omemo2: generating signed pre key: %w", err)
	}
	pub := key.PublicKey().Bytes()
	rec := signedPreKeyRecord{
		ID:        b.st.NextSignedPreKeyID,
		Private:   key.Bytes(),
		Public:    pub,
		Signature: ed25519.Sign(b.edPriv, pub),
		CreatedAt: now,
	}
	b.st.NextSignedPreKeyID++
	b.st.SignedPreKeys = append([]signedPreKeyRecord{rec}, b.st.SignedPreKeys...)
	return &b.st.SignedPreKeys[0], nil
}

func (b *Backend) Bundle() (*backend.Bundle, error) {
	if len(b.st.SignedPreKeys) == 0 {
		return nil, fmt.Errorf("omemo2: backend not loaded")
	}
	spk := b.st.SignedPreKeys[0]
	bundle := &backend.Bundle{
		Namespace:             Namespace,
		IdentityKey:           append([]byte(nil), b.edPriv.Public().(ed25519.PublicKey)...),
		SignedPreKey:          spk.Public,
		SignedPreKeyID:        spk.ID,
		SignedPreKeySignature: spk.Signature,
	}
	for _, pk := range b.st.PreKeys {
		bundle.PreKeys = append(bundle.PreKeys, backend.PreKey{ID: pk.ID, PublicKey: pk.Public})
	}
	return bundle, nil
}

func (b *Backend) RotateSignedPreKey(now time.Time) (*backend.Bundle, error) {
	for i := range b.st.SignedPreKeys {
		if b.st.SignedPreKeys[i].RetiredAt.IsZero() {
			b.st.SignedPreKeys[i].RetiredAt = now
		}
	}
	if _, err := b.generateSignedPreKey(now); err != nil {
		return nil, err
	}
	return b.Bundle()
}

func (b *Backend) DiscardObsoleteSignedPreKeys(cutoff time.Time) int {
	kept := b.st.SignedPreKeys[:0]
	discarded := 0
	for _, rec := range b.st.SignedPreKeys {
		if !rec.RetiredAt.IsZero() && rec.RetiredAt.Before(cutoff) {
			discarded++
			continue
		}
		kept = append(kept, rec)
	}
	b.st.SignedPreKeys = kept
	return discarded
}

func (b *Backend) PreKeyCount() int { return len(b.st.PreKeys) }

func (b *Backend) ReplenishPreKeys(target int) (*backend.Bundle, error) {
	if target > backend.MaxPreKeys {
		target = backend.MaxPreKeys
	}
	for len(b.st.PreKeys) < target {
		key, err := generateX25519()
		if err != nil {
			return nil, fmt.Errorf("omemo2: generating pre key: %w", err)
		}
		b.st.PreKeys = append(b.st.PreKeys, preKeyRecord{
			ID:      b.st.NextPreKeyID,
			Private: key.Bytes(),
			Public:  key.PublicKey().Bytes(),
		})
		b.st.NextPreKeyID++
	}
	return b.Bundle()
}

func (b *Backend) PurgeUsedPreKeys() int {
	n := len(b.st.UsedPreKeys)
	b.st.UsedPreKeys = nil
	return n
}

func (b *Backend) BuildActiveSession(remote *backend.Bundle) (backend.Session, error) {
	if err := remote.Validate(); err != nil {
		return nil, err
	}
	if err := remote.VerifySignature(); err != nil {
		return nil, err
	}

	result, err := x3dhInitiate(b.identityDH, remote)
	if err != nil {
		return nil, err
	}

	ratchet, err := initRatchetActive(result.sharedSecret, remote.SignedPreKey, b.maxSession, b.maxMessage)
	if err != nil {
		return nil, err
	}

	kx := &keyExchange{
		SignedPreKeyID: remote.SignedPreKeyID,
		Ephemeral:      result.ephemeral,
		IdentityKey:    append([]byte(nil), b.edPriv.Public().(ed25519.PublicKey)...),
	}
	if result.usedPreKey != nil {
		kx.HasPreKey = true
		kx.PreKeyID = *result.usedPreKey
	}

	return &session{
		ratchet:        ratchet,
		remoteIdentity: append([]byte(nil), remote.IdentityKey...),
		pending:        kx,
	}, nil
}

func (b *Backend) BuildPassiveSession(senderIdentityKey []byte, msg *backend.Message) (backend.Session, []byte, error) {
	h, err := parseHeader(msg.Header)
	if err != nil {
		return nil, nil, err
	}
	kx := h.KeyExchange
	if kx == nil {
		return nil, nil, fmt.Errorf("%w: message carries no key exchange", ErrInvalidMessage)
	}
	if senderIdentityKey != nil && !bytes.Equal(senderIdentityKey, kx.IdentityKey) {
		return nil, nil, fmt.Errorf("%w: key exchange identity mismatch", ErrInvalidMessage)
	}

	spk := b.findSignedPreKey(kx.SignedPreKeyID)
	if spk == nil {
		// The signed pre key was rotated out past its grace period;
		// the initial message can no longer be processed.
		return nil, nil, fmt.Errorf("%w: signed pre key %d gone", backend.ErrDuplicatedPreKeyMessage, kx.SignedPreKeyID)
	}
	spkPriv, err := ecdh.X25519().NewPrivateKey(spk.Private)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo2: parsing signed pre key: %w", err)
	}

	var opkPriv *ecdh.PrivateKey
	if kx.HasPreKey {
		rec, found := b.consumePreKey(kx.PreKeyID)
		if !found {
			return nil, nil, fmt.Errorf("%w: one-time pre key %d gone", backend.ErrDuplicatedPreKeyMessage, kx.PreKeyID)
		}
		opkPriv, err = ecdh.X25519().NewPrivateKey(rec.Private)
		if err != nil {
			return nil, nil, fmt.Errorf("omemo2: parsing pre key: %w", err)
		}
	}

	sharedSecret, err := x3dhRespond(b.identityDH, spkPriv, opkPriv, kx.IdentityKey, kx.Ephemeral)
	if err != nil {
		return nil, nil, err
	}

	s := &session{
		ratchet:        initRatchetPassive(sharedSecret, spkPriv, b.maxSession, b.maxMessage),
		remoteIdentity: append([]byte(nil), kx.IdentityKey...),
	}

	plaintext, err := s.ratchet.decrypt(h, msg.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return s, plaintext, nil
}

// consumePreKey moves an unused pre key to the retained used list, or
// finds it there if an earlier initial message already consumed it.
// Used keys stay retained until the manager purges them, so repeated
// initial messages during catch-up keep working.
func (b *Backend) consumePreKey(id uint32) (*preKeyRecord, bool) {
	for i, rec := range b.st.PreKeys {
		if rec.ID == id {
			b.st.PreKeys = append(b.st.PreKeys[:i], b.st.PreKeys[i+1:]...)
			b.st.UsedPreKeys = append(b.st.UsedPreKeys, rec)
			return &b.st.UsedPreKeys[len(b.st.UsedPreKeys)-1], true
		}
	}
	for i, rec := range b.st.UsedPreKeys {
		if rec.ID == id {
			return &b.st.UsedPreKeys[i], true
		}
	}
	return nil, false
}

func (b *Backend) findSignedPreKey(id uint32) *signedPreKeyRecord {
	for i := range b.st.SignedPreKeys {
		if b.st.SignedPreKeys[i].ID == id {
			return &b.st.SignedPreKeys[i]
		}
	}
	return nil
}

func (b *Backend) Encrypt(sess backend.Session, plaintext []byte) (*backend.EncryptResult, error) {
	s, err := assertSession(sess)
	if err != nil {
		return nil, err
	}

	dhPub, n, pn, ciphertext, err := s.ratchet.encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	h := &header{KeyExchange: s.pending, DHPub: dhPub, N: n, PN: pn}
	headerBytes, err := h.marshal()
	if err != nil {
		return nil, err
	}

	return &backend.EncryptResult{
		Header:     headerBytes,
		Ciphertext: ciphertext,
		PreKey:     s.pending != nil,
	}, nil
}

func (b *Backend) Decrypt(sess backend.Session, msg *backend.Message) ([]byte, error) {
	s, err := assertSession(sess)
	if err != nil {
		return nil, err
	}

	h, err := parseHeader(msg.Header)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.ratchet.decrypt(h, msg.Ciphertext)
	if err != nil {
		return nil, err
	}

	// A successful decrypt proves the peer completed the exchange.
	s.pending = nil
	return plaintext, nil
}

func (b *Backend) MarshalSession(sess backend.Session) ([]byte, error) {
	s, err := assertSession(sess)
	if err != nil {
		return nil, err
	}
	return s.marshal()
}

func (b *Backend) UnmarshalSession(data []byte) (backend.Session, error) {
	return unmarshalSession(data, b.maxSession, b.maxMessage)
}

func assertSession(sess backend.Session) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: foreign session handle", backend.ErrSessionBroken)
	}
	return s, nil
}
