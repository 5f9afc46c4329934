package omemo2

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/meszmate/omemo-go/backend"
)

func newLoadedBackend(t *testing.T) *Backend {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal("generating seed:", err)
	}
	b := New()
	err := b.Load(context.Background(), backend.LoadParams{
		IdentitySecret:           seed,
		MaxSkippedKeysPerSession: 1000,
		MaxSkippedKeysPerMessage: 1000,
	})
	if err != nil {
		t.Fatal("loading backend:", err)
	}
	return b
}

// TestFullConversation runs a complete conversation between two
// backends: session setup via a pre-key message, bidirectional
// messages, and session persistence round-trips.
func TestFullConversation(t *testing.T) {
	alice := newLoadedBackend(t)
	bob := newLoadedBackend(t)

	bobBundle, err := bob.Bundle()
	if err != nil {
		t.Fatal("bob bundle:", err)
	}

	aliceSession, err := alice.BuildActiveSession(bobBundle)
	if err != nil {
		t.Fatal("alice build session:", err)
	}

	msg1, err := alice.Encrypt(aliceSession, []byte("Hello Bob!"))
	if err != nil {
		t.Fatal("alice encrypt:", err)
	}
	if !msg1.PreKey {
		t.Error("first message should be a pre-key message")
	}

	bobSession, plaintext, err := bob.BuildPassiveSession(nil, &backend.Message{
		Header:     msg1.Header,
		Ciphertext: msg1.Ciphertext,
		PreKey:     true,
	})
	if err != nil {
		t.Fatal("bob build passive session:", err)
	}
	if !bytes.Equal(plaintext, []byte("Hello Bob!")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "Hello Bob!")
	}

	// Bob replies; Alice's pre-key state clears on decrypt.
	reply, err := bob.Encrypt(bobSession, []byte("Hi Alice!"))
	if err != nil {
		t.Fatal("bob encrypt:", err)
	}
	if reply.PreKey {
		t.Error("reply should not be a pre-key message")
	}

	plaintext, err = alice.Decrypt(aliceSession, &backend.Message{Header: reply.Header, Ciphertext: reply.Ciphertext})
	if err != nil {
		t.Fatal("alice decrypt:", err)
	}
	if !bytes.Equal(plaintext, []byte("Hi Alice!")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "Hi Alice!")
	}

	msg2, err := alice.Encrypt(aliceSession, []byte("second"))
	if err != nil {
		t.Fatal("alice encrypt 2:", err)
	}
	if msg2.PreKey {
		t.Error("message after confirmed session should not be a pre-key message")
	}

	// Persist and restore both sessions, then keep talking.
	aliceData, err := alice.MarshalSession(aliceSession)
	if err != nil {
		t.Fatal("marshal alice session:", err)
	}
	restored, err := alice.UnmarshalSession(aliceData)
	if err != nil {
		t.Fatal("unmarshal alice session:", err)
	}

	plaintext, err = bob.Decrypt(bobSession, &backend.Message{Header: msg2.Header, Ciphertext: msg2.Ciphertext})
	if err != nil {
		t.Fatal("bob decrypt 2:", err)
	}
	if !bytes.Equal(plaintext, []byte("second")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "second")
	}

	msg3, err := alice.Encrypt(restored, []byte("third"))
	if err != nil {
		t.Fatal("alice encrypt 3:", err)
	}
	plaintext, err = bob.Decrypt(bobSession, &backend.Message{Header: msg3.Header, Ciphertext: msg3.Ciphertext})
	if err != nil {
		t.Fatal("bob decrypt 3:", err)
	}
	if !bytes.Equal(plaintext, []byte("third")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "third")
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice := newLoadedBackend(t)
	bob := newLoadedBackend(t)

	bobBundle, err := bob.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	aliceSession, err := alice.BuildActiveSession(bobBundle)
	if err != nil {
		t.Fatal(err)
	}

	first, err := alice.Encrypt(aliceSession, []byte("msg0"))
	if err != nil {
		t.Fatal(err)
	}
	bobSession, _, err := bob.BuildPassiveSession(nil, &backend.Message{Header: first.Header, Ciphertext: first.Ciphertext, PreKey: true})
	if err != nil {
		t.Fatal(err)
	}

	second, err := alice.Encrypt(aliceSession, []byte("msg1"))
	if err != nil {
		t.Fatal(err)
	}
	third, err := alice.Encrypt(aliceSession, []byte("msg2"))
	if err != nil {
		t.Fatal(err)
	}

	// msg2 arrives before msg1; the skipped key decrypts msg1 later.
	plaintext, err := bob.Decrypt(bobSession, &backend.Message{Header: third.Header, Ciphertext: third.Ciphertext})
	if err != nil {
		t.Fatal("decrypt out of order:", err)
	}
	if !bytes.Equal(plaintext, []byte("msg2")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "msg2")
	}

	plaintext, err = bob.Decrypt(bobSession, &backend.Message{Header: second.Header, Ciphertext: second.Ciphertext})
	if err != nil {
		t.Fatal("decrypt skipped:", err)
	}
	if !bytes.Equal(plaintext, []byte("msg1")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "msg1")
	}
}

func TestPreKeyRetentionAndReplay(t *testing.T) {
	alice := newLoadedBackend(t)
	bob := newLoadedBackend(t)

	bobBundle, err := bob.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	aliceSession, err := alice.BuildActiveSession(bobBundle)
	if err != nil {
		t.Fatal(err)
	}
	initial, err := alice.Encrypt(aliceSession, []byte("initial"))
	if err != nil {
		t.Fatal(err)
	}
	wire := &backend.Message{Header: initial.Header, Ciphertext: initial.Ciphertext, PreKey: true}

	if _, _, err := bob.BuildPassiveSession(nil, wire); err != nil {
		t.Fatal("first passive build:", err)
	}
	if got := bob.PreKeyCount(); got != backend.MaxPreKeys-1 {
		t.Errorf("pre key count = %d, want %d", got, backend.MaxPreKeys-1)
	}

	// The consumed key is retained: the same initial message builds
	// the session again during catch-up.
	_, plaintext, err := bob.BuildPassiveSession(nil, wire)
	if err != nil {
		t.Fatal("replayed passive build:", err)
	}
	if !bytes.Equal(plaintext, []byte("initial")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "initial")
	}

	// Once purged, the replay is detected as a duplicate.
	if purged := bob.PurgeUsedPreKeys(); purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, _, err := bob.BuildPassiveSession(nil, wire); err == nil {
		t.Fatal("expected duplicate pre-key message error")
	} else if !errors.Is(err, backend.ErrDuplicatedPreKeyMessage) {
		t.Errorf("err = %v, want ErrDuplicatedPreKeyMessage", err)
	}
}

func TestSignedPreKeyRotation(t *testing.T) {
	b := newLoadedBackend(t)

	before, err := b.Bundle()
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	after, err := b.RotateSignedPreKey(now)
	if err != nil {
		t.Fatal("rotate:", err)
	}
	if after.SignedPreKeyID == before.SignedPreKeyID {
		t.Error("rotation did not change the signed pre key id")
	}
	if err := after.VerifySignature(); err != nil {
		t.Error("rotated bundle signature:", err)
	}

	// The previous key survives one grace period, then goes.
	if len(b.st.SignedPreKeys) != 2 {
		t.Fatalf("signed pre key records = %d, want 2", len(b.st.SignedPreKeys))
	}
	if n := b.DiscardObsoleteSignedPreKeys(now.Add(-time.Hour)); n != 0 {
		t.Errorf("discarded %d before grace period", n)
	}
	if n := b.DiscardObsoleteSignedPreKeys(now.Add(time.Hour)); n != 1 {
		t.Errorf("discarded = %d, want 1", n)
	}
}

// TestRotationGracePeriod verifies an initial message built against
// the previous signed pre key still establishes a session after a
// rotation.
func TestRotationGracePeriod(t *testing.T) {
	alice := newLoadedBackend(t)
	bob := newLoadedBackend(t)

	bobBundle, err := bob.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	aliceSession, err := alice.BuildActiveSession(bobBundle)
	if err != nil {
		t.Fatal(err)
	}
	delayed, err := alice.Encrypt(aliceSession, []byte("delayed"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bob.RotateSignedPreKey(time.Now()); err != nil {
		t.Fatal(err)
	}

	_, plaintext, err := bob.BuildPassiveSession(nil, &backend.Message{Header: delayed.Header, Ciphertext: delayed.Ciphertext, PreKey: true})
	if err != nil {
		t.Fatal("passive build against retired signed pre key:", err)
	}
	if !bytes.Equal(plaintext, []byte("delayed")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "delayed")
	}
}

func TestStatePersistence(t *testing.T) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal(err)
	}

	b := New()
	if err := b.Load(context.Background(), backend.LoadParams{IdentitySecret: seed, MaxSkippedKeysPerSession: 1000, MaxSkippedKeysPerMessage: 1000}); err != nil {
		t.Fatal(err)
	}
	bundleBefore, err := b.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	state, err := b.MarshalState()
	if err != nil {
		t.Fatal(err)
	}

	reloaded := New()
	if err := reloaded.Load(context.Background(), backend.LoadParams{IdentitySecret: seed, State: state, MaxSkippedKeysPerSession: 1000, MaxSkippedKeysPerMessage: 1000}); err != nil {
		t.Fatal("reloading:", err)
	}
	bundleAfter, err := reloaded.Bundle()
	if err != nil {
		t.Fatal(err)
	}

	if bundleAfter.SignedPreKeyID != bundleBefore.SignedPreKeyID {
		t.Error("signed pre key id changed across reload")
	}
	if !bytes.Equal(bundleAfter.SignedPreKey, bundleBefore.SignedPreKey) {
		t.Error("signed pre key changed across reload")
	}
	if len(bundleAfter.PreKeys) != len(bundleBefore.PreKeys) {
		t.Errorf("pre key count %d != %d", len(bundleAfter.PreKeys), len(bundleBefore.PreKeys))
	}
}

func TestReplenishCapsAtMax(t *testing.T) {
	b := newLoadedBackend(t)
	if got := b.PreKeyCount(); got != backend.MaxPreKeys {
		t.Fatalf("fresh pre key count = %d, want %d", got, backend.MaxPreKeys)
	}
	bundle, err := b.ReplenishPreKeys(backend.MaxPreKeys + 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.PreKeys) != backend.MaxPreKeys {
		t.Errorf("bundle pre keys = %d, want %d", len(bundle.PreKeys), backend.MaxPreKeys)
	}
}

func TestBundleSignatureRejected(t *testing.T) {
	alice := newLoadedBackend(t)
	bob := newLoadedBackend(t)

	bundle, err := bob.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	bundle.SignedPreKeySignature[0] ^= 0xFF

	if _, err := alice.BuildActiveSession(bundle); err == nil {
		t.Fatal("expected corrupted bundle to be rejected")
	} else if !errors.Is(err, backend.ErrBundleCorrupted) {
		t.Errorf("err = %v, want ErrBundleCorrupted", err)
	}
}
