package backend

import "errors"

var (
	// ErrNoSession reports a decrypt against a device without an
	// established session.
	ErrNoSession = errors.New("backend: no session exists for device")

	// ErrDuplicatedPreKeyMessage reports a pre-key message whose
	// one-time pre key is no longer available, i.e. a replay of an
	// initial message that already established a session.
	ErrDuplicatedPreKeyMessage = errors.New("backend: duplicated pre-key message")

	// ErrSessionBroken reports a session whose ratchet state can no
	// longer process messages.
	ErrSessionBroken = errors.New("backend: session broken")

	// ErrBundleCorrupted reports a bundle failing structural or
	// signature validation.
	ErrBundleCorrupted = errors.New("backend: bundle corrupted")
)
