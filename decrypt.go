package omemo

import (
	"context"
	"errors"
	"fmt"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/jid"
	"github.com/meszmate/omemo-go/trust"
)

// Decrypt decrypts the per-device slice of a received OMEMO message.
//
// Pre-key messages establish a session transparently; replays of the
// same initial message are tolerated while catch-up is active, because
// the consumed one-time pre key is retained until catch-up ends. The
// plaintext is returned only after the advanced ratchet state has been
// committed: on a storage failure the result is discarded and
// ErrStorageCommitFailed reported, which is the only way a message may
// be lost.
func (m *Manager[T]) Decrypt(ctx context.Context, msg *IncomingMessage) (T, *MessageInfo, error) {
	var zero T
	if m.isClosed() {
		return zero, nil, ErrClosed
	}
	rb, ok := m.byNS[msg.Namespace]
	if !ok {
		return zero, nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, msg.Namespace)
	}
	senderJID, err := jid.NormalizeBare(msg.SenderJID)
	if err != nil {
		return zero, nil, fmt.Errorf("omemo: sender JID: %w", err)
	}

	unlock := m.lockJID(senderJID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	// An unknown sender device hints at a stale cache; refresh before
	// touching sessions.
	list, err := m.loadDeviceList(ctx, senderJID)
	if err != nil {
		return zero, nil, err
	}
	if _, known := list[msg.SenderDeviceID]; !known {
		if err := m.refreshDeviceListsLocked(ctx, senderJID); err != nil {
			m.log.Warn().Err(err).Str("jid", senderJID).Msg("device list refresh before decrypt failed")
		}
	}

	wire := &backend.Message{Header: msg.Header, Ciphertext: msg.Ciphertext, PreKey: msg.PreKey}

	var session backend.Session
	var plaintext []byte
	passiveBuilt := false
	decrypted := false

	if msg.PreKey {
		session, plaintext, err = rb.backend.BuildPassiveSession(nil, wire)
		switch {
		case err == nil:
			passiveBuilt = true
			decrypted = true
		case errors.Is(err, backend.ErrDuplicatedPreKeyMessage) && m.inCatchUp():
			// The pre key is gone but the session it once built may
			// still be able to replay the message.
			existing, ok, lerr := m.loadSession(ctx, rb, senderJID, msg.SenderDeviceID)
			if lerr != nil {
				return zero, nil, lerr
			}
			if !ok {
				return zero, nil, err
			}
			session = existing
			plaintext, err = rb.backend.Decrypt(existing, wire)
			if err != nil {
				return zero, nil, err
			}
			decrypted = true
		default:
			return zero, nil, err
		}
	} else {
		existing, ok, err := m.loadSession(ctx, rb, senderJID, msg.SenderDeviceID)
		if err != nil {
			return zero, nil, err
		}
		if !ok {
			return zero, nil, fmt.Errorf("%w: %s:%d under %s", backend.ErrNoSession, senderJID, msg.SenderDeviceID, rb.ns)
		}
		session = existing
	}

	identityKey, err := m.canonicalIdentity(rb, session.RemoteIdentityKey())
	if err != nil {
		return zero, nil, err
	}

	info := &MessageInfo{
		Namespace:         rb.ns,
		SenderJID:         senderJID,
		SenderDeviceID:    msg.SenderDeviceID,
		SenderIdentityKey: identityKey,
	}

	level, err := m.trust.Evaluate(ctx, senderJID, identityKey)
	if err != nil {
		return zero, nil, err
	}
	switch level {
	case trust.Distrusted:
		return zero, nil, fmt.Errorf("%w: %s:%d", ErrDistrusted, senderJID, msg.SenderDeviceID)
	case trust.Undecided:
		if m.cfg.UndecidedPolicy == RejectUndecided {
			return zero, nil, fmt.Errorf("%w: %s:%d", ErrUndecided, senderJID, msg.SenderDeviceID)
		}
		info.FromUndecided = true
	}

	if !decrypted {
		plaintext, err = rb.backend.Decrypt(session, wire)
		if err != nil {
			return zero, nil, err
		}
	}

	// Commit group: session state, consumed pre keys, the learned
	// identity key. Nothing is returned unless all of it is durable.
	if err := m.storeSession(ctx, rb, senderJID, msg.SenderDeviceID, session); err != nil {
		return zero, nil, err
	}
	if passiveBuilt {
		if !m.inCatchUp() {
			// Outside catch-up a consumed pre key is gone for good;
			// replenish right away if fewer than the refill threshold
			// remain, and republish the bundle without the used key.
			rb.backend.PurgeUsedPreKeys()
			if rb.backend.PreKeyCount() < m.cfg.refillThreshold() {
				if _, err := rb.backend.ReplenishPreKeys(backend.MaxPreKeys); err != nil {
					return zero, nil, err
				}
			}
			if err := m.markBundleModified(ctx, rb.ns); err != nil {
				return zero, nil, err
			}
		}
		if err := m.persistBackendState(ctx, rb); err != nil {
			return zero, nil, err
		}
	}
	if err := m.learnIdentityKey(ctx, senderJID, msg.SenderDeviceID, identityKey); err != nil {
		return zero, nil, err
	}

	// A passively built session owes the peer one empty message so its
	// ratchet can complete; a stale peer counter earns one too.
	key := responseKey{ns: rb.ns, bareJID: senderJID, deviceID: msg.SenderDeviceID}
	if passiveBuilt || session.ReceivingChainLength() >= stalenessThreshold {
		m.scheduleResponse(key)
	}

	value, err := rb.codec.Decode(plaintext)
	if err != nil {
		return zero, nil, fmt.Errorf("omemo: deserializing plaintext: %w", err)
	}

	unlock()
	locked = false

	if !m.inCatchUp() {
		if err := m.flushPendingResponses(ctx); err != nil {
			m.log.Warn().Err(err).Msg("flushing ratchet responses failed")
		}
		if err := m.publishModifiedBundles(ctx); err != nil {
			m.log.Warn().Err(err).Msg("bundle republish after decrypt failed, retrying in background")
		}
	}

	return value, info, nil
}
