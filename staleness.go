package omemo

import (
	"context"
	"fmt"
)

// scheduleResponse records that a session owes the peer one empty
// message: either its counter crossed the staleness threshold, or it
// was passively built and the peer's ratchet awaits the first reply.
// Responses are sent once catch-up ends.
func (m *Manager[T]) scheduleResponse(key responseKey) {
	m.mu.Lock()
	m.pending[key] = struct{}{}
	m.mu.Unlock()
}

// flushPendingResponses sends at most one empty message per recorded
// session and clears the set. Transport failures are logged, not
// retried: the next stale decrypt re-schedules.
func (m *Manager[T]) flushPendingResponses(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]responseKey, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	m.pending = make(map[responseKey]struct{})
	m.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := m.sendEmptyMessage(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("jid", key.bareJID).Uint32("device", key.deviceID).
				Msg("empty message send failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sendEmptyMessage encrypts and sends a payload-free message through
// the session, committing the ratchet step before handing the
// ciphertext to the transport. Empty messages bypass trust.
func (m *Manager[T]) sendEmptyMessage(ctx context.Context, key responseKey) error {
	rb, ok := m.byNS[key.ns]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, key.ns)
	}

	unlock := m.lockJID(key.bareJID)
	session, ok, err := m.loadSession(ctx, rb, key.bareJID, key.deviceID)
	if err != nil || !ok {
		unlock()
		return err
	}
	result, err := rb.backend.Encrypt(session, nil)
	if err != nil {
		unlock()
		return err
	}
	err = m.storeSession(ctx, rb, key.bareJID, key.deviceID, session)
	unlock()
	if err != nil {
		return err
	}

	return m.cfg.Transport.SendEmptyMessage(ctx, key.ns, key.bareJID, key.deviceID, &EmptyMessage{
		SenderDeviceID: m.ownDeviceID,
		Header:         result.Header,
		Ciphertext:     result.Ciphertext,
		PreKey:         result.PreKey,
	})
}
