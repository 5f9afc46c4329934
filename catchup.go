package omemo

import "context"

// inCatchUp reports whether the manager is replaying historical
// messages. Catch-up is active from load until EndCatchUp.
func (m *Manager[T]) inCatchUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catchUp
}

// StartCatchUp re-enters catch-up mode: consumed one-time pre keys are
// retained again, signed pre key rotation and staleness responses are
// deferred.
func (m *Manager[T]) StartCatchUp() {
	m.mu.Lock()
	m.catchUp = true
	m.mu.Unlock()
	m.log.Debug().Msg("catch-up started")
}

// EndCatchUp leaves catch-up mode and processes everything it
// deferred: retained used pre keys are purged, one-time pre keys are
// replenished if fewer than the refill threshold remain, due signed
// pre key rotations run, modified bundles are republished, and the
// deferred empty-message responses (staleness and passive session
// completion) are sent.
func (m *Manager[T]) EndCatchUp(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}

	m.mu.Lock()
	wasActive := m.catchUp
	m.catchUp = false
	m.mu.Unlock()
	if !wasActive {
		return nil
	}
	m.log.Debug().Msg("catch-up ended")

	// Bundle and key material mutations run under the own-JID section
	// like every other own-account change.
	unlock := m.lockJID(m.ownJID)
	var err error
	for _, rb := range m.backends {
		if purged := rb.backend.PurgeUsedPreKeys(); purged > 0 {
			m.log.Debug().Str("ns", rb.ns).Int("count", purged).Msg("purged retained pre keys")
			if err = m.persistBackendState(ctx, rb); err != nil {
				break
			}
		}
		if err = m.maintainBackend(ctx, rb); err != nil {
			break
		}
	}
	unlock()
	if err != nil {
		return err
	}

	if err := m.publishModifiedBundles(ctx); err != nil {
		m.log.Warn().Err(err).Msg("bundle publish after catch-up failed, retrying in background")
	}
	if err := m.flushPendingResponses(ctx); err != nil {
		m.log.Warn().Err(err).Msg("flushing deferred responses after catch-up failed")
	}
	return nil
}
