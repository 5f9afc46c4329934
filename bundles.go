package omemo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/storage"
)

// Maintenance runs the idempotent bundle upkeep pass: signed pre key
// rotation (deferred while catch-up is active), discarding signed pre
// keys past their grace period, one-time pre key replenishment, and
// republication of modified bundles. Applications call it periodically
// and after reconnecting.
func (m *Manager[T]) Maintenance(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}

	unlock := m.lockJID(m.ownJID)
	var err error
	for _, rb := range m.backends {
		if err = m.maintainBackend(ctx, rb); err != nil {
			break
		}
	}
	unlock()
	if err != nil {
		return err
	}

	if err := m.publishModifiedBundles(ctx); err != nil {
		return err
	}
	if !m.inCatchUp() {
		if err := m.flushPendingResponses(ctx); err != nil {
			m.log.Warn().Err(err).Msg("flushing pending responses during maintenance failed")
		}
	}
	return nil
}

// maintainBackend performs the per-backend upkeep. Caller holds the
// own-JID section.
func (m *Manager[T]) maintainBackend(ctx context.Context, rb *registeredBackend[T]) error {
	now := m.now()
	dirty := false

	if !m.inCatchUp() {
		due, err := m.rotationDue(ctx, rb.ns, now)
		if err != nil {
			return err
		}
		if due {
			if _, err := rb.backend.RotateSignedPreKey(now); err != nil {
				return fmt.Errorf("omemo: rotating signed pre key %s: %w", rb.ns, err)
			}
			if err := m.meta.StoreJSON(ctx, now.Unix(), "spk_last_rotation", rb.ns); err != nil {
				return err
			}
			if err := m.markBundleModified(ctx, rb.ns); err != nil {
				return err
			}
			dirty = true
			m.log.Info().Str("ns", rb.ns).Msg("rotated signed pre key")
		}
	}

	// The previous signed pre key stays decryptable for one full
	// rotation period after being rotated out.
	if rb.backend.DiscardObsoleteSignedPreKeys(now.Add(-m.rotationPeriod)) > 0 {
		dirty = true
	}

	if rb.backend.PreKeyCount() < m.cfg.refillThreshold() {
		if _, err := rb.backend.ReplenishPreKeys(backend.MaxPreKeys); err != nil {
			return fmt.Errorf("omemo: replenishing pre keys %s: %w", rb.ns, err)
		}
		if err := m.markBundleModified(ctx, rb.ns); err != nil {
			return err
		}
		dirty = true
	}

	if dirty {
		return m.persistBackendState(ctx, rb)
	}
	return nil
}

func (m *Manager[T]) rotationDue(ctx context.Context, ns string, now time.Time) (bool, error) {
	var last int64
	err := m.meta.LoadJSON(ctx, &last, "spk_last_rotation", ns)
	if errors.Is(err, storage.ErrNotFound) {
		return false, m.meta.StoreJSON(ctx, now.Unix(), "spk_last_rotation", ns)
	}
	if err != nil {
		return false, err
	}
	return now.Sub(time.Unix(last, 0)) >= m.rotationPeriod, nil
}

// markBundleModified raises the persistent modified bit for a
// namespace; it is cleared once the application confirms publication.
func (m *Manager[T]) markBundleModified(ctx context.Context, ns string) error {
	if err := m.meta.StoreJSON(ctx, true, "bundle_modified", ns); err != nil {
		return fmt.Errorf("%w: modified flag %s: %v", ErrStorageCommitFailed, ns, err)
	}
	return nil
}

func (m *Manager[T]) bundleModified(ctx context.Context, ns string) (bool, error) {
	var modified bool
	err := m.meta.LoadJSON(ctx, &modified, "bundle_modified", ns)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return modified, nil
}

// publishModifiedBundles uploads every bundle whose modified bit is
// set. A failed upload leaves the bit set and starts one background
// retry loop per namespace with exponential backoff (1s initial,
// doubled, capped at the rotation period).
func (m *Manager[T]) publishModifiedBundles(ctx context.Context) error {
	var firstErr error
	for _, rb := range m.backends {
		modified, err := m.bundleModified(ctx, rb.ns)
		if err != nil {
			return err
		}
		if !modified {
			continue
		}
		if err := m.publishBundle(ctx, rb); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.retryPublish(rb)
		}
	}
	return firstErr
}

// publishBundle uploads one bundle and clears its modified bit.
func (m *Manager[T]) publishBundle(ctx context.Context, rb *registeredBackend[T]) error {
	bundle, err := rb.backend.Bundle()
	if err != nil {
		return err
	}
	bundle.BareJID = m.ownJID
	bundle.DeviceID = m.ownDeviceID
	if err := m.cfg.Transport.UploadBundle(ctx, bundle); err != nil {
		return fmt.Errorf("omemo: uploading bundle %s: %w", rb.ns, err)
	}
	if err := m.meta.Delete(ctx, "bundle_modified", rb.ns); err != nil {
		return fmt.Errorf("%w: clearing modified flag %s: %v", ErrStorageCommitFailed, rb.ns, err)
	}
	m.log.Debug().Str("ns", rb.ns).Msg("published bundle")
	return nil
}

// retryPublish starts (at most) one background retry loop for a
// namespace. The loop stops when the upload succeeds, the bit is
// cleared elsewhere, or the manager closes.
func (m *Manager[T]) retryPublish(rb *registeredBackend[T]) {
	m.mu.Lock()
	if m.closed || m.publishing[rb.ns] {
		m.mu.Unlock()
		return
	}
	m.publishing[rb.ns] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.publishing, rb.ns)
			m.mu.Unlock()
		}()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = time.Second
		policy.Multiplier = 2
		policy.RandomizationFactor = 0
		policy.MaxInterval = m.rotationPeriod
		policy.MaxElapsedTime = 0

		attempt := func() error {
			modified, err := m.bundleModified(m.bg, rb.ns)
			if err != nil || !modified {
				return nil
			}
			return m.publishBundle(m.bg, rb)
		}
		if err := backoff.Retry(attempt, backoff.WithContext(policy, m.bg)); err != nil {
			m.log.Warn().Err(err).Str("ns", rb.ns).Msg("bundle publish retries abandoned")
		}
	}()
}
