package omemo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/identity"
	"github.com/meszmate/omemo-go/jid"
	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/trust"
)

// target is one recipient device resolved to a backend, with either an
// existing session or a downloaded bundle to build one from.
type target[T any] struct {
	bareJID  string
	deviceID uint32
	rb       *registeredBackend[T]

	session backend.Session // nil when a session must be built
	bundle  *backend.Bundle // set when session is nil

	// identityKey in canonical Curve25519 form, for trust evaluation.
	identityKey []byte
}

// Encrypt encrypts a plaintext value for the active devices of the
// recipient bare JIDs plus the other devices of the own account.
//
// Sessions are established transparently from downloaded bundles.
// Per-device problems (missing bundles, download failures, broken
// sessions) are bucketed into the returned failures; the message still
// addresses every remaining device. Devices with undecided trust abort
// the whole operation with *UndecidedError so the application can
// resolve them in bulk and retry.
//
// The optional namespaces argument restricts and orders the backends
// considered; by default the configured backend order applies.
func (m *Manager[T]) Encrypt(ctx context.Context, recipients []string, value T, namespaces ...string) (*EncryptedMessage, []DeviceFailure, error) {
	if m.isClosed() {
		return nil, nil, ErrClosed
	}

	priority, err := m.resolvePriority(namespaces)
	if err != nil {
		return nil, nil, err
	}

	jids, err := m.normalizeRecipients(recipients)
	if err != nil {
		return nil, nil, err
	}

	// Resolve every recipient device to a backend, a session or a
	// bundle, and an identity key.
	var targets []*target[T]
	var failures []DeviceFailure
	for _, bareJID := range jids {
		resolved, failed, err := m.resolveTargets(ctx, bareJID, priority)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, resolved...)
		failures = append(failures, failed...)
	}

	// Trust gate: drop distrusted devices, fail fast on undecided.
	var undecided []DeviceIdentifier
	kept := targets[:0]
	for _, t := range targets {
		level, err := m.trust.Evaluate(ctx, t.bareJID, t.identityKey)
		if err != nil {
			return nil, nil, err
		}
		switch level {
		case trust.Distrusted:
			m.log.Debug().Str("jid", t.bareJID).Uint32("device", t.deviceID).
				Msg("dropping distrusted device from recipient set")
		case trust.Undecided:
			undecided = append(undecided, DeviceIdentifier{BareJID: t.bareJID, DeviceID: t.deviceID})
		default:
			kept = append(kept, t)
		}
	}
	if len(undecided) != 0 {
		return nil, nil, &UndecidedError{Devices: undecided}
	}
	targets = kept

	// Serialize the plaintext once per backend that has recipients.
	payloads := make(map[string][]byte)
	for _, t := range targets {
		if _, ok := payloads[t.rb.ns]; ok {
			continue
		}
		data, err := t.rb.codec.Encode(value)
		if err != nil {
			return nil, nil, fmt.Errorf("omemo: serializing plaintext for %s: %w", t.rb.ns, err)
		}
		payloads[t.rb.ns] = data
	}

	// Build missing sessions and encrypt per device.
	msg := &EncryptedMessage{
		SenderDeviceID: m.ownDeviceID,
		Payloads:       make(map[string][]DeviceKey),
	}
	type sessionDelta struct {
		rb       *registeredBackend[T]
		bareJID  string
		deviceID uint32
		session  backend.Session
	}
	var deltas []sessionDelta

	for _, t := range targets {
		unlock := m.lockJID(t.bareJID)

		if t.session == nil {
			session, err := t.rb.backend.BuildActiveSession(t.bundle)
			if err != nil {
				unlock()
				failures = append(failures, DeviceFailure{
					BareJID: t.bareJID, DeviceID: t.deviceID, Namespace: t.rb.ns, Err: err,
				})
				continue
			}
			t.session = session
		}

		result, err := t.rb.backend.Encrypt(t.session, payloads[t.rb.ns])
		unlock()
		if err != nil {
			// A broken session fails permanently for this operation;
			// the next one rebuilds from a fresh bundle.
			failures = append(failures, DeviceFailure{
				BareJID: t.bareJID, DeviceID: t.deviceID, Namespace: t.rb.ns, Err: err,
			})
			continue
		}

		msg.Payloads[t.rb.ns] = append(msg.Payloads[t.rb.ns], DeviceKey{
			BareJID:    t.bareJID,
			DeviceID:   t.deviceID,
			Header:     result.Header,
			Ciphertext: result.Ciphertext,
			PreKey:     result.PreKey,
		})
		deltas = append(deltas, sessionDelta{rb: t.rb, bareJID: t.bareJID, deviceID: t.deviceID, session: t.session})
	}

	// Commit every session delta before handing out the message. A
	// ciphertext whose ratchet step is not durable must never leave
	// the manager.
	for _, d := range deltas {
		if err := m.storeSession(ctx, d.rb, d.bareJID, d.deviceID, d.session); err != nil {
			return nil, nil, err
		}
	}

	m.log.Debug().Int("devices", len(deltas)).Int("failures", len(failures)).
		Msg("encrypted message")
	return msg, failures, nil
}

func (m *Manager[T]) resolvePriority(namespaces []string) ([]*registeredBackend[T], error) {
	if len(namespaces) == 0 {
		return m.backends, nil
	}
	priority := make([]*registeredBackend[T], 0, len(namespaces))
	for _, ns := range namespaces {
		rb, ok := m.byNS[ns]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
		}
		priority = append(priority, rb)
	}
	return priority, nil
}

// normalizeRecipients normalizes and deduplicates the recipient JIDs
// and appends the own bare JID, so the other own devices always
// receive a copy.
func (m *Manager[T]) normalizeRecipients(recipients []string) ([]string, error) {
	set := make(map[string]bool, len(recipients)+1)
	for _, r := range recipients {
		normalized, err := jid.NormalizeBare(r)
		if err != nil {
			return nil, fmt.Errorf("omemo: recipient %q: %w", r, err)
		}
		set[normalized] = true
	}
	set[m.ownJID] = true

	out := make([]string, 0, len(set))
	for j := range set {
		out = append(out, j)
	}
	sort.Strings(out)
	return out, nil
}

// resolveTargets picks, for every active device of a bare JID, the
// first backend in the priority list the device supports and for which
// a session exists or a bundle can be fetched. Runs under the JID
// section.
func (m *Manager[T]) resolveTargets(ctx context.Context, bareJID string, priority []*registeredBackend[T]) ([]*target[T], []DeviceFailure, error) {
	unlock := m.lockJID(bareJID)
	defer unlock()

	list, err := m.loadDeviceList(ctx, bareJID)
	if err != nil {
		return nil, nil, err
	}

	deviceIDs := make([]uint32, 0, len(list))
	for deviceID := range list {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Slice(deviceIDs, func(i, j int) bool { return deviceIDs[i] < deviceIDs[j] })

	var targets []*target[T]
	var failures []DeviceFailure
	for _, deviceID := range deviceIDs {
		rec := list[deviceID]
		if !rec.active() {
			continue
		}
		if bareJID == m.ownJID && deviceID == m.ownDeviceID {
			continue
		}

		t, failure := m.resolveDevice(ctx, bareJID, deviceID, rec, priority)
		if failure != nil {
			failures = append(failures, *failure)
			continue
		}
		if err := m.learnIdentityKey(ctx, bareJID, deviceID, t.identityKey); err != nil {
			return nil, nil, err
		}
		targets = append(targets, t)
	}
	return targets, failures, nil
}

func (m *Manager[T]) resolveDevice(ctx context.Context, bareJID string, deviceID uint32, rec *deviceRecord, priority []*registeredBackend[T]) (*target[T], *DeviceFailure) {
	supported := false
	var lastErr error
	var lastNS string

	for _, rb := range priority {
		if !rec.ActiveNS[rb.ns] {
			continue
		}
		supported = true

		session, ok, err := m.loadSession(ctx, rb, bareJID, deviceID)
		if err != nil {
			lastErr, lastNS = err, rb.ns
			continue
		}
		if ok {
			key, err := m.canonicalIdentity(rb, session.RemoteIdentityKey())
			if err != nil {
				lastErr, lastNS = err, rb.ns
				continue
			}
			return &target[T]{bareJID: bareJID, deviceID: deviceID, rb: rb, session: session, identityKey: key}, nil
		}

		bundle, err := m.fetchBundle(ctx, rb, bareJID, deviceID)
		if err != nil {
			lastErr, lastNS = err, rb.ns
			continue
		}
		key, err := m.canonicalIdentity(rb, bundle.IdentityKey)
		if err != nil {
			lastErr, lastNS = err, rb.ns
			continue
		}
		return &target[T]{bareJID: bareJID, deviceID: deviceID, rb: rb, bundle: bundle, identityKey: key}, nil
	}

	if !supported {
		return nil, &DeviceFailure{BareJID: bareJID, DeviceID: deviceID, Err: ErrNoEligibleBackend}
	}
	return nil, &DeviceFailure{BareJID: bareJID, DeviceID: deviceID, Namespace: lastNS, Err: lastErr}
}

// fetchBundle downloads a remote bundle, serving repeat fan-outs from
// a small LRU. Failures are never cached.
func (m *Manager[T]) fetchBundle(ctx context.Context, rb *registeredBackend[T], bareJID string, deviceID uint32) (*backend.Bundle, error) {
	key := bundleCacheKey{ns: rb.ns, bareJID: bareJID, deviceID: deviceID}
	if bundle, ok := m.bundleCache.Get(key); ok {
		return bundle, nil
	}

	bundle, err := m.cfg.Transport.DownloadBundle(ctx, rb.ns, bareJID, deviceID)
	if errors.Is(err, ErrBundleNotFound) {
		return nil, fmt.Errorf("%w: %s:%d under %s", ErrBundleNotFound, bareJID, deviceID, rb.ns)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%d under %s: %v", ErrBundleDownloadFailed, bareJID, deviceID, rb.ns, err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	bundle.Namespace = rb.ns
	bundle.BareJID = bareJID
	bundle.DeviceID = deviceID
	m.bundleCache.Add(key, bundle)
	return bundle, nil
}

// canonicalIdentity converts a wire-form identity key to the canonical
// Curve25519 form trust entries are keyed by.
func (m *Manager[T]) canonicalIdentity(rb *registeredBackend[T], wireKey []byte) ([]byte, error) {
	switch rb.backend.IdentityKeyFormat() {
	case backend.FormatEd, backend.FormatFlexible:
		return identity.MontgomeryFromEd(wireKey)
	default:
		return append([]byte(nil), wireKey...), nil
	}
}

func (m *Manager[T]) loadSession(ctx context.Context, rb *registeredBackend[T], bareJID string, deviceID uint32) (backend.Session, bool, error) {
	data, err := m.sessions.LoadBytes(ctx, rb.ns, bareJID, deviceIDSegment(deviceID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	session, err := rb.backend.UnmarshalSession(data)
	if err != nil {
		return nil, false, fmt.Errorf("omemo: corrupt session %s/%s:%d: %w", rb.ns, bareJID, deviceID, err)
	}
	return session, true, nil
}

func (m *Manager[T]) storeSession(ctx context.Context, rb *registeredBackend[T], bareJID string, deviceID uint32, session backend.Session) error {
	data, err := rb.backend.MarshalSession(session)
	if err != nil {
		return fmt.Errorf("%w: marshaling session: %v", ErrStorageCommitFailed, err)
	}
	if err := m.sessions.StoreBytes(ctx, data, rb.ns, bareJID, deviceIDSegment(deviceID)); err != nil {
		return fmt.Errorf("%w: session %s/%s:%d: %v", ErrStorageCommitFailed, rb.ns, bareJID, deviceID, err)
	}
	return nil
}

func deviceIDSegment(deviceID uint32) string {
	return fmt.Sprintf("%d", deviceID)
}
