package omemo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/identity"
	"github.com/meszmate/omemo-go/jid"
	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/trust"
)

// stalenessThreshold is the peer sending-chain length at or past which
// a session is considered stale and answered with one empty message.
const stalenessThreshold = 53

const bundleCacheSize = 64

type registeredBackend[T any] struct {
	backend backend.Backend
	codec   backend.Codec[T]
	ns      string
}

type bundleCacheKey struct {
	ns       string
	bareJID  string
	deviceID uint32
}

type responseKey struct {
	ns       string
	bareJID  string
	deviceID uint32
}

// Manager is the single owner of all process-wide OMEMO state. Create
// one per account with NewManager; multiple instances must not share a
// storage key space.
type Manager[T any] struct {
	cfg Config[T]
	log zerolog.Logger
	now func() time.Time

	ownJID      string
	ownDeviceID uint32

	identityKey   *identity.KeyPair
	identityReset bool

	backends []*registeredBackend[T]
	byNS     map[string]*registeredBackend[T]

	trust *trust.Engine

	// typed storage views
	meta     storage.Bucket // device id, rotation bookkeeping, modified flags
	devices  storage.Bucket // device lists per bare JID
	sessions storage.Bucket // session blobs per (ns, bare JID, device)
	states   storage.Bucket // backend state blobs per ns

	rotationPeriod time.Duration

	mu         sync.Mutex
	jidLocks   map[string]*sync.Mutex
	catchUp    bool
	pending    map[responseKey]struct{} // deferred empty-message responses
	publishing map[string]bool          // namespaces with a retry loop running
	closed     bool

	bundleCache  *lru.Cache[bundleCacheKey, *backend.Bundle]
	refreshGroup singleflight.Group

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager loads or creates all per-installation state: the identity
// key, the own device id, the rotation period, and every backend. It
// then reconciles the own device lists and publishes any bundle marked
// modified. The manager starts in catch-up mode; call EndCatchUp once
// historical messages have been replayed.
func NewManager[T any](ctx context.Context, cfg Config[T]) (*Manager[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ownJID, err := jid.NormalizeBare(cfg.OwnBareJID)
	if err != nil {
		return nil, fmt.Errorf("omemo: own JID: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	cache, err := lru.New[bundleCacheKey, *backend.Bundle](bundleCacheSize)
	if err != nil {
		return nil, err
	}

	bg, cancel := context.WithCancel(context.Background())
	m := &Manager[T]{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "omemo").Logger(),
		now:         cfg.Clock,
		ownJID:      ownJID,
		byNS:        make(map[string]*registeredBackend[T]),
		meta:        storage.NewBucket(cfg.Storage, "meta"),
		devices:     storage.NewBucket(cfg.Storage, "devices"),
		sessions:    storage.NewBucket(cfg.Storage, "sessions"),
		states:      storage.NewBucket(cfg.Storage, "backends"),
		jidLocks:    make(map[string]*sync.Mutex),
		catchUp:     true,
		pending:     make(map[responseKey]struct{}),
		publishing:  make(map[string]bool),
		bundleCache: cache,
		bg:          bg,
		cancel:      cancel,
	}
	for _, rb := range cfg.Backends {
		reg := &registeredBackend[T]{backend: rb.Backend, codec: rb.Codec, ns: rb.Backend.Namespace()}
		m.backends = append(m.backends, reg)
		m.byNS[reg.ns] = reg
	}

	if err := m.loadIdentity(ctx); err != nil {
		cancel()
		return nil, err
	}
	m.trust = trust.NewEngine(storage.NewBucket(cfg.Storage, "trust"), cfg.DefaultTrustLabel, cfg.TrustEvaluator)

	if err := m.loadRotationPeriod(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := m.loadOwnDeviceID(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := m.loadBackends(ctx); err != nil {
		cancel()
		return nil, err
	}

	// Announce this device and publish fresh bundles. Runs under the
	// own-JID section like any other device list mutation.
	unlock := m.lockJID(m.ownJID)
	err = m.refreshDeviceListsLocked(ctx, m.ownJID)
	unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := m.publishModifiedBundles(ctx); err != nil {
		m.log.Warn().Err(err).Msg("initial bundle publish failed, retrying in background")
	}

	return m, nil
}

// Close stops background publish retries. It does not touch storage.
func (m *Manager[T]) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// lockJID serializes critical sections per bare JID. The returned
// function releases the section.
func (m *Manager[T]) lockJID(bareJID string) func() {
	m.mu.Lock()
	l, ok := m.jidLocks[bareJID]
	if !ok {
		l = &sync.Mutex{}
		m.jidLocks[bareJID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// loadIdentity loads or creates the identity key and resolves format
// incompatibilities: a historical Curve25519-only key cannot serve an
// Ed25519 backend, so the key is regenerated and the own account's
// trust entries are discarded. IdentityReset reports that this
// happened.
func (m *Manager[T]) loadIdentity(ctx context.Context) error {
	bucket := storage.NewBucket(m.cfg.Storage, "identity")
	kp, created, err := identity.Load(ctx, bucket)
	if err != nil {
		return fmt.Errorf("omemo: loading identity key: %w", err)
	}

	if !created && !kp.IsEd() {
		needsEd := false
		for _, rb := range m.backends {
			if rb.backend.IdentityKeyFormat() == backend.FormatEd {
				needsEd = true
				break
			}
		}
		if needsEd {
			m.log.Warn().Msg("legacy curve25519-only identity key cannot serve an ed25519 backend; regenerating")
			kp, err = identity.Generate(ctx, bucket)
			if err != nil {
				return fmt.Errorf("omemo: regenerating identity key: %w", err)
			}
			// The old key's trust decisions no longer apply to us.
			if err := trust.NewEngine(storage.NewBucket(m.cfg.Storage, "trust"), m.cfg.DefaultTrustLabel, m.cfg.TrustEvaluator).PurgeJID(ctx, m.ownJID); err != nil {
				return err
			}
			m.identityReset = true
		}
	}

	m.identityKey = kp
	return nil
}

// IdentityReset reports whether loading regenerated the identity key
// because a historical Curve25519-only key met an Ed25519 backend.
// Trust decisions previously attached to the own account were
// discarded; the application should surface this to the user.
func (m *Manager[T]) IdentityReset() bool { return m.identityReset }

func (m *Manager[T]) loadRotationPeriod(ctx context.Context) error {
	var seconds int64
	err := m.meta.LoadJSON(ctx, &seconds, "spk_rotation_period")
	if err == nil {
		m.rotationPeriod = time.Duration(seconds) * time.Second
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	period := m.cfg.SignedPreKeyRotationPeriod
	if period == 0 {
		period = randomRotationPeriod()
	}
	m.rotationPeriod = period
	return m.meta.StoreJSON(ctx, int64(period/time.Second), "spk_rotation_period")
}

// randomRotationPeriod samples uniformly from [7d, 30d].
func randomRotationPeriod() time.Duration {
	span := int64((maxRotationPeriod - minRotationPeriod) / time.Second)
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return minRotationPeriod
	}
	offset := int64(binary.BigEndian.Uint64(buf[:]) % uint64(span+1))
	return minRotationPeriod + time.Duration(offset)*time.Second
}

// loadOwnDeviceID loads the device id, or draws a fresh 31-bit id
// avoiding every id cached for the own JID.
func (m *Manager[T]) loadOwnDeviceID(ctx context.Context) error {
	var id uint32
	err := m.meta.LoadJSON(ctx, &id, "own_device_id")
	if err == nil {
		m.ownDeviceID = id
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	list, err := m.loadDeviceList(ctx, m.ownJID)
	if err != nil {
		return err
	}
	taken := make(map[uint32]bool, len(list))
	for deviceID := range list {
		taken[deviceID] = true
	}

	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return fmt.Errorf("omemo: drawing device id: %w", err)
		}
		id = binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF
		if id != 0 && !taken[id] {
			break
		}
	}
	m.ownDeviceID = id
	return m.meta.StoreJSON(ctx, id, "own_device_id")
}

// loadBackends initializes every backend from the identity key and its
// persisted state. Fresh backends persist their initial state and mark
// their bundle for publication.
func (m *Manager[T]) loadBackends(ctx context.Context) error {
	perSession, perMessage := m.cfg.skippedKeyCaps()
	for _, rb := range m.backends {
		secret, err := m.identityKey.SecretFor(rb.backend.IdentityKeyFormat())
		if err != nil {
			return fmt.Errorf("omemo: backend %s: %w", rb.ns, err)
		}

		state, err := m.states.LoadBytes(ctx, rb.ns)
		fresh := errors.Is(err, storage.ErrNotFound)
		if err != nil && !fresh {
			return fmt.Errorf("omemo: loading backend state %s: %w", rb.ns, err)
		}
		if fresh {
			state = nil
		}
		// A regenerated identity key invalidates all previous backend
		// key material: signed pre keys were signed by the old key.
		if m.identityReset {
			state = nil
			fresh = true
		}

		if err := rb.backend.Load(ctx, backend.LoadParams{
			IdentitySecret:           secret,
			State:                    state,
			MaxSkippedKeysPerSession: perSession,
			MaxSkippedKeysPerMessage: perMessage,
		}); err != nil {
			return fmt.Errorf("omemo: loading backend %s: %w", rb.ns, err)
		}

		if fresh {
			if err := m.persistBackendState(ctx, rb); err != nil {
				return err
			}
			if err := m.markBundleModified(ctx, rb.ns); err != nil {
				return err
			}
			if err := m.meta.StoreJSON(ctx, m.now().Unix(), "spk_last_rotation", rb.ns); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager[T]) persistBackendState(ctx context.Context, rb *registeredBackend[T]) error {
	state, err := rb.backend.MarshalState()
	if err != nil {
		return fmt.Errorf("omemo: marshaling backend state %s: %w", rb.ns, err)
	}
	if err := m.states.StoreBytes(ctx, state, rb.ns); err != nil {
		return fmt.Errorf("%w: backend state %s: %v", ErrStorageCommitFailed, rb.ns, err)
	}
	return nil
}

// OwnDeviceID returns this installation's device id.
func (m *Manager[T]) OwnDeviceID() uint32 { return m.ownDeviceID }

// OwnBareJID returns the normalized own bare JID.
func (m *Manager[T]) OwnBareJID() string { return m.ownJID }

// Fingerprint returns the fingerprint of the own identity key.
func (m *Manager[T]) Fingerprint() string { return m.identityKey.Fingerprint() }

// SetTrust overwrites the trust label stored for the pair of bare JID
// and identity key (in canonical Curve25519 form).
func (m *Manager[T]) SetTrust(ctx context.Context, bareJID string, identityKey []byte, label string) error {
	normalized, err := jid.NormalizeBare(bareJID)
	if err != nil {
		return err
	}
	return m.trust.Set(ctx, normalized, identityKey, label)
}

// PurgeBareJID removes all device records, sessions, and trust entries
// of a bare JID across every backend. The identity key is untouched.
func (m *Manager[T]) PurgeBareJID(ctx context.Context, bareJID string) error {
	normalized, err := jid.NormalizeBare(bareJID)
	if err != nil {
		return err
	}
	unlock := m.lockJID(normalized)
	defer unlock()

	if err := m.devices.Delete(ctx, normalized); err != nil {
		return fmt.Errorf("%w: device list: %v", ErrStorageCommitFailed, err)
	}
	for _, rb := range m.backends {
		if err := m.sessions.DeletePrefix(ctx, rb.ns, normalized); err != nil {
			return fmt.Errorf("%w: sessions %s: %v", ErrStorageCommitFailed, rb.ns, err)
		}
	}
	for _, key := range m.bundleCache.Keys() {
		if key.bareJID == normalized {
			m.bundleCache.Remove(key)
		}
	}
	if err := m.trust.PurgeJID(ctx, normalized); err != nil {
		return err
	}

	m.mu.Lock()
	for key := range m.pending {
		if key.bareJID == normalized {
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()

	m.log.Info().Str("jid", normalized).Msg("purged account data")
	return nil
}
