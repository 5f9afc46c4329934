package omemo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/meszmate/omemo-go/jid"
	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/trust"
)

// deviceRecord is the cached state of one remote (or own) device.
// Inactive devices are retained; sessions and keys are never deleted
// automatically.
type deviceRecord struct {
	Label string `json:"label,omitempty"`

	// IdentityKey in canonical Curve25519 form; nil until the first
	// bundle download or key exchange reveals it.
	IdentityKey []byte `json:"identity_key,omitempty"`

	// ActiveNS maps backend namespaces the device was ever announced
	// under to whether it currently appears in that list.
	ActiveNS map[string]bool `json:"active"`
}

func (r *deviceRecord) active() bool {
	for _, a := range r.ActiveNS {
		if a {
			return true
		}
	}
	return false
}

// deviceList caches all devices ever seen for one bare JID.
type deviceList map[uint32]*deviceRecord

func (m *Manager[T]) loadDeviceList(ctx context.Context, bareJID string) (deviceList, error) {
	list := deviceList{}
	err := m.devices.LoadJSON(ctx, &list, bareJID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return list, nil
}

func (m *Manager[T]) storeDeviceList(ctx context.Context, bareJID string, list deviceList) error {
	if err := m.devices.StoreJSON(ctx, list, bareJID); err != nil {
		return fmt.Errorf("%w: device list %s: %v", ErrStorageCommitFailed, bareJID, err)
	}
	return nil
}

// DeviceInformation is the merged view of one device across backends.
type DeviceInformation struct {
	BareJID  string
	DeviceID uint32
	Label    string

	// IdentityKey in canonical Curve25519 form; nil until first
	// contact.
	IdentityKey []byte

	// Namespaces the device has ever been announced under.
	Namespaces []string

	// Active reports, per namespace, whether the device currently
	// appears in that namespace's list.
	Active map[string]bool

	TrustLabel string
	TrustLevel trust.Level
}

// UpdateDeviceList applies a device list the application received for
// a bare JID under one namespace, e.g. from a PEP notification.
// Devices missing from the list are marked inactive under that
// namespace; for the own JID the own device id is re-appended and the
// list republished if the server dropped it.
func (m *Manager[T]) UpdateDeviceList(ctx context.Context, namespace, bareJID string, devices map[uint32]string) error {
	if m.isClosed() {
		return ErrClosed
	}
	if _, ok := m.byNS[namespace]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, namespace)
	}
	normalized, err := jid.NormalizeBare(bareJID)
	if err != nil {
		return err
	}
	unlock := m.lockJID(normalized)
	defer unlock()
	return m.processDeviceListUpdate(ctx, namespace, normalized, devices)
}

// processDeviceListUpdate merges an announced list into the cache.
// Caller holds the JID section.
func (m *Manager[T]) processDeviceListUpdate(ctx context.Context, namespace, bareJID string, announced map[uint32]string) error {
	list, err := m.loadDeviceList(ctx, bareJID)
	if err != nil {
		return err
	}

	for deviceID, label := range announced {
		rec, ok := list[deviceID]
		if !ok {
			rec = &deviceRecord{ActiveNS: map[string]bool{}}
			list[deviceID] = rec
		}
		rec.ActiveNS[namespace] = true
		if label != "" {
			rec.Label = label
		}
	}
	for deviceID, rec := range list {
		if _, ok := announced[deviceID]; !ok && rec.ActiveNS[namespace] {
			rec.ActiveNS[namespace] = false
			m.log.Debug().Str("jid", bareJID).Uint32("device", deviceID).
				Str("ns", namespace).Msg("device became inactive")
		}
	}

	// The own device must stay announced. If the server lost it,
	// append and republish.
	if bareJID == m.ownJID {
		rec, ok := list[m.ownDeviceID]
		if !ok {
			rec = &deviceRecord{ActiveNS: map[string]bool{}, Label: m.cfg.OwnDeviceLabel}
			rec.IdentityKey = m.identityKey.PublicMont()
			list[m.ownDeviceID] = rec
		}
		if rec.IdentityKey == nil {
			rec.IdentityKey = m.identityKey.PublicMont()
		}
		if !rec.ActiveNS[namespace] {
			rec.ActiveNS[namespace] = true
			upload := make(map[uint32]string, len(announced)+1)
			for deviceID, label := range announced {
				upload[deviceID] = label
			}
			upload[m.ownDeviceID] = m.cfg.OwnDeviceLabel
			if err := m.cfg.Transport.UploadDeviceList(ctx, namespace, bareJID, upload); err != nil {
				return fmt.Errorf("omemo: republishing own device list: %w", err)
			}
			m.log.Info().Str("ns", namespace).Msg("re-announced own device")
		}
	}

	return m.storeDeviceList(ctx, bareJID, list)
}

// RefreshDeviceLists re-fetches the device lists of a bare JID across
// all namespaces and merges them into the cache. Concurrent refreshes
// of the same JID are coalesced.
func (m *Manager[T]) RefreshDeviceLists(ctx context.Context, bareJID string) error {
	if m.isClosed() {
		return ErrClosed
	}
	normalized, err := jid.NormalizeBare(bareJID)
	if err != nil {
		return err
	}
	_, err, _ = m.refreshGroup.Do(normalized, func() (any, error) {
		unlock := m.lockJID(normalized)
		defer unlock()
		return nil, m.refreshDeviceListsLocked(ctx, normalized)
	})
	return err
}

// refreshDeviceListsLocked downloads and merges all lists. Caller
// holds the JID section. A missing list node counts as empty; a
// transport failure aborts and leaves the cache untouched.
func (m *Manager[T]) refreshDeviceListsLocked(ctx context.Context, bareJID string) error {
	lists := make([]map[uint32]string, len(m.backends))
	for i, rb := range m.backends {
		announced, err := m.cfg.Transport.DownloadDeviceList(ctx, rb.ns, bareJID)
		if errors.Is(err, ErrDeviceListNotFound) {
			announced = nil
		} else if err != nil {
			return fmt.Errorf("omemo: downloading device list %s/%s: %w", bareJID, rb.ns, err)
		}
		lists[i] = announced
	}
	for i, rb := range m.backends {
		if err := m.processDeviceListUpdate(ctx, rb.ns, bareJID, lists[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetDeviceInformation returns the merged device view for a bare JID,
// sorted by device id.
func (m *Manager[T]) GetDeviceInformation(ctx context.Context, bareJID string) ([]DeviceInformation, error) {
	normalized, err := jid.NormalizeBare(bareJID)
	if err != nil {
		return nil, err
	}
	unlock := m.lockJID(normalized)
	defer unlock()

	list, err := m.loadDeviceList(ctx, normalized)
	if err != nil {
		return nil, err
	}

	out := make([]DeviceInformation, 0, len(list))
	for deviceID, rec := range list {
		info := DeviceInformation{
			BareJID:     normalized,
			DeviceID:    deviceID,
			Label:       rec.Label,
			IdentityKey: rec.IdentityKey,
			Active:      make(map[string]bool, len(rec.ActiveNS)),
		}
		for ns, active := range rec.ActiveNS {
			info.Namespaces = append(info.Namespaces, ns)
			info.Active[ns] = active
		}
		sort.Strings(info.Namespaces)
		if rec.IdentityKey != nil {
			label, err := m.trust.Label(ctx, normalized, rec.IdentityKey)
			if err != nil {
				return nil, err
			}
			level, err := m.trust.Evaluate(ctx, normalized, rec.IdentityKey)
			if err != nil {
				return nil, err
			}
			info.TrustLabel = label
			info.TrustLevel = level
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// GetOwnDeviceInformation returns this device's view followed by the
// other devices of the own account.
func (m *Manager[T]) GetOwnDeviceInformation(ctx context.Context) (DeviceInformation, []DeviceInformation, error) {
	all, err := m.GetDeviceInformation(ctx, m.ownJID)
	if err != nil {
		return DeviceInformation{}, nil, err
	}
	var own DeviceInformation
	others := make([]DeviceInformation, 0, len(all))
	found := false
	for _, info := range all {
		if info.DeviceID == m.ownDeviceID {
			own = info
			found = true
			continue
		}
		others = append(others, info)
	}
	if !found {
		return DeviceInformation{}, nil, fmt.Errorf("omemo: own device %d not cached", m.ownDeviceID)
	}
	return own, others, nil
}

// learnIdentityKey records a device's identity key (canonical form) in
// its cached record. Caller holds the JID section.
func (m *Manager[T]) learnIdentityKey(ctx context.Context, bareJID string, deviceID uint32, key []byte) error {
	list, err := m.loadDeviceList(ctx, bareJID)
	if err != nil {
		return err
	}
	rec, ok := list[deviceID]
	if !ok {
		rec = &deviceRecord{ActiveNS: map[string]bool{}}
		list[deviceID] = rec
	}
	if rec.IdentityKey != nil && string(rec.IdentityKey) == string(key) {
		return nil
	}
	rec.IdentityKey = key
	return m.storeDeviceList(ctx, bareJID, list)
}
