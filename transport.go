package omemo

import (
	"context"

	"github.com/meszmate/omemo-go/backend"
)

// Transport is the set of application-supplied callbacks the manager
// uses to reach the server. Implementations typically map these onto
// PEP publishes and downloads.
//
// Callbacks may impose their own timeouts; a failure is reported as a
// per-device failure or aborts the surrounding refresh, it never
// poisons unrelated devices.
type Transport interface {
	// DownloadDeviceList fetches the device list the bare JID
	// publishes under the namespace, as device id to label. Returns
	// ErrDeviceListNotFound when the node does not exist.
	DownloadDeviceList(ctx context.Context, namespace, bareJID string) (map[uint32]string, error)

	// UploadDeviceList publishes the bare JID's device list under the
	// namespace.
	UploadDeviceList(ctx context.Context, namespace, bareJID string, devices map[uint32]string) error

	// DownloadBundle fetches one device's bundle. Returns
	// ErrBundleNotFound when the device publishes none.
	DownloadBundle(ctx context.Context, namespace, bareJID string, deviceID uint32) (*backend.Bundle, error)

	// UploadBundle publishes this installation's bundle for the
	// bundle's namespace.
	UploadBundle(ctx context.Context, bundle *backend.Bundle) error

	// SendEmptyMessage delivers a ratchet-maintenance message carrying
	// no payload to a single device.
	SendEmptyMessage(ctx context.Context, namespace, bareJID string, deviceID uint32, msg *EmptyMessage) error
}

// EmptyMessage is the encrypted content of a ratchet-maintenance
// message: a per-device key element without a payload.
type EmptyMessage struct {
	SenderDeviceID uint32
	Header         []byte
	Ciphertext     []byte
	PreKey         bool
}
