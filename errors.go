package omemo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrClosed reports an operation on a closed manager.
	ErrClosed = errors.New("omemo: manager closed")

	// ErrUnknownNamespace reports a message or request naming a
	// namespace no registered backend implements.
	ErrUnknownNamespace = errors.New("omemo: unknown backend namespace")

	// ErrBundleNotFound is returned by Transport.DownloadBundle when
	// the device publishes no bundle under the namespace.
	ErrBundleNotFound = errors.New("omemo: bundle not found")

	// ErrDeviceListNotFound is returned by Transport.DownloadDeviceList
	// when the bare JID publishes no device list node; the manager
	// treats it as an empty list.
	ErrDeviceListNotFound = errors.New("omemo: device list not found")

	// ErrBundleDownloadFailed wraps a transport failure while fetching
	// a bundle; reported per device during encryption.
	ErrBundleDownloadFailed = errors.New("omemo: bundle download failed")

	// ErrNoEligibleBackend reports a device supporting no backend in
	// the priority list; reported per device during encryption.
	ErrNoEligibleBackend = errors.New("omemo: no eligible backend for device")

	// ErrDistrusted reports a sender whose identity key translates to
	// the distrusted level.
	ErrDistrusted = errors.New("omemo: identity key distrusted")

	// ErrUndecided reports a sender whose identity key is undecided
	// while the manager is configured to reject undecided senders.
	ErrUndecided = errors.New("omemo: identity key trust undecided")

	// ErrStorageCommitFailed reports an operation aborted because its
	// state changes could not be committed. No plaintext or ciphertext
	// whose state failed to commit is ever returned.
	ErrStorageCommitFailed = errors.New("omemo: storage commit failed")
)

// DeviceIdentifier names one remote device.
type DeviceIdentifier struct {
	BareJID  string
	DeviceID uint32
}

func (d DeviceIdentifier) String() string {
	return fmt.Sprintf("%s:%d", d.BareJID, d.DeviceID)
}

// UndecidedError aborts an encryption whose recipient set contains
// devices with undecided trust. The application resolves the listed
// devices in bulk and retries.
type UndecidedError struct {
	Devices []DeviceIdentifier
}

func (e *UndecidedError) Error() string {
	names := make([]string, len(e.Devices))
	for i, d := range e.Devices {
		names[i] = d.String()
	}
	sort.Strings(names)
	return "omemo: trust still undecided for " + strings.Join(names, ", ")
}

// DeviceFailure is a per-device failure bucketed during encryption.
// The surrounding operation succeeds for the remaining devices.
type DeviceFailure struct {
	BareJID   string
	DeviceID  uint32
	Namespace string // empty when no backend was chosen
	Err       error
}

func (f DeviceFailure) String() string {
	return fmt.Sprintf("%s:%d: %v", f.BareJID, f.DeviceID, f.Err)
}
