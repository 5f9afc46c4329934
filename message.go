package omemo

// DeviceKey is the encrypted material addressed to one recipient
// device inside an outgoing message.
type DeviceKey struct {
	BareJID    string
	DeviceID   uint32
	Header     []byte
	Ciphertext []byte
	PreKey     bool
}

// EncryptedMessage is the structured result of an encryption: one
// payload per backend namespace, each carrying the per-device keys of
// the recipients that namespace serves. The manager never transmits
// it; the application serializes it into stanzas.
type EncryptedMessage struct {
	SenderDeviceID uint32
	Payloads       map[string][]DeviceKey
}

// Devices returns the identifiers of every device the message
// addresses.
func (m *EncryptedMessage) Devices() []DeviceIdentifier {
	var out []DeviceIdentifier
	for _, keys := range m.Payloads {
		for _, k := range keys {
			out = append(out, DeviceIdentifier{BareJID: k.BareJID, DeviceID: k.DeviceID})
		}
	}
	return out
}

// IncomingMessage is the per-device slice of a received OMEMO message,
// as extracted by the application for this installation's device.
type IncomingMessage struct {
	Namespace      string
	SenderJID      string
	SenderDeviceID uint32
	Header         []byte
	Ciphertext     []byte
	PreKey         bool
}

// MessageInfo describes a successful decryption.
type MessageInfo struct {
	Namespace      string
	SenderJID      string
	SenderDeviceID uint32

	// SenderIdentityKey is the sender's identity key in canonical
	// Curve25519 form, suitable for fingerprinting and SetTrust.
	SenderIdentityKey []byte

	// FromUndecided marks a plaintext accepted from a sender whose
	// trust is still undecided (AllowFlaggedUndecided policy).
	FromUndecided bool
}
