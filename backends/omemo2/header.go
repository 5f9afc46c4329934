package omemo2

import (
	"encoding/binary"
	"fmt"
)

// keyExchange is the X3DH prologue a pre-key message carries until the
// session is confirmed by a reply.
type keyExchange struct {
	SignedPreKeyID uint32
	PreKeyID       uint32
	HasPreKey      bool
	Ephemeral      []byte // 32 bytes, X25519
	IdentityKey    []byte // 32 bytes, sender's Ed25519 identity key
}

// header is the full wire header of one message: an optional key
// exchange prologue followed by the ratchet header.
type header struct {
	KeyExchange *keyExchange

	DHPub []byte // 32 bytes, X25519 public ratchet key
	N     uint32 // message number in the sending chain
	PN    uint32 // previous chain length
}

const (
	flagKeyExchange = 0x01

	ratchetPartSize = 32 + 4 + 4
)

func (h *header) marshal() ([]byte, error) {
	if len(h.DHPub) != 32 {
		return nil, ErrInvalidKeyLength
	}

	buf := make([]byte, 0, 1+kxSize(h.KeyExchange)+ratchetPartSize)
	var flags byte
	if h.KeyExchange != nil {
		flags |= flagKeyExchange
	}
	buf = append(buf, flags)

	if kx := h.KeyExchange; kx != nil {
		if len(kx.Ephemeral) != 32 || len(kx.IdentityKey) != 32 {
			return nil, ErrInvalidKeyLength
		}
		buf = binary.BigEndian.AppendUint32(buf, kx.SignedPreKeyID)
		if kx.HasPreKey {
			buf = append(buf, 1)
			buf = binary.BigEndian.AppendUint32(buf, kx.PreKeyID)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, kx.Ephemeral...)
		buf = append(buf, kx.IdentityKey...)
	}

	buf = append(buf, h.DHPub...)
	buf = binary.BigEndian.AppendUint32(buf, h.N)
	buf = binary.BigEndian.AppendUint32(buf, h.PN)
	return buf, nil
}

func kxSize(kx *keyExchange) int {
	if kx == nil {
		return 0
	}
	size := 4 + 1 + 32 + 32
	if kx.HasPreKey {
		size += 4
	}
	return size
}

func parseHeader(data []byte) (*header, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidMessage)
	}
	flags := data[0]
	pos := 1

	h := &header{}

	if flags&flagKeyExchange != 0 {
		kx := &keyExchange{}
		if len(data) < pos+5 {
			return nil, fmt.Errorf("%w: truncated key exchange", ErrInvalidMessage)
		}
		kx.SignedPreKeyID = binary.BigEndian.Uint32(data[pos:])
		pos += 4
		kx.HasPreKey = data[pos] == 1
		pos++
		if kx.HasPreKey {
			if len(data) < pos+4 {
				return nil, fmt.Errorf("%w: truncated pre key id", ErrInvalidMessage)
			}
			kx.PreKeyID = binary.BigEndian.Uint32(data[pos:])
			pos += 4
		}
		if len(data) < pos+64 {
			return nil, fmt.Errorf("%w: truncated key exchange keys", ErrInvalidMessage)
		}
		kx.Ephemeral = append([]byte(nil), data[pos:pos+32]...)
		pos += 32
		kx.IdentityKey = append([]byte(nil), data[pos:pos+32]...)
		pos += 32
		h.KeyExchange = kx
	}

	if len(data) != pos+ratchetPartSize {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidMessage, len(data))
	}
	h.DHPub = append([]byte(nil), data[pos:pos+32]...)
	pos += 32
	h.N = binary.BigEndian.Uint32(data[pos:])
	h.PN = binary.BigEndian.Uint32(data[pos+4:])
	return h, nil
}
