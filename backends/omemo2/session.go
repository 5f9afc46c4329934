package omemo2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// session is the backend-private session state: the Double Ratchet
// plus the key exchange prologue repeated on every message until the
// peer's first reply confirms the session.
type session struct {
	ratchet        *ratchetState
	remoteIdentity []byte // Ed25519, 32 bytes
	pending        *keyExchange
}

func (s *session) SendingChainLength() uint32   { return s.ratchet.Ns }
func (s *session) ReceivingChainLength() uint32 { return s.ratchet.Nr }
func (s *session) RemoteIdentityKey() []byte    { return s.remoteIdentity }

func (s *session) marshal() ([]byte, error) {
	if len(s.remoteIdentity) != 32 {
		return nil, ErrInvalidKeyLength
	}

	var buf bytes.Buffer
	buf.Write(s.remoteIdentity)

	if kx := s.pending; kx != nil {
		buf.WriteByte(1)
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, kx.SignedPreKeyID)
		buf.Write(b)
		if kx.HasPreKey {
			buf.WriteByte(1)
			binary.BigEndian.PutUint32(b, kx.PreKeyID)
			buf.Write(b)
		} else {
			buf.WriteByte(0)
		}
		buf.Write(kx.Ephemeral)
		buf.Write(kx.IdentityKey)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(s.ratchet.marshal())
	return buf.Bytes(), nil
}

func unmarshalSession(data []byte, maxSession, maxMessage int) (*session, error) {
	if len(data) < 33 {
		return nil, fmt.Errorf("%w: session too short", ErrInvalidMessage)
	}

	s := &session{remoteIdentity: append([]byte(nil), data[:32]...)}
	pos := 32

	if data[pos] == 1 {
		pos++
		kx := &keyExchange{}
		if len(data) < pos+5 {
			return nil, fmt.Errorf("%w: truncated pending exchange", ErrInvalidMessage)
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
			return nil, fmt.Errorf("%w: truncated exchange keys", ErrInvalidMessage)
		}
		kx.Ephemeral = append([]byte(nil), data[pos:pos+32]...)
		pos += 32
		kx.IdentityKey = append([]byte(nil), data[pos:pos+32]...)
		pos += 32
		s.pending = kx
	} else {
		pos++
	}

	ratchet, err := unmarshalRatchet(data[pos:], maxSession, maxMessage)
	if err != nil {
		return nil, err
	}
	s.ratchet = ratchet
	return s, nil
}
