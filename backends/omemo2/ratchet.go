package omemo2

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// skippedKey identifies a skipped message key by ratchet public key and
// message number.
type skippedKey struct {
	dhPub [32]byte
	n     uint32
}

// ratchetState holds the state of one Double Ratchet session.
type ratchetState struct {
	DHs *ecdh.PrivateKey // our current ratchet key pair
	DHr []byte           // their current ratchet public key (32 bytes)

	RK  []byte // root key (32 bytes)
	CKs []byte // sending chain key (32 bytes)
	CKr []byte // receiving chain key (32 bytes)

	Ns uint32 // sending message number
	Nr uint32 // receiving message number
	PN uint32 // previous sending chain length

	MKSkipped map[skippedKey][]byte

	// caps forwarded from the manager config
	maxSkippedSession int
	maxSkippedMessage int
}

func generateX25519() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

func x25519DH(priv *ecdh.PrivateKey, pubBytes []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(pubBytes)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// initRatchetActive initializes the ratchet on the initiating side.
// The initiator generates a ratchet pair and derives the first sending
// chain from a DH with the responder's signed pre key.
func initRatchetActive(sharedSecret, remoteSPK []byte, maxSession, maxMessage int) (*ratchetState, error) {
	dhs, err := generateX25519()
	if err != nil {
		return nil, err
	}

	dhOut, err := x25519DH(dhs, remoteSPK)
	if err != nil {
		return nil, err
	}

	rk, cks, err := rootKDF(sharedSecret, dhOut)
	if err != nil {
		return nil, err
	}

	return &ratchetState{
		DHs:               dhs,
		DHr:               remoteSPK,
		RK:                rk,
		CKs:               cks,
		MKSkipped:         make(map[skippedKey][]byte),
		maxSkippedSession: maxSession,
		maxSkippedMessage: maxMessage,
	}, nil
}

// initRatchetPassive initializes the ratchet on the responding side.
// The responder's signed pre key doubles as the initial ratchet key;
// the first incoming message completes the DH ratchet.
func initRatchetPassive(sharedSecret []byte, localSPK *ecdh.PrivateKey, maxSession, maxMessage int) *ratchetState {
	return &ratchetState{
		DHs:               localSPK,
		RK:                sharedSecret,
		MKSkipped:         make(map[skippedKey][]byte),
		maxSkippedSession: maxSession,
		maxSkippedMessage: maxMessage,
	}
}

// encrypt advances the sending chain one step and encrypts plaintext.
func (s *ratchetState) encrypt(plaintext []byte) (dhPub []byte, n, pn uint32, ciphertext []byte, err error) {
	if s.CKs == nil {
		return nil, 0, 0, nil, fmt.Errorf("%w: sending chain not established", ErrInvalidMessage)
	}
	mk, nextCK := chainKDF(s.CKs)

	out, err := aesGCMEncrypt(mk, plaintext)
	if err != nil {
		return nil, 0, 0, nil, err
	}

	n, pn = s.Ns, s.PN
	dhPub = s.DHs.PublicKey().Bytes()
	s.CKs = nextCK
	s.Ns++
	return dhPub, n, pn, out, nil
}

// decrypt processes one incoming ratchet message.
func (s *ratchetState) decrypt(h *header, ciphertext []byte) ([]byte, error) {
	if plaintext, err := s.trySkippedKeys(h, ciphertext); err == nil {
		return plaintext, nil
	}

	if s.DHr == nil || !bytes.Equal(h.DHPub, s.DHr) {
		if err := s.skipMessageKeys(h.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchetStep(h.DHPub); err != nil {
			return nil, err
		}
	}

	if err := s.skipMessageKeys(h.N); err != nil {
		return nil, err
	}

	mk, nextCK := chainKDF(s.CKr)
	plaintext, err := aesGCMDecrypt(mk, ciphertext)
	if err != nil {
		return nil, err
	}
	s.CKr = nextCK
	s.Nr++
	return plaintext, nil
}

func (s *ratchetState) trySkippedKeys(h *header, ciphertext []byte) ([]byte, error) {
	var k skippedKey
	copy(k.dhPub[:], h.DHPub)
	k.n = h.N

	mk, ok := s.MKSkipped[k]
	if !ok {
		return nil, ErrInvalidMessage
	}

	plaintext, err := aesGCMDecrypt(mk, ciphertext)
	if err != nil {
		return nil, err
	}
	delete(s.MKSkipped, k)
	return plaintext, nil
}

func (s *ratchetState) skipMessageKeys(until uint32) error {
	if s.CKr == nil {
		return nil
	}
	if until > s.Nr && int(until-s.Nr) > s.maxSkippedMessage {
		return ErrSkippedKeyLimit
	}
	for s.Nr < until {
		mk, nextCK := chainKDF(s.CKr)
		s.CKr = nextCK

		var k skippedKey
		copy(k.dhPub[:], s.DHr)
		k.n = s.Nr
		s.MKSkipped[k] = mk
		s.Nr++

		if len(s.MKSkipped) > s.maxSkippedSession {
			return ErrSkippedKeyLimit
		}
	}
	return nil
}

func (s *ratchetState) dhRatchetStep(newDHr []byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = append([]byte(nil), newDHr...)

	dhOut, err := x25519DH(s.DHs, s.DHr)
	if err != nil {
		return err
	}
	rk, ckr, err := rootKDF(s.RK, dhOut)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKr = ckr

	s.DHs, err = generateX25519()
	if err != nil {
		return err
	}
	dhOut, err = x25519DH(s.DHs, s.DHr)
	if err != nil {
		return err
	}
	rk, cks, err := rootKDF(s.RK, dhOut)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKs = cks
	return nil
}

// marshal serializes the ratchet state.
func (s *ratchetState) marshal() []byte {
	var buf bytes.Buffer

	buf.Write(s.DHs.Bytes())
	writeOptionalKey(&buf, s.DHr)
	buf.Write(s.RK)
	writeOptionalKey(&buf, s.CKs)
	writeOptionalKey(&buf, s.CKr)

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, s.Ns)
	buf.Write(b)
	binary.BigEndian.PutUint32(b, s.Nr)
	buf.Write(b)
	binary.BigEndian.PutUint32(b, s.PN)
	buf.Write(b)

	binary.BigEndian.PutUint32(b, uint32(len(s.MKSkipped)))
	buf.Write(b)
	for k, v := range s.MKSkipped {
		buf.Write(k.dhPub[:])
		binary.BigEndian.PutUint32(b, k.n)
		buf.Write(b)
		buf.Write(v)
	}

	return buf.Bytes()
}

func unmarshalRatchet(data []byte, maxSession, maxMessage int) (*ratchetState, error) {
	r := bytes.NewReader(data)
	s := &ratchetState{
		maxSkippedSession: maxSession,
		maxSkippedMessage: maxMessage,
	}

	dhsBytes := make([]byte, 32)
	if _, err := readFull(r, dhsBytes); err != nil {
		return nil, fmt.Errorf("%w: reading ratchet key: %v", ErrInvalidMessage, err)
	}
	var err error
	s.DHs, err = ecdh.X25519().NewPrivateKey(dhsBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing ratchet key: %v", ErrInvalidMessage, err)
	}

	if s.DHr, err = readOptionalKey(r); err != nil {
		return nil, fmt.Errorf("%w: reading remote ratchet key: %v", ErrInvalidMessage, err)
	}

	s.RK = make([]byte, 32)
	if _, err := readFull(r, s.RK); err != nil {
		return nil, fmt.Errorf("%w: reading root key: %v", ErrInvalidMessage, err)
	}

	if s.CKs, err = readOptionalKey(r); err != nil {
		return nil, fmt.Errorf("%w: reading sending chain: %v", ErrInvalidMessage, err)
	}
	if s.CKr, err = readOptionalKey(r); err != nil {
		return nil, fmt.Errorf("%w: reading receiving chain: %v", ErrInvalidMessage, err)
	}

	b := make([]byte, 4)
	for _, dst := range []*uint32{&s.Ns, &s.Nr, &s.PN} {
		if _, err := readFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: reading counters: %v", ErrInvalidMessage, err)
		}
		*dst = binary.BigEndian.Uint32(b)
	}

	if _, err := readFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: reading skipped count: %v", ErrInvalidMessage, err)
	}
	count := binary.BigEndian.Uint32(b)
	s.MKSkipped = make(map[skippedKey][]byte, count)
	for range count {
		var k skippedKey
		if _, err := readFull(r, k.dhPub[:]); err != nil {
			return nil, fmt.Errorf("%w: reading skipped key id: %v", ErrInvalidMessage, err)
		}
		if _, err := readFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: reading skipped key number: %v", ErrInvalidMessage, err)
		}
		k.n = binary.BigEndian.Uint32(b)
		mk := make([]byte, 32)
		if _, err := readFull(r, mk); err != nil {
			return nil, fmt.Errorf("%w: reading skipped key: %v", ErrInvalidMessage, err)
		}
		s.MKSkipped[k] = mk
	}

	return s, nil
}

// readFull fails on short reads; bytes.Reader returns partial reads
// without an error near the end of the buffer.
func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err == nil && n != len(dst) {
		return n, ErrInvalidMessage
	}
	return n, err
}

func writeOptionalKey(buf *bytes.Buffer, key []byte) {
	if key != nil {
		buf.WriteByte(1)
		buf.Write(key)
	} else {
		buf.WriteByte(0)
	}
}

func readOptionalKey(r *bytes.Reader) ([]byte, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := readFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
