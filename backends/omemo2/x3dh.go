package omemo2

import (
	"crypto/ecdh"
	"fmt"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/identity"
)

var (
	x3dhSalt = make([]byte, 32) // 32 zero bytes
	x3dhPad  = func() []byte {
		pad := make([]byte, 32)
		for i := range pad {
			pad[i] = 0xFF
		}
		return pad
	}()
)

// x3dhResult holds the outcome of an initiator-side key agreement.
type x3dhResult struct {
	sharedSecret []byte
	ephemeral    []byte // our X25519 ephemeral public key
	usedPreKey   *uint32
}

// x3dhInitiate performs the key agreement against a remote bundle.
// The caller has already verified the signed pre key signature.
func x3dhInitiate(localIdentityDH *ecdh.PrivateKey, remote *backend.Bundle) (*x3dhResult, error) {
	ephemeral, err := generateX25519()
	if err != nil {
		return nil, err
	}

	remoteIdentityMont, err := identity.MontgomeryFromEd(remote.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBundleCorrupted, err)
	}

	// DH1 = DH(IK_A, SPK_B), DH2 = DH(EK_A, IK_B), DH3 = DH(EK_A, SPK_B)
	dh1, err := x25519DH(localIdentityDH, remote.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519DH(ephemeral, remoteIdentityMont)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519DH(ephemeral, remote.SignedPreKey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32*5)
	ikm = append(ikm, x3dhPad...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	var usedPreKey *uint32
	if len(remote.PreKeys) > 0 {
		opk := remote.PreKeys[0]
		dh4, err := x25519DH(ephemeral, opk.PublicKey)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
		id := opk.ID
		usedPreKey = &id
	}

	sk, err := hkdfSHA256(x3dhSalt, ikm, []byte("OMEMO X3DH"), 32)
	if err != nil {
		return nil, err
	}

	return &x3dhResult{
		sharedSecret: sk,
		ephemeral:    ephemeral.PublicKey().Bytes(),
		usedPreKey:   usedPreKey,
	}, nil
}

// x3dhRespond performs the key agreement from the responder side,
// using the signed pre key and one-time pre key named in the incoming
// key exchange.
func x3dhRespond(localIdentityDH, localSPK, localOPK *ecdh.PrivateKey, remoteIdentityEd, ephemeralPub []byte) ([]byte, error) {
	remoteIdentityMont, err := identity.MontgomeryFromEd(remoteIdentityEd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	dh1, err := x25519DH(localSPK, remoteIdentityMont)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519DH(localIdentityDH, ephemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519DH(localSPK, ephemeralPub)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32*5)
	ikm = append(ikm, x3dhPad...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	if localOPK != nil {
		dh4, err := x25519DH(localOPK, ephemeralPub)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}

	return hkdfSHA256(x3dhSalt, ikm, []byte("OMEMO X3DH"), 32)
}
