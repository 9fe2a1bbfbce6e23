package signing

import (
	"encoding/hex"
	"errors"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
)

type (
	// PrivateKey is a marshalled Ed25519 scalar
	PrivateKey []byte
	// PublicKey is a marshalled Ed25519 point
	PublicKey []byte
)

var (
	Suite = suites.MustFind("Ed25519")

	ErrEmptyKey = errors.New("empty signing key")
)

func NewKey() (PrivateKey, error) {
	privK := Suite.Scalar().Pick(Suite.RandomStream())
	return privK.MarshalBinary()
}

func (privB PrivateKey) Public() (PublicKey, error) {
	privK, err := privB.toScalar()
	if err != nil {
		return nil, err
	}
	return Suite.Point().Mul(privK, nil).MarshalBinary()
}

// Sign returns a schnorr signature over msg.
func (privB PrivateKey) Sign(msg []byte) ([]byte, error) {
	privK, err := privB.toScalar()
	if err != nil {
		return nil, err
	}
	return schnorr.Sign(Suite, privK, msg)
}

// Verify checks a signature produced by PrivateKey.Sign.
func (pubB PublicKey) Verify(msg, sig []byte) error {
	pubK, err := pubB.toPoint()
	if err != nil {
		return err
	}
	return schnorr.Verify(Suite, pubK, msg, sig)
}

func (pubB PublicKey) Hex() string { return hex.EncodeToString(pubB) }

// ParsePublicKeyHex decodes the directory form of a public key.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	pub := PublicKey(b)
	if _, err := pub.toPoint(); err != nil {
		return nil, err
	}
	return pub, nil
}

func (privB PrivateKey) toScalar() (kyber.Scalar, error) {
	if len(privB) == 0 {
		return nil, ErrEmptyKey
	}
	privK := Suite.Scalar()
	if err := privK.UnmarshalBinary(privB); err != nil {
		return nil, err
	}
	return privK, nil
}

func (pubB PublicKey) toPoint() (kyber.Point, error) {
	if len(pubB) == 0 {
		return nil, ErrEmptyKey
	}
	pubK := Suite.Point()
	if err := pubK.UnmarshalBinary(pubB); err != nil {
		return nil, err
	}
	return pubK, nil
}
