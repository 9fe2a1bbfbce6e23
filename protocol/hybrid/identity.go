package hybrid

import (
	"crypto/rsa"
	"fmt"

	"hybrid-chat/common"
	"hybrid-chat/crypto/rsaoaep"
	"hybrid-chat/crypto/signing"
)

// Identity is the long-lived key material of one local user. The private
// halves never leave the owning endpoint.
type Identity struct {
	ID      common.IdentityID
	Private *rsa.PrivateKey
	Signing signing.PrivateKey
}

// NewIdentity generates the RSA pair and the envelope signing key for id.
func NewIdentity(id common.IdentityID) (*Identity, error) {
	_, priv, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	sk, err := signing.NewKey()
	if err != nil {
		return nil, &CryptoError{Op: "keygen", Err: err}
	}
	return &Identity{ID: id, Private: priv, Signing: sk}, nil
}

// PublicEntry is what gets published to the directory.
func (id *Identity) PublicEntry() (common.PublicKeyEntry, error) {
	pubPEM, err := rsaoaep.EncodePublicKeyPEM(&id.Private.PublicKey)
	if err != nil {
		return common.PublicKeyEntry{}, fmt.Errorf("encode public key: %w", err)
	}
	entry := common.PublicKeyEntry{UserID: id.ID, PublicKey: pubPEM}
	if len(id.Signing) > 0 {
		pub, err := id.Signing.Public()
		if err != nil {
			return common.PublicKeyEntry{}, fmt.Errorf("derive signing key: %w", err)
		}
		entry.SigningKey = pub.Hex()
	}
	return entry, nil
}
