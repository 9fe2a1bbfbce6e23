// Package keystore keeps the client-resident key material: the local
// identity and one session record per (owner, peer) pair.
//
// Stores are authoritative. Callers must never generate a new session key for a
// pair whose record already exists.
package keystore

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"hybrid-chat/common"
	"hybrid-chat/crypto/rsaoaep"
	"hybrid-chat/crypto/signing"
	"hybrid-chat/protocol/hybrid"
)

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// PairKey addresses the session record that owner holds for peer.
type PairKey struct {
	Owner common.IdentityID
	Peer  common.IdentityID
}

func (k PairKey) String() string { return fmt.Sprintf("%d:%d", k.Owner, k.Peer) }

// Origin records which side of the pair generated the session key.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// SessionRecord is one cached session key.
type SessionRecord struct {
	Key    []byte `json:"key"`
	Origin Origin `json:"origin"`
	// Delivered is set once a locally generated key was handed to the transport.
	Delivered bool `json:"delivered,omitempty"`
	// Confirmed is set once traffic from the peer decrypted with the key.
	Confirmed bool      `json:"confirmed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionKey decodes the stored key bytes.
func (r SessionRecord) SessionKey() (hybrid.SessionKey, error) {
	return hybrid.ImportSessionKey(r.Key)
}

// Store is the per-pair session key cache.
type Store interface {
	Get(k PairKey) (SessionRecord, bool, error)
	Put(k PairKey, rec SessionRecord) error
	// Peers lists the peers owner holds a session record for, in ascending order.
	Peers(owner common.IdentityID) ([]common.IdentityID, error)
}

func sortPeers(peers []common.IdentityID) []common.IdentityID {
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// IdentityRecord is the persisted form of a hybrid.Identity.
type IdentityRecord struct {
	UserID     common.IdentityID `json:"userId"`
	PrivateKey string            `json:"privateKey"`
	SigningKey []byte            `json:"signingKey,omitempty"`
}

// IdentityStore persists local identities.
type IdentityStore interface {
	SaveIdentity(rec IdentityRecord) error
	LoadIdentity(id common.IdentityID) (IdentityRecord, bool, error)
}

// EncodeIdentity converts id into its persisted form.
func EncodeIdentity(id *hybrid.Identity) (IdentityRecord, error) {
	pemStr, err := rsaoaep.EncodePrivateKeyPEM(id.Private)
	if err != nil {
		return IdentityRecord{}, fmt.Errorf("encode private key: %w", err)
	}
	return IdentityRecord{
		UserID:     id.ID,
		PrivateKey: pemStr,
		SigningKey: append([]byte(nil), id.Signing...),
	}, nil
}

// Identity decodes the persisted form.
func (r IdentityRecord) Identity() (*hybrid.Identity, error) {
	priv, err := rsaoaep.DecodePrivateKeyPEM(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return &hybrid.Identity{
		ID:      r.UserID,
		Private: priv,
		Signing: signing.PrivateKey(append([]byte(nil), r.SigningKey...)),
	}, nil
}
