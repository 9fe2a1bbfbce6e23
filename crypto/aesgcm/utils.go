package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"hybrid-chat/crypto"
)

var (
	ErrKeyLengthInvalid   = errors.New("key length invalid")
	ErrNonceLengthInvalid = errors.New("nonce length invalid")
	ErrJWKInvalid         = errors.New("jwk invalid")
)

// NewKey returns a random 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, crypto.SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != crypto.SessionKeySize {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext; any tampering yields an error.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrNonceLengthInvalid
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// JWK is the JSON Web Key form of an AES-GCM key, the exported
// representation that gets wrapped for the peer.
type JWK struct {
	Alg    string   `json:"alg"`
	Ext    bool     `json:"ext"`
	K      string   `json:"k"`
	KeyOps []string `json:"key_ops"`
	Kty    string   `json:"kty"`
}

// ExportJWK serializes key as an "oct" JWK.
func ExportJWK(key []byte) ([]byte, error) {
	if len(key) != crypto.SessionKeySize {
		return nil, ErrKeyLengthInvalid
	}
	return json.Marshal(JWK{
		Alg:    "A256GCM",
		Ext:    true,
		K:      base64.RawURLEncoding.EncodeToString(key),
		KeyOps: []string{"encrypt", "decrypt"},
		Kty:    "oct",
	})
}

// ImportJWK parses an "oct" JWK and returns the raw key bytes.
func ImportJWK(b []byte) ([]byte, error) {
	var jwk JWK
	if err := json.Unmarshal(b, &jwk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKInvalid, err)
	}
	if jwk.Kty != "oct" {
		return nil, fmt.Errorf("%w: kty %q", ErrJWKInvalid, jwk.Kty)
	}
	key, err := base64.RawURLEncoding.DecodeString(jwk.K)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKInvalid, err)
	}
	if len(key) != crypto.SessionKeySize {
		return nil, ErrKeyLengthInvalid
	}
	return key, nil
}
