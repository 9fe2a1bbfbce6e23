// Package hybrid is the RSA-OAEP + AES-GCM protocol used between two
// endpoints: an RSA identity key pair wraps a per-pair AES-256 session key, and
// the session key encrypts message payloads. Everything here is a pure
// transformation; nothing touches the network or disk.
package hybrid

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"

	"hybrid-chat/crypto"
	"hybrid-chat/crypto/aesgcm"
	"hybrid-chat/crypto/rsaoaep"
)

// CryptoError reports a failed wrap, unwrap, encrypt or decrypt. It is always
// recoverable by the caller.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return "crypto: " + e.Op + ": " + e.Err.Error() }

func (e *CryptoError) Unwrap() error { return e.Err }

// IsCryptoError reports whether err is or wraps a *CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

var (
	errAuthFailed = errors.New("message authentication failed")
	errNilKey     = errors.New("nil key")
)

// SessionKey is a 256-bit AES-GCM key shared by exactly two identities.
type SessionKey [crypto.SessionKeySize]byte

// Equal compares keys in constant time.
func (k SessionKey) Equal(o SessionKey) bool {
	return subtle.ConstantTimeCompare(k[:], o[:]) == 1
}

// Export returns the JWK form that gets wrapped for the peer.
func (k SessionKey) Export() ([]byte, error) {
	return aesgcm.ExportJWK(k[:])
}

// ImportSessionKey accepts either the JWK form or 32 raw bytes.
func ImportSessionKey(b []byte) (SessionKey, error) {
	var k SessionKey
	if len(b) == len(k) {
		copy(k[:], b)
		return k, nil
	}
	raw, err := aesgcm.ImportJWK(b)
	if err != nil {
		return k, &CryptoError{Op: "import", Err: err}
	}
	copy(k[:], raw)
	return k, nil
}

// GenerateIdentityKeyPair returns a fresh 2048-bit RSA key pair.
func GenerateIdentityKeyPair() (*rsa.PublicKey, *rsa.PrivateKey, error) {
	priv, err := rsaoaep.NewKeyPair()
	if err != nil {
		return nil, nil, &CryptoError{Op: "keygen", Err: err}
	}
	return &priv.PublicKey, priv, nil
}

// GenerateSessionKey returns a fresh random session key.
func GenerateSessionKey() (SessionKey, error) {
	var k SessionKey
	raw, err := aesgcm.NewKey()
	if err != nil {
		return k, &CryptoError{Op: "keygen", Err: err}
	}
	copy(k[:], raw)
	return k, nil
}

// WrapSessionKey encrypts the exported key under the recipient's public key.
func WrapSessionKey(k SessionKey, recipient *rsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, &CryptoError{Op: "wrap", Err: errNilKey}
	}
	exported, err := k.Export()
	if err != nil {
		return nil, &CryptoError{Op: "wrap", Err: err}
	}
	wrapped, err := rsaoaep.Encrypt(recipient, exported)
	if err != nil {
		return nil, &CryptoError{Op: "wrap", Err: err}
	}
	return wrapped, nil
}

// UnwrapSessionKey reverses WrapSessionKey with the recipient's private key.
func UnwrapSessionKey(wrapped []byte, own *rsa.PrivateKey) (SessionKey, error) {
	var k SessionKey
	if own == nil {
		return k, &CryptoError{Op: "unwrap", Err: errNilKey}
	}
	exported, err := rsaoaep.Decrypt(own, wrapped)
	if err != nil {
		return k, &CryptoError{Op: "unwrap", Err: err}
	}
	raw, err := aesgcm.ImportJWK(exported)
	if err != nil {
		return k, &CryptoError{Op: "unwrap", Err: err}
	}
	copy(k[:], raw)
	return k, nil
}

// EncryptMessage seals plaintext with a fresh random nonce per call.
func EncryptMessage(k SessionKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	ciphertext, nonce, err = aesgcm.Encrypt(k[:], plaintext)
	if err != nil {
		return nil, nil, &CryptoError{Op: "encrypt", Err: err}
	}
	return ciphertext, nonce, nil
}

// DecryptMessage opens a sealed payload. A wrong key, nonce or any mutation of
// the ciphertext yields a *CryptoError, never garbage plaintext.
func DecryptMessage(k SessionKey, ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := aesgcm.Decrypt(k[:], ciphertext, nonce)
	if err != nil {
		if errors.Is(err, aesgcm.ErrNonceLengthInvalid) {
			return nil, &CryptoError{Op: "decrypt", Err: err}
		}
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: %v", errAuthFailed, err)}
	}
	return plaintext, nil
}
