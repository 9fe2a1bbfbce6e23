package rsaoaep

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"hybrid-chat/crypto"
)

var (
	ErrPEMInvalid     = errors.New("pem block invalid")
	ErrNotRSA         = errors.New("key is not RSA")
	ErrKeyTooSmall    = errors.New("rsa modulus below 2048 bits")
	ErrMessageTooLong = errors.New("message too long for RSA-OAEP")
)

// NewKeyPair generates an RSA key pair with crypto.RSAKeyBits bits.
func NewKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, crypto.RSAKeyBits)
}

// MaxMessageSize is the largest plaintext one OAEP operation accepts for pub.
func MaxMessageSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*crypto.DefaultHashFunc().Size() - 2
}

// Encrypt performs RSA-OAEP with SHA-256.
func Encrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	if pub.N.BitLen() < crypto.RSAKeyBits {
		return nil, ErrKeyTooSmall
	}
	if len(msg) > MaxMessageSize(pub) {
		return nil, ErrMessageTooLong
	}
	return rsa.EncryptOAEP(crypto.DefaultHashFunc(), rand.Reader, pub, msg, nil)
}

// Decrypt reverses Encrypt.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(crypto.DefaultHashFunc(), nil, priv, ciphertext, nil)
}

// EncodePublicKeyPEM renders pub as an SPKI "PUBLIC KEY" block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublicKeyPEM parses an SPKI "PUBLIC KEY" block.
func DecodePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrPEMInvalid
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPEMInvalid, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return pub, nil
}

// EncodePrivateKeyPEM renders priv as a PKCS#8 "PRIVATE KEY" block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// DecodePrivateKeyPEM parses a PKCS#8 "PRIVATE KEY" block.
func DecodePrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, ErrPEMInvalid
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPEMInvalid, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return priv, nil
}
