package crypto

import "crypto/sha256"

var (
	// DefaultHashFunc is the OAEP hash and the fingerprint pre-hash.
	DefaultHashFunc = sha256.New
)

const (
	SessionKeySize = 32
	NonceSize      = 12
	RSAKeyBits     = 2048
)
