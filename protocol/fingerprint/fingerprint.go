package fingerprint

import (
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"

	"hybrid-chat/common"
)

const iterations = 5200

var ErrSameIdentity = errors.New("safety number needs two distinct identities")

// Fingerprint is the 30-digit half of a safety number contributed by one
// identity. It mimics what the Signal app does, over the SPKI encoding of the
// RSA public key.
func Fingerprint(pub *rsa.PublicKey, id common.IdentityID) (*[30]int, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	digest := append(der, []byte(id.String())...)
	hash := sha512.New()
	for i := 0; i < iterations; i++ {
		_, err := hash.Write(digest)
		if err != nil {
			return nil, err
		}
		digest = hash.Sum(nil)
		hash.Reset()
	}

	var result [30]byte
	copy(result[:], digest[:30])

	var finalResult [30]int
	for i := 0; i < 6; i++ {
		chunk := result[i*5 : (i+1)*5]
		num := binary.BigEndian.Uint64(append([]byte{0, 0, 0}, chunk...)) % 100000
		for j := 4; j >= 0; j-- {
			finalResult[i*5+j] = int(num % 10)
			num /= 10
		}
	}

	return &finalResult, nil
}

// SafetyNumber combines both halves, lower identity first, so both parties
// compute the same 60 digits. It is grouped in twelve blocks of five.
func SafetyNumber(a *rsa.PublicKey, aID common.IdentityID, b *rsa.PublicKey, bID common.IdentityID) (string, error) {
	if aID == bID {
		return "", ErrSameIdentity
	}
	if bID < aID {
		a, aID, b, bID = b, bID, a, aID
	}
	first, err := Fingerprint(a, aID)
	if err != nil {
		return "", err
	}
	second, err := Fingerprint(b, bID)
	if err != nil {
		return "", err
	}

	digits := append(first[:], second[:]...)
	var sb strings.Builder
	for i, d := range digits {
		if i > 0 && i%5 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(d))
	}
	return sb.String(), nil
}
