// Package crypto implements the hybrid-encryption handshake of the file
// transfer protocol: random symmetric key minting, RSA-OAEP sealing under a
// client-supplied public key, and AES-CBC decryption of uploaded content.
package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
)

const (
	// SymmetricKeySize is the size of the minted AES key.
	SymmetricKeySize = 16
	// SealedKeySize is the RSA-OAEP output size for the 1024-bit client keys.
	SealedKeySize = 128
)

// ErrInvalidPublicKey indicates the client-supplied key material could not
// be parsed as an RSA public key.
var ErrInvalidPublicKey = errors.New("crypto: invalid public key")

// NewSymmetricKey mints a fresh random 16-byte AES key. Each key exchange
// mints a new key; keys are never reused across clients or exchanges.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// ParsePublicKey parses client-supplied public key material. The wire field
// is fixed-width, so DER content may carry trailing NUL padding; both PKIX
// and PKCS#1 encodings are accepted.
func ParsePublicKey(material []byte) (*rsa.PublicKey, error) {
	candidates := [][]byte{material}
	if trimmed := bytes.TrimRight(material, "\x00"); len(trimmed) != len(material) {
		candidates = append(candidates, trimmed)
	}

	for _, der := range candidates {
		if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
			if rsaKey, ok := parsed.(*rsa.PublicKey); ok {
				return rsaKey, nil
			}
		}
		if rsaKey, err := x509.ParsePKCS1PublicKey(der); err == nil {
			return rsaKey, nil
		}
	}

	return nil, ErrInvalidPublicKey
}

// SealKey encrypts the symmetric key under the client's public key with
// RSA-OAEP. The raw symmetric key never travels on the wire; only the
// sealed blob does. OAEP uses SHA-1 to match the client toolchain.
func SealKey(publicKey *rsa.PublicKey, symmetricKey []byte) ([]byte, error) {
	sealed, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, publicKey, symmetricKey, nil)
	if err != nil {
		return nil, fmt.Errorf("seal symmetric key: %w", err)
	}
	return sealed, nil
}
