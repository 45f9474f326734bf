package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrDecryptionFailed indicates uploaded content could not be decrypted
// with the stored symmetric key.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// zeroIV is the fixed all-zero CBC initialization vector mandated by the
// protocol. Uploads are one-shot under a freshly minted key, so the IV
// carries no reuse risk across messages.
var zeroIV [aes.BlockSize]byte

// EncryptContent encrypts plaintext with AES-128-CBC using the fixed zero
// IV and PKCS#7 padding. This is the client side of the upload step and is
// used by tests and client tooling.
func EncryptContent(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptContent decrypts uploaded file content with AES-128-CBC and
// removes the PKCS#7 padding. Any key, length, or padding problem yields
// an error wrapping ErrDecryptionFailed; no partial plaintext is returned.
func DecryptContent(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create AES cipher: %v", ErrDecryptionFailed, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d",
			ErrDecryptionFailed, len(ciphertext), aes.BlockSize)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpadPKCS7(plaintext, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length %d", ErrDecryptionFailed, len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("%w: invalid padding byte %d", ErrDecryptionFailed, padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrDecryptionFailed)
		}
	}
	return data[:len(data)-padLen], nil
}
