package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestContentRoundTrip(t *testing.T) {
	key := mustNewKey(t)

	// Sizes chosen to cover the empty message, a sub-block message, an
	// exact block multiple, and a large payload.
	for _, size := range []int{0, 1, 4096, 1_000_000} {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("generate %d-byte plaintext: %v", size, err)
		}

		ciphertext, err := EncryptContent(key, plaintext)
		if err != nil {
			t.Fatalf("EncryptContent %d bytes: %v", size, err)
		}
		if want := (size/16 + 1) * 16; len(ciphertext) != want {
			t.Fatalf("ciphertext of %d-byte plaintext is %d bytes, want %d", size, len(ciphertext), want)
		}

		decrypted, err := DecryptContent(key, ciphertext)
		if err != nil {
			t.Fatalf("DecryptContent %d bytes: %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("round trip mismatch for %d-byte plaintext", size)
		}
	}
}

func TestDecryptContentRejectsBadLengths(t *testing.T) {
	key := mustNewKey(t)

	for _, size := range []int{0, 1, 15, 17, 31} {
		if _, err := DecryptContent(key, make([]byte, size)); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("expected ErrDecryptionFailed for %d-byte ciphertext, got %v", size, err)
		}
	}
}

func TestDecryptContentRejectsBadKey(t *testing.T) {
	if _, err := DecryptContent([]byte("short"), make([]byte, 16)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for invalid key, got %v", err)
	}
}

func TestDecryptContentRejectsTruncatedCiphertext(t *testing.T) {
	key := mustNewKey(t)

	// The 16th plaintext byte is an ASCII letter, so after truncation to
	// one block the padding byte is far outside the 1..16 range.
	ciphertext, err := EncryptContent(key, []byte("this message spans blocks"))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	if _, err := DecryptContent(key, ciphertext[:16]); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for truncated ciphertext, got %v", err)
	}
}

func TestChecksumReferenceValue(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("Checksum(\"123456789\") = %08x, want cbf43926", got)
	}
}

func TestChecksumEmpty(t *testing.T) {
	if got := Checksum(nil); got != 0 {
		t.Fatalf("Checksum(nil) = %08x, want 0", got)
	}
}

func mustNewKey(t *testing.T) []byte {
	t.Helper()

	key, err := NewSymmetricKey()
	if err != nil {
		t.Fatalf("NewSymmetricKey failed: %v", err)
	}
	return key
}
