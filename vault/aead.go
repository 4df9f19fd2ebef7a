package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies the AEAD used for a stored record. It is
// persisted per record so old data keeps decrypting after a default
// change.
type Algorithm string

const (
	AlgAESGCM   Algorithm = "aes-256-gcm"
	AlgXChaCha  Algorithm = "xchacha20-poly1305"
	KeySize               = 32
	GCMIVSize             = 12
	XChaChaIVSize         = 24
)

// IVSize returns the exact nonce length the algorithm requires.
func (a Algorithm) IVSize() (int, error) {
	switch a {
	case AlgAESGCM:
		return GCMIVSize, nil
	case AlgXChaCha:
		return XChaChaIVSize, nil
	default:
		return 0, &ValidationError{Field: "wrap_algorithm", Reason: fmt.Sprintf("unknown algorithm %q", string(a))}
	}
}

func (a Algorithm) newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	switch a {
	case AlgAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgXChaCha:
		return chacha20poly1305.NewX(key[:])
	default:
		return nil, &ValidationError{Field: "wrap_algorithm", Reason: fmt.Sprintf("unknown algorithm %q", string(a))}
	}
}

// Seal encrypts plaintext under key with the given IV. The IV length
// must match the algorithm exactly; anything else is a hard failure,
// not a truncation.
func Seal(alg Algorithm, key [KeySize]byte, iv, plaintext []byte) ([]byte, error) {
	want, err := alg.IVSize()
	if err != nil {
		return nil, err
	}
	if len(iv) != want {
		return nil, &ValidationError{Field: "iv", Reason: fmt.Sprintf("length %d, want %d", len(iv), want)}
	}
	aead, err := alg.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Open reverses Seal. Auth-tag mismatch reports ErrDecryptionFailed;
// the caller decides whether that means a wrong key or corrupt data.
func Open(alg Algorithm, key [KeySize]byte, iv, ciphertext []byte) ([]byte, error) {
	want, err := alg.IVSize()
	if err != nil {
		return nil, err
	}
	if len(iv) != want {
		return nil, &ValidationError{Field: "iv", Reason: fmt.Sprintf("length %d, want %d", len(iv), want)}
	}
	aead, err := alg.newAEAD(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

// NewIV generates a fresh random nonce of the algorithm's exact size.
// Reusing an IV under a fixed AEAD key is the one failure mode this
// layer must categorically prevent, so every Seal call site goes
// through here.
func NewIV(alg Algorithm) ([]byte, error) {
	n, err := alg.IVSize()
	if err != nil {
		return nil, err
	}
	return SecureRandomBytes(n)
}
