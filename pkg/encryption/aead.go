package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/ProtonMail/go-crypto/eax"
)

const (
	// AEADNonceSize is the EAX nonce length in the blob.
	AEADNonceSize = 16
	// AEADTagSize is the EAX authentication tag length in the blob.
	AEADTagSize = 16
	// AEADOverhead is the number of bytes EncryptAEAD adds to a plaintext.
	AEADOverhead = AEADNonceSize + AEADTagSize
)

// EncryptAEAD seals plaintext with AES-256-EAX under a fresh random nonce and
// returns nonce || tag || ciphertext.
func EncryptAEAD(plaintext, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: aes: %w", err)
	}
	aead, err := newEAX(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, AEADNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encryption: nonce: %w", err)
	}

	// Seal yields ciphertext || tag; the blob stores the tag first.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - AEADTagSize

	blob := make([]byte, 0, AEADOverhead+ctLen)
	blob = append(blob, nonce...)
	blob = append(blob, sealed[ctLen:]...)
	return append(blob, sealed[:ctLen]...), nil
}

// DecryptAEAD opens a blob produced by EncryptAEAD. Any verification failure,
// including a blob too short to carry nonce and tag, is ErrAuthentication.
func DecryptAEAD(blob, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if len(blob) < AEADOverhead {
		return nil, fmt.Errorf("%w: blob of %d bytes", ErrAuthentication, len(blob))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: aes: %w", err)
	}
	aead, err := newEAX(block)
	if err != nil {
		return nil, err
	}

	nonce := blob[:AEADNonceSize]
	tag := blob[AEADNonceSize:AEADOverhead]
	ciphertext := blob[AEADOverhead:]

	sealed := make([]byte, 0, len(ciphertext)+AEADTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newEAX(block cipher.Block) (cipher.AEAD, error) {
	aead, err := eax.NewEAX(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: eax: %w", err)
	}
	if aead.NonceSize() != AEADNonceSize || aead.Overhead() != AEADTagSize {
		return nil, fmt.Errorf("encryption: eax: unexpected nonce/tag size %d/%d", aead.NonceSize(), aead.Overhead())
	}
	return aead, nil
}
