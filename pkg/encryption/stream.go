package encryption

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// StreamNonceSize is the pinned length of the stream-cipher nonce field. It is
// a protocol constant, not the ChaCha20 default: the first four bytes are the
// little-endian initial block counter and the remaining twelve are the
// ChaCha20 nonce.
const StreamNonceSize = 16

const chachaBlockSize = 64

// EncryptStream encrypts plaintext with ChaCha20 under a fresh random 16-byte
// nonce and returns nonce || ciphertext. The result carries no integrity
// protection.
func EncryptStream(plaintext, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	blob := make([]byte, StreamNonceSize+len(plaintext))
	if _, err := rand.Read(blob[:StreamNonceSize]); err != nil {
		return nil, fmt.Errorf("encryption: nonce: %w", err)
	}
	if err := xorChaCha20(key, blob[:StreamNonceSize], blob[StreamNonceSize:], plaintext); err != nil {
		return nil, err
	}
	return blob, nil
}

// DecryptStream decrypts a blob produced by EncryptStream. It cannot detect a
// wrong key or tampered ciphertext; it only fails when the blob is shorter
// than the nonce.
func DecryptStream(blob, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if len(blob) < StreamNonceSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrShortBlob, len(blob), StreamNonceSize)
	}
	plaintext := make([]byte, len(blob)-StreamNonceSize)
	if err := xorChaCha20(key, blob[:StreamNonceSize], plaintext, blob[StreamNonceSize:]); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// xorChaCha20 applies the keystream for the 16-byte iv to src. When the 32-bit
// block counter wraps, the carry goes into the first nonce word and the
// counter restarts at zero.
func xorChaCha20(key, iv, dst, src []byte) error {
	counter := binary.LittleEndian.Uint32(iv[:4])
	nonce := make([]byte, chacha20.NonceSize)
	copy(nonce, iv[4:StreamNonceSize])

	for len(src) > 0 {
		c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
		if err != nil {
			return fmt.Errorf("encryption: chacha20: %w", err)
		}
		c.SetCounter(counter)

		room := (uint64(1)<<32 - uint64(counter)) * chachaBlockSize
		n := uint64(len(src))
		if n > room {
			n = room
		}
		c.XORKeyStream(dst[:n], src[:n])
		dst, src = dst[n:], src[n:]

		counter = 0
		binary.LittleEndian.PutUint32(nonce[:4], binary.LittleEndian.Uint32(nonce[:4])+1)
	}
	return nil
}
