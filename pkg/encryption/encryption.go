// Package encryption seals single video frames under one of two ciphers.
//
// Every Interval-th frame is sealed with AES-256-EAX, an authenticated cipher,
// under the strong key. It plays the role of a key frame: tampering with it, or
// decrypting it under the wrong key, is detected. All other frames use ChaCha20
// under the stream key, which is cheaper but carries no integrity protection at
// all. A flipped bit in a stream-cipher frame decrypts to a wrong plaintext
// without any error; the only signal left is a failure to decode the image
// afterwards. This is a deliberate security/performance trade-off of the
// container format.
package encryption

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-cctv/pkg/keys"
	"github.com/i5heu/ouroboros-cctv/pkg/record"
)

// DefaultInterval is the distance between two AEAD-sealed frames.
const DefaultInterval = 60

var (
	// ErrAuthentication is returned when an AEAD blob does not verify. The
	// frame must be dropped.
	ErrAuthentication = errors.New("encryption: message authentication failed")
	// ErrShortBlob is returned when a blob is too short to hold its nonce.
	ErrShortBlob = errors.New("encryption: ciphertext blob too short")
	// ErrKeySize is returned for keys that are not KeySize bytes long.
	ErrKeySize = errors.New("encryption: invalid key size")
)

// Policy decides which cipher seals a frame.
type Policy struct {
	// Interval selects StrongAEAD for frame numbers that are multiples of it.
	Interval uint64
}

// DefaultPolicy returns the policy with DefaultInterval.
func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval}
}

// Select returns the cipher for the 1-indexed frame number n.
func (p Policy) Select(n uint64) record.CipherTag {
	if p.Interval > 0 && n > 0 && n%p.Interval == 0 {
		return record.StrongAEAD
	}
	return record.Stream
}

// Engine binds a key pair to a policy.
type Engine struct {
	keys   keys.KeyPair
	policy Policy
}

// NewEngine creates an Engine. A zero Interval is replaced by DefaultInterval.
func NewEngine(kp keys.KeyPair, policy Policy) *Engine {
	if policy.Interval == 0 {
		policy.Interval = DefaultInterval
	}
	return &Engine{keys: kp, policy: policy}
}

// Policy returns the engine's cipher selection policy.
func (e *Engine) Policy() Policy { return e.policy }

// SealFrame encrypts the 1-indexed frame n with the cipher the policy selects.
func (e *Engine) SealFrame(n uint64, plaintext []byte) (record.CipherTag, []byte, error) {
	tag := e.policy.Select(n)
	switch tag {
	case record.StrongAEAD:
		blob, err := EncryptAEAD(plaintext, e.keys.Strong[:])
		return tag, blob, err
	case record.Stream:
		blob, err := EncryptStream(plaintext, e.keys.Stream[:])
		return tag, blob, err
	default:
		return tag, nil, fmt.Errorf("encryption: policy selected %s", tag)
	}
}

// OpenFrame decrypts a record payload according to its tag.
func (e *Engine) OpenFrame(tag record.CipherTag, blob []byte) ([]byte, error) {
	switch tag {
	case record.StrongAEAD:
		return DecryptAEAD(blob, e.keys.Strong[:])
	case record.Stream:
		return DecryptStream(blob, e.keys.Stream[:])
	default:
		return nil, &record.UnknownTagError{Tag: tag, Offset: -1}
	}
}

func checkKey(key []byte) error {
	if len(key) != keys.KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeySize, len(key), keys.KeySize)
	}
	return nil
}
