// Package keys provides the two symmetric secrets the pipeline encrypts with.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// KeySize is the length of both secrets.
const KeySize = 32

// KeyPair holds the AEAD key (Strong) and the stream-cipher key (Stream).
type KeyPair struct {
	Strong [KeySize]byte
	Stream [KeySize]byte
}

// Generate draws both secrets independently from r. A nil r means crypto/rand.
func Generate(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	var kp KeyPair
	if _, err := io.ReadFull(r, kp.Strong[:]); err != nil {
		return KeyPair{}, fmt.Errorf("keys: generate strong key: %w", err)
	}
	if _, err := io.ReadFull(r, kp.Stream[:]); err != nil {
		return KeyPair{}, fmt.Errorf("keys: generate stream key: %w", err)
	}
	return kp, nil
}

// Fingerprint returns a short identifier of the pair that is safe to log.
func (kp KeyPair) Fingerprint() string {
	h := sha256.New()
	h.Write(kp.Strong[:])
	h.Write(kp.Stream[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Store persists a key pair outside the process.
type Store interface {
	// Load returns the persisted pair. ok is false when nothing is persisted
	// yet. Persisted material that cannot be decoded is a *KeyMaterialError.
	Load() (kp KeyPair, ok bool, err error)
	Save(kp KeyPair) error
}

// Provider loads or creates the key pair once per process.
type Provider struct {
	store Store
	rand  io.Reader
	log   logrus.FieldLogger

	once sync.Once
	kp   KeyPair
	err  error
}

// NewProvider returns a Provider backed by store. A nil logger discards output.
func NewProvider(store Store, log logrus.FieldLogger) *Provider {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Provider{store: store, log: log}
}

// Obtain returns the key pair, generating and persisting it on first use.
// Repeated calls return the cached result, including a cached error.
func (p *Provider) Obtain() (KeyPair, error) {
	p.once.Do(func() {
		p.kp, p.err = p.loadOrCreate()
	})
	return p.kp, p.err
}

func (p *Provider) loadOrCreate() (KeyPair, error) {
	kp, ok, err := p.store.Load()
	if err != nil {
		return KeyPair{}, err
	}
	if ok {
		p.log.WithField("fingerprint", kp.Fingerprint()).Info("loaded encryption keys")
		return kp, nil
	}

	kp, err = Generate(p.rand)
	if err != nil {
		return KeyPair{}, err
	}
	if err := p.store.Save(kp); err != nil {
		return KeyPair{}, fmt.Errorf("keys: persist generated keys: %w", err)
	}
	p.log.WithField("fingerprint", kp.Fingerprint()).Info("generated new encryption keys")
	return kp, nil
}

// KeyMaterialError reports persisted key material that cannot be used.
type KeyMaterialError struct {
	Source string
	Reason string
	Err    error
}

func (e *KeyMaterialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("keys: invalid key material in %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("keys: invalid key material in %s: %s", e.Source, e.Reason)
}

func (e *KeyMaterialError) Unwrap() error { return e.Err }
