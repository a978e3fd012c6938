// Package transport moves chunk bytes to and from content-addressed
// endpoints. Uploads go to a single primary endpoint; downloads try the
// primary first and then a fallback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/cas"
)

// Endpoint is a content-addressed store reachable over some transport.
type Endpoint interface {
	Name() string
	Add(ctx context.Context, data []byte) (cas.Address, error)
	Get(ctx context.Context, addr cas.Address) ([]byte, error)
}

// Observer receives per-attempt outcomes. The metrics package implements it.
type Observer interface {
	ObserveUpload(endpoint string, bytes int, err error)
	ObserveRetrieval(endpoint string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveUpload(string, int, error) {}
func (nopObserver) ObserveRetrieval(string, error)   {}

const (
	DefaultUploadTimeout   = 60 * time.Second
	DefaultPrimaryTimeout  = 10 * time.Second
	DefaultFallbackTimeout = 30 * time.Second
	DefaultUploadAttempts  = 3
)

// Config configures a Transport.
type Config struct {
	// Primary receives uploads and is tried first for downloads.
	Primary Endpoint
	// Fallback is only used for downloads. It may be nil.
	Fallback Endpoint

	UploadTimeout   time.Duration
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	// UploadAttempts bounds the number of upload tries, including the first.
	UploadAttempts uint
	// InitialBackoff is the delay before the second upload attempt.
	InitialBackoff time.Duration
	// VerifyFallback checks that bytes served by the fallback hash to the
	// requested address. Only CIDv0 addresses can be checked.
	VerifyFallback bool

	Logger   logrus.FieldLogger
	Observer Observer
}

// Transport uploads and downloads chunks.
type Transport struct {
	cfg Config
}

// New returns a Transport. Zero timeouts and attempts get defaults.
func New(cfg Config) (*Transport, error) {
	if cfg.Primary == nil {
		return nil, errors.New("transport: no primary endpoint")
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}
	if cfg.UploadAttempts == 0 {
		cfg.UploadAttempts = DefaultUploadAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Transport{cfg: cfg}, nil
}

// Primary returns the upload endpoint.
func (t *Transport) Primary() Endpoint { return t.cfg.Primary }

// Upload stores data on the primary endpoint. Every attempt has its own
// timeout; failed attempts are retried with exponential backoff. There is no
// upload fallback: when all attempts fail an *UploadError is returned and the
// caller decides what to do with the chunk.
func (t *Transport) Upload(ctx context.Context, data []byte) (cas.Address, error) {
	ep := t.cfg.Primary
	attempts := 0

	op := func() (cas.Address, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.UploadTimeout)
		defer cancel()

		addr, err := ep.Add(attemptCtx, data)
		t.cfg.Observer.ObserveUpload(ep.Name(), len(data), err)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return addr, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.cfg.InitialBackoff

	addr, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(t.cfg.UploadAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.cfg.Logger.WithFields(logrus.Fields{
				"endpoint": ep.Name(),
				"retry_in": next,
			}).WithError(err).Warn("chunk upload failed, retrying")
		}),
	)
	if err != nil {
		return "", &UploadError{Endpoint: ep.Name(), Attempts: attempts, Err: err}
	}
	return addr, nil
}

// Download fetches addr from the primary endpoint and, if that fails, from
// the fallback. Each attempt is bounded by its own timeout.
func (t *Transport) Download(ctx context.Context, addr cas.Address) ([]byte, error) {
	data, primaryErr := t.get(ctx, t.cfg.Primary, t.cfg.PrimaryTimeout, addr)
	if primaryErr == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, &RetrievalError{Address: addr, Primary: primaryErr, Fallback: ctx.Err()}
	}

	if t.cfg.Fallback == nil {
		return nil, &RetrievalError{Address: addr, Primary: primaryErr, Fallback: ErrNoFallback}
	}

	t.cfg.Logger.WithFields(logrus.Fields{
		"address":  addr,
		"endpoint": t.cfg.Primary.Name(),
	}).WithError(primaryErr).Info("primary endpoint failed, trying fallback")

	data, fallbackErr := t.get(ctx, t.cfg.Fallback, t.cfg.FallbackTimeout, addr)
	if fallbackErr == nil && t.cfg.VerifyFallback {
		if _, err := cas.Verify(addr, data); err != nil {
			fallbackErr = err
		}
	}
	if fallbackErr != nil {
		return nil, &RetrievalError{Address: addr, Primary: primaryErr, Fallback: fallbackErr}
	}
	return data, nil
}

func (t *Transport) get(ctx context.Context, ep Endpoint, timeout time.Duration, addr cas.Address) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := ep.Get(attemptCtx, addr)
	t.cfg.Observer.ObserveRetrieval(ep.Name(), err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ep.Name(), err)
	}
	return data, nil
}

// ErrNoFallback is the fallback error of a RetrievalError when no fallback
// endpoint is configured.
var ErrNoFallback = errors.New("transport: no fallback endpoint configured")

// UploadError reports a chunk that could not be stored.
type UploadError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("transport: upload to %s failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// RetrievalError reports that neither endpoint returned the content.
type RetrievalError struct {
	Address  cas.Address
	Primary  error
	Fallback error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("transport: retrieve %s: primary: %v; fallback: %v", e.Address, e.Primary, e.Fallback)
}

func (e *RetrievalError) Unwrap() []error { return []error{e.Primary, e.Fallback} }
