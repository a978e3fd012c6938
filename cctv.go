// Package cctv captures video streams into encrypted, content addressed
// chunks and reconstructs playable frames from them.
package cctv

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/internal/keyValStore"
	"github.com/i5heu/ouroboros-cctv/internal/spool"
	"github.com/i5heu/ouroboros-cctv/pkg/cas"
	"github.com/i5heu/ouroboros-cctv/pkg/encryption"
	"github.com/i5heu/ouroboros-cctv/pkg/ipfs"
	"github.com/i5heu/ouroboros-cctv/pkg/keys"
	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
	"github.com/i5heu/ouroboros-cctv/pkg/metrics"
	"github.com/i5heu/ouroboros-cctv/pkg/transport"
)

// Pipeline owns the keys, storage and bookkeeping shared by all streams.
type Pipeline struct {
	log    *logrus.Logger
	config Config

	keys      keys.KeyPair
	engine    *encryption.Engine
	kv        *keyValStore.KeyValStore
	ledger    *ledger.Ledger
	spool     *spool.Spool
	transport *transport.Transport
	metrics   *metrics.Metrics

	// indexMu serialises index allocation for streams that start
	// concurrently under the same id.
	indexMu sync.Mutex
	active  map[string]string

	closeOnce sync.Once
	closeErr  error
}

// New opens the pipeline. A *keys.KeyMaterialError means the persisted key
// file is unusable and the process must not continue.
func New(conf Config) (*Pipeline, error) {
	conf, err := conf.withDefaults()
	if err != nil {
		return nil, err
	}
	log := conf.Logger

	store := conf.KeyStore
	if store == nil {
		if conf.DataDir == "" {
			return nil, errors.New("cctv: no key store and no data dir")
		}
		store = keys.NewFileStore(conf.DataDir, conf.KeyName)
	}
	kp, err := keys.NewProvider(store, log).Obtain()
	if err != nil {
		return nil, fmt.Errorf("error obtaining keys: %w", err)
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:             filepath.Join(conf.DataDir, "ledger"),
		MinimumFreeSpace: conf.MinimumFreeGB,
		InMemory:         conf.InMemory,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating KeyValStore: %w", err)
	}

	sp, err := spool.New(conf.SpoolDir, conf.MinimumFreeGB, log)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("error creating spool: %w", err)
	}

	m := metrics.New(conf.Registerer)
	tr, err := newTransport(conf, kv, m)
	if err != nil {
		kv.Close()
		return nil, err
	}

	p := &Pipeline{
		log:       log,
		config:    conf,
		keys:      kp,
		engine:    encryption.NewEngine(kp, encryption.Policy{Interval: conf.AEADInterval}),
		kv:        kv,
		ledger:    ledger.New(kv.DB(), log),
		spool:     sp,
		transport: tr,
		metrics:   m,
		active:    make(map[string]string),
	}
	log.WithFields(logrus.Fields{
		"data_dir":    conf.DataDir,
		"spool_dir":   conf.SpoolDir,
		"endpoint":    tr.Primary().Name(),
		"fingerprint": kp.Fingerprint(),
	}).Info("pipeline ready")
	return p, nil
}

func newTransport(conf Config, kv *keyValStore.KeyValStore, m *metrics.Metrics) (*transport.Transport, error) {
	primary, fallback := conf.Endpoint, conf.Fallback
	if primary == nil {
		if conf.Offline {
			primary = cas.NewBadgerStore(kv.DB(), conf.Logger)
		} else {
			primary = ipfs.NewAPI(conf.IPFSAPI, &http.Client{}, conf.Logger)
		}
	}
	if fallback == nil && !conf.Offline && conf.GatewayURL != "" {
		fallback = ipfs.NewGateway(conf.GatewayURL, &http.Client{})
	}

	tr, err := transport.New(transport.Config{
		Primary:         primary,
		Fallback:        fallback,
		UploadTimeout:   conf.UploadTimeout,
		PrimaryTimeout:  conf.PrimaryTimeout,
		FallbackTimeout: conf.FallbackTimeout,
		UploadAttempts:  conf.UploadAttempts,
		VerifyFallback:  conf.VerifyFallback,
		Logger:          conf.Logger,
		Observer:        m,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating transport: %w", err)
	}
	return tr, nil
}

// Ledger returns the chunk ledger.
func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// Metrics returns the pipeline collectors.
func (p *Pipeline) Metrics() *metrics.Metrics { return p.metrics }

// Transport returns the storage transport.
func (p *Pipeline) Transport() *transport.Transport { return p.transport }

// Spool returns the local chunk spool.
func (p *Pipeline) Spool() *spool.Spool { return p.spool }

// Fingerprint identifies the loaded key pair.
func (p *Pipeline) Fingerprint() string { return p.keys.Fingerprint() }

// ActiveStreams returns the running streams mapped to their session ids.
func (p *Pipeline) ActiveStreams() map[string]string {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	out := make(map[string]string, len(p.active))
	for k, v := range p.active {
		out[k] = v
	}
	return out
}

// Close releases the ledger database. Close is idempotent.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		if err := p.kv.Close(); err != nil {
			p.closeErr = fmt.Errorf("close ledger: %w", err)
		}
	})
	return p.closeErr
}
