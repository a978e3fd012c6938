package cctv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/codec"
	"github.com/i5heu/ouroboros-cctv/pkg/encryption"
	"github.com/i5heu/ouroboros-cctv/pkg/ipfs"
	"github.com/i5heu/ouroboros-cctv/pkg/keys"
	"github.com/i5heu/ouroboros-cctv/pkg/transport"
)

const (
	DefaultChunkDuration = 60 * time.Second
	DefaultKeyName       = "encryption_keys"
	DefaultFlushTimeout  = 2 * time.Minute
	DefaultResendWorkers = 4
)

// Config configures a Pipeline.
type Config struct {
	// DataDir holds the key file and the chunk ledger.
	DataDir string
	// KeyName is the key file name without extension.
	KeyName string
	// SpoolDir receives sealed chunks before upload. Defaults to
	// DataDir/encrypted_chunks.
	SpoolDir string
	// KeepSpool keeps spool files after a successful upload.
	KeepSpool bool
	// MinimumFreeGB is checked before the ledger is opened and before every
	// spool write.
	MinimumFreeGB int

	// ChunkDuration is the wall clock length of a chunk. Zero disables time
	// based rotation; chunks are then only sealed when a stream ends.
	ChunkDuration time.Duration
	// AEADInterval makes every n-th frame of a stream use the AEAD cipher.
	AEADInterval uint64
	// FlushTimeout bounds the final flush of a stopped stream.
	FlushTimeout time.Duration

	// IPFSAPI is the Kubo RPC address used for uploads and first reads.
	IPFSAPI string
	// GatewayURL is the read-only fallback. Empty disables the fallback.
	GatewayURL      string
	UploadTimeout   time.Duration
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	UploadAttempts  uint
	VerifyFallback  bool
	// Offline stores chunks in the local badger store instead of IPFS.
	Offline bool
	// InMemory keeps the ledger and offline store in memory.
	InMemory bool

	// Unauthenticated decides whether stream cipher frames are played back.
	Unauthenticated UnauthenticatedPolicy
	// ResendWorkers bounds concurrent uploads during Resend.
	ResendWorkers int

	// Logger is an optional logger. If nil, a stderr logger is used.
	Logger *logrus.Logger
	// Registerer receives the pipeline metrics. Nil uses a private registry.
	Registerer prometheus.Registerer

	// KeyStore overrides the JSON key file.
	KeyStore keys.Store
	// Endpoint overrides the primary storage endpoint.
	Endpoint transport.Endpoint
	// Fallback overrides the fallback endpoint.
	Fallback transport.Endpoint
	// Decoder overrides the JPEG decoder used for playback.
	Decoder codec.Decoder
	// Now overrides the clock of the chunk accumulators.
	Now func() time.Time
}

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	return log
}

// withDefaults fills zero values and validates the result.
func (c Config) withDefaults() (Config, error) {
	if c.DataDir == "" && !c.InMemory {
		return c, errors.New("cctv: data dir must be set")
	}
	if c.KeyName == "" {
		c.KeyName = DefaultKeyName
	}
	if c.SpoolDir == "" {
		if c.DataDir == "" {
			return c, errors.New("cctv: spool dir must be set for in-memory pipelines")
		}
		c.SpoolDir = filepath.Join(c.DataDir, "encrypted_chunks")
	}
	if c.MinimumFreeGB < 0 {
		return c, fmt.Errorf("cctv: negative minimum free space %d", c.MinimumFreeGB)
	}
	if c.ChunkDuration < 0 {
		return c, fmt.Errorf("cctv: negative chunk duration %s", c.ChunkDuration)
	}
	if c.AEADInterval == 0 {
		c.AEADInterval = encryption.DefaultInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.IPFSAPI == "" {
		c.IPFSAPI = ipfs.DefaultAPIURL
	}
	if c.ResendWorkers < 1 {
		c.ResendWorkers = DefaultResendWorkers
	}
	if !c.Unauthenticated.valid() {
		return c, fmt.Errorf("cctv: unknown unauthenticated frame policy %d", c.Unauthenticated)
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Decoder == nil {
		c.Decoder = codec.JPEG{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}
