// Package keyValStore opens the badger database shared by the chunk ledger
// and the local content-addressed store.
package keyValStore

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Path             string
	MinimumFreeSpace int // in GB
	// InMemory opens a throwaway database, for tests and dry runs.
	InMemory bool
	Logger   logrus.FieldLogger
}

type KeyValStore struct {
	config   StoreConfig
	badgerDB *badger.DB
	log      logrus.FieldLogger
	closed   atomic.Bool
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = nil
	// Ledger entries must survive a crash right after an upload.
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", config.Path, err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(log, config.Path); err != nil {
			log.WithError(err).Warn("could not report disk usage")
		}
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
		log:      log,
	}, nil
}

// DB returns the underlying database.
func (k *KeyValStore) DB() *badger.DB { return k.badgerDB }

func (k *KeyValStore) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("cleaning database before close failed")
	}
	return k.badgerDB.Close()
}

// Clean syncs the database and runs value log garbage collection.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}
