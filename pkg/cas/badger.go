package cas

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	uio "github.com/ipfs/boxo/ipld/unixfs/io"
	format "github.com/ipfs/go-ipld-format"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by BadgerStore.Get for unknown addresses.
var ErrNotFound = errors.New("cas: content not found")

// BadgerStore keeps chunks in badger as the UnixFS DAG `ipfs add` would
// build, one node per key. It satisfies the transport endpoint contract for
// offline operation.
type BadgerStore struct {
	dag *badgerDAG
	log logrus.FieldLogger
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, log logrus.FieldLogger) *BadgerStore {
	if log == nil {
		log = logrus.New()
	}
	return &BadgerStore{dag: &badgerDAG{db: db}, log: log}
}

// Name identifies the endpoint in logs and metrics.
func (s *BadgerStore) Name() string { return "local" }

// Add stores data and returns its address. Storing the same bytes twice
// rewrites the same nodes.
func (s *BadgerStore) Add(ctx context.Context, data []byte) (Address, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr, err := buildDAG(s.dag, data)
	if err != nil {
		return "", fmt.Errorf("cas: store %d bytes: %w", len(data), err)
	}

	s.log.WithFields(logrus.Fields{"address": addr, "bytes": len(data)}).Debug("stored chunk locally")
	return addr, nil
}

// Get reassembles the bytes stored under addr.
func (s *BadgerStore) Get(ctx context.Context, addr Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := addr.CID()
	if err != nil {
		return nil, fmt.Errorf("cas: invalid address %q: %w", addr, err)
	}

	root, err := s.dag.Get(ctx, c)
	if format.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("cas: read %s: %w", addr, err)
	}

	r, err := uio.NewDagReader(ctx, root, s.dag)
	if err != nil {
		return nil, fmt.Errorf("cas: read %s: %w", addr, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cas: read %s: %w", addr, err)
	}
	return data, nil
}
