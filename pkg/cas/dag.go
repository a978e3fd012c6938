package cas

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/boxo/blockservice"
	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/boxo/exchange/offline"
	"github.com/ipfs/boxo/ipld/merkledag"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	format "github.com/ipfs/go-ipld-format"
)

const blockPrefix = "cas/block/"

// newMemoryDAG returns a DAG service that keeps nodes in memory only.
func newMemoryDAG() format.DAGService {
	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	return merkledag.NewDAGService(blockservice.New(bs, offline.Exchange(bs)))
}

// badgerDAG stores every DAG node under its own key, so a chunk of any size
// is written as values no larger than one UnixFS leaf.
type badgerDAG struct {
	db *badger.DB
}

var _ format.DAGService = (*badgerDAG)(nil)

func blockKey(c cid.Cid) []byte {
	return []byte(blockPrefix + c.String())
}

func (d *badgerDAG) Add(ctx context.Context, nd format.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(nd.Cid()), nd.RawData())
	})
}

// AddMany may be called concurrently by the importer's batch.
func (d *badgerDAG) AddMany(ctx context.Context, nds []format.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, nd := range nds {
		if err := wb.Set(blockKey(nd.Cid()), nd.RawData()); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (d *badgerDAG) Get(ctx context.Context, c cid.Cid) (format.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(c))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, format.ErrNotFound{Cid: c}
	}
	if err != nil {
		return nil, err
	}

	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return nil, fmt.Errorf("cas: block %s: %w", c, err)
	}
	switch c.Prefix().Codec {
	case cid.DagProtobuf:
		return merkledag.DecodeProtobufBlock(blk)
	case cid.Raw:
		return merkledag.DecodeRawBlock(blk)
	default:
		return nil, fmt.Errorf("cas: block %s: unsupported codec %#x", c, c.Prefix().Codec)
	}
}

func (d *badgerDAG) GetMany(ctx context.Context, cids []cid.Cid) <-chan *format.NodeOption {
	out := make(chan *format.NodeOption, len(cids))
	go func() {
		defer close(out)
		for _, c := range cids {
			nd, err := d.Get(ctx, c)
			select {
			case out <- &format.NodeOption{Node: nd, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (d *badgerDAG) Remove(ctx context.Context, c cid.Cid) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(c))
	})
}

func (d *badgerDAG) RemoveMany(ctx context.Context, cids []cid.Cid) error {
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, c := range cids {
		if err := wb.Delete(blockKey(c)); err != nil {
			return err
		}
	}
	return wb.Flush()
}
