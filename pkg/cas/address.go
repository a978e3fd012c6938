// Package cas computes content addresses and provides a local
// content-addressed store for running without an IPFS node.
package cas

import (
	"bytes"
	"fmt"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/ipld/unixfs/importer"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
)

// Address is the content identifier returned by a store for a chunk.
type Address string

func (a Address) String() string { return string(a) }

// ParseAddress validates s as a CID.
func ParseAddress(s string) (Address, error) {
	if _, err := cid.Decode(s); err != nil {
		return "", fmt.Errorf("cas: invalid address %q: %w", s, err)
	}
	return Address(s), nil
}

// CID decodes the address.
func (a Address) CID() (cid.Cid, error) {
	return cid.Decode(string(a))
}

// IsV0 reports whether the address is a CIDv0, the format ComputeAddress
// produces.
func (a Address) IsV0() bool {
	c, err := a.CID()
	return err == nil && c.Version() == 0
}

// ComputeAddress returns the CIDv0 that `ipfs add` with default settings
// assigns to data: a balanced UnixFS DAG over 256 KiB chunks.
func ComputeAddress(data []byte) (Address, error) {
	return buildDAG(newMemoryDAG(), data)
}

// buildDAG imports data into dag and returns the address of the root node.
func buildDAG(dag format.DAGService, data []byte) (Address, error) {
	nd, err := importer.BuildDagFromReader(dag, chunker.DefaultSplitter(bytes.NewReader(data)))
	if err != nil {
		return "", fmt.Errorf("cas: build dag: %w", err)
	}
	return Address(nd.Cid().String()), nil
}

// Verify checks that data hashes to a. Only CIDv0 addresses can be checked;
// for other versions ok is false and err is nil.
func Verify(a Address, data []byte) (ok bool, err error) {
	if !a.IsV0() {
		return false, nil
	}
	got, err := ComputeAddress(data)
	if err != nil {
		return false, err
	}
	if got != a {
		return false, &MismatchError{Want: a, Got: got}
	}
	return true, nil
}

// MismatchError reports content that does not hash to its address.
type MismatchError struct {
	Want Address
	Got  Address
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("cas: content hashes to %s, want %s", e.Got, e.Want)
}
