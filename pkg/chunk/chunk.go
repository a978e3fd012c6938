// Package chunk groups encrypted frame records of one stream into time-boxed,
// append-only chunks.
package chunk

import (
	"errors"
	"time"

	"github.com/i5heu/ouroboros-cctv/pkg/record"
)

// ErrSealed is returned when appending to a sealed chunk.
var ErrSealed = errors.New("chunk: append to sealed chunk")

// Chunk is the ordered concatenation of the frame records of one stream. The
// byte order is capture order: records are only ever appended, and once the
// chunk is sealed it does not change.
type Chunk struct {
	StreamID  string
	Index     uint64
	StartedAt time.Time

	data         []byte
	frames       uint64
	strongFrames uint64
	sealed       bool
}

// New returns an empty chunk.
func New(streamID string, index uint64, startedAt time.Time) *Chunk {
	return &Chunk{StreamID: streamID, Index: index, StartedAt: startedAt}
}

// Append encodes one record and adds it to the end of the chunk. A payload
// that does not fit the length field leaves the chunk unchanged.
func (c *Chunk) Append(tag record.CipherTag, payload []byte) error {
	if c.sealed {
		return ErrSealed
	}
	data, err := record.Append(c.data, tag, payload)
	if err != nil {
		return err
	}
	c.data = data
	c.frames++
	if tag == record.StrongAEAD {
		c.strongFrames++
	}
	return nil
}

// Frames returns the number of records in the chunk.
func (c *Chunk) Frames() uint64 { return c.frames }

// StrongFrames returns the number of AEAD-sealed records in the chunk.
func (c *Chunk) StrongFrames() uint64 { return c.strongFrames }

// Size returns the serialized size in bytes.
func (c *Chunk) Size() int { return len(c.data) }

// Empty reports whether no record has been appended.
func (c *Chunk) Empty() bool { return c.frames == 0 }

// IsSealed reports whether Seal has been called.
func (c *Chunk) IsSealed() bool { return c.sealed }

// Seal makes the chunk immutable and returns its hand-off value. The chunk
// gives up its buffer to the returned value.
func (c *Chunk) Seal(sessionID string, at time.Time) Sealed {
	c.sealed = true
	s := Sealed{
		StreamID:     c.StreamID,
		SessionID:    sessionID,
		Index:        c.Index,
		Frames:       c.frames,
		StrongFrames: c.strongFrames,
		StartedAt:    c.StartedAt,
		SealedAt:     at,
		Data:         c.data,
	}
	c.data = nil
	return s
}

// Sealed is a completed chunk ready for storage.
type Sealed struct {
	StreamID     string
	SessionID    string
	Index        uint64
	Frames       uint64
	StrongFrames uint64
	StartedAt    time.Time
	SealedAt     time.Time
	// Data is the raw concatenation of the chunk's records.
	Data []byte
}
