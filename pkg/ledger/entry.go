package ledger

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-cctv/pkg/cas"
)

// Entry records one stored chunk.
type Entry struct {
	StreamID     string
	SessionID    string
	Index        uint64
	Address      cas.Address
	Frames       uint64
	StrongFrames uint64
	Size         uint64
	StartedAt    time.Time
	SealedAt     time.Time
	StoredAt     time.Time
	// SpoolPath is the local copy of the chunk, empty once it was removed.
	SpoolPath string
}

// Field numbers of the wire encoding. Never reuse a number.
const (
	fieldStreamID     protowire.Number = 1
	fieldSessionID    protowire.Number = 2
	fieldIndex        protowire.Number = 3
	fieldAddress      protowire.Number = 4
	fieldFrames       protowire.Number = 5
	fieldStrongFrames protowire.Number = 6
	fieldSize         protowire.Number = 7
	fieldStartedAt    protowire.Number = 8
	fieldSealedAt     protowire.Number = 9
	fieldStoredAt     protowire.Number = 10
	fieldSpoolPath    protowire.Number = 11
)

func entryToByte(e Entry) []byte {
	var b []byte
	b = appendString(b, fieldStreamID, e.StreamID)
	b = appendString(b, fieldSessionID, e.SessionID)
	b = appendVarint(b, fieldIndex, e.Index)
	b = appendString(b, fieldAddress, string(e.Address))
	b = appendVarint(b, fieldFrames, e.Frames)
	b = appendVarint(b, fieldStrongFrames, e.StrongFrames)
	b = appendVarint(b, fieldSize, e.Size)
	b = appendTime(b, fieldStartedAt, e.StartedAt)
	b = appendTime(b, fieldSealedAt, e.SealedAt)
	b = appendTime(b, fieldStoredAt, e.StoredAt)
	b = appendString(b, fieldSpoolPath, e.SpoolPath)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func byteToEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("ledger: decode entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("ledger: decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldStreamID:
				e.StreamID = v
			case fieldSessionID:
				e.SessionID = v
			case fieldAddress:
				e.Address = cas.Address(v)
			case fieldSpoolPath:
				e.SpoolPath = v
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("ledger: decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldIndex:
				e.Index = v
			case fieldFrames:
				e.Frames = v
			case fieldStrongFrames:
				e.StrongFrames = v
			case fieldSize:
				e.Size = v
			case fieldStartedAt:
				e.StartedAt = time.Unix(0, protowire.DecodeZigZag(v))
			case fieldSealedAt:
				e.SealedAt = time.Unix(0, protowire.DecodeZigZag(v))
			case fieldStoredAt:
				e.StoredAt = time.Unix(0, protowire.DecodeZigZag(v))
			}
		default:
			// Unknown wire types from newer writers are skipped.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("ledger: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
