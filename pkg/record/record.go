// Package record implements the frame record, the atomic unit of the chunk
// container format.
//
// A record is laid out as
//
//	u8 tag || u32 big-endian payload length || payload
//
// and a chunk is the raw concatenation of records with no header, trailer or
// checksum. The length prefix is the only thing a reader needs to find the end
// of a record.
package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is the number of bytes in front of every payload.
const HeaderSize = 5

// MaxPayloadSize is the largest payload the 4-byte length field can describe.
const MaxPayloadSize = math.MaxUint32

// CipherTag names the cipher that produced a record payload. It is a closed
// set: every site that switches on a tag must handle both members and reject
// anything else.
type CipherTag uint8

const (
	// Stream marks a payload sealed with the stream cipher (no integrity).
	Stream CipherTag = 0
	// StrongAEAD marks a payload sealed with the authenticated cipher.
	StrongAEAD CipherTag = 1
)

// Valid reports whether t is a member of the union.
func (t CipherTag) Valid() bool {
	switch t {
	case Stream, StrongAEAD:
		return true
	default:
		return false
	}
}

func (t CipherTag) String() string {
	switch t {
	case Stream:
		return "stream"
	case StrongAEAD:
		return "strong-aead"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record is one decoded frame record. Payload aliases the buffer it was
// decoded from.
type Record struct {
	Tag     CipherTag
	Payload []byte
}

// Size returns the encoded length of the record.
func (r Record) Size() int {
	return HeaderSize + len(r.Payload)
}

// Encode serializes a record into a new slice.
func Encode(tag CipherTag, payload []byte) ([]byte, error) {
	if err := checkPayloadSize(len(payload)); err != nil {
		return nil, err
	}
	return Append(make([]byte, 0, HeaderSize+len(payload)), tag, payload)
}

// Append serializes a record onto dst and returns the extended slice.
func Append(dst []byte, tag CipherTag, payload []byte) ([]byte, error) {
	if err := checkPayloadSize(len(payload)); err != nil {
		return dst, err
	}
	if !tag.Valid() {
		return dst, &UnknownTagError{Tag: tag, Offset: -1}
	}
	var header [HeaderSize]byte
	header[0] = byte(tag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

func checkPayloadSize(n int) error {
	if uint64(n) > MaxPayloadSize {
		return &PayloadTooLargeError{Size: uint64(n)}
	}
	return nil
}

// Decode reads the record starting at offset and returns it together with the
// offset of the following record.
//
// A *TruncatedRecordError means the buffer ends inside a record header or
// payload. Readers treat it as the end of usable data, not as corruption.
// An *UnknownTagError is returned together with a valid next offset so the
// caller can skip the record.
func Decode(buf []byte, offset int) (Record, int, error) {
	if offset < 0 || offset > len(buf) {
		return Record{}, offset, fmt.Errorf("record: offset %d out of range [0,%d]", offset, len(buf))
	}

	remaining := len(buf) - offset
	if remaining < HeaderSize {
		return Record{}, offset, &TruncatedRecordError{
			Offset:    offset,
			Need:      HeaderSize,
			Remaining: remaining,
		}
	}

	tag := CipherTag(buf[offset])
	length := uint64(binary.BigEndian.Uint32(buf[offset+1 : offset+HeaderSize]))
	if length > uint64(remaining-HeaderSize) {
		return Record{}, offset, &TruncatedRecordError{
			Offset:    offset,
			Need:      HeaderSize + int(length),
			Remaining: remaining,
		}
	}

	start := offset + HeaderSize
	end := start + int(length)
	rec := Record{Tag: tag, Payload: buf[start:end:end]}
	if !tag.Valid() {
		return rec, end, &UnknownTagError{Tag: tag, Offset: offset}
	}
	return rec, end, nil
}
