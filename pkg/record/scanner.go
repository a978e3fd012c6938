package record

import "errors"

// Scanner walks a chunk buffer record by record.
//
//	sc := record.NewScanner(chunk)
//	for sc.Scan() {
//		rec := sc.Record()
//		...
//	}
//	if err := sc.Err(); err != nil { ... }
//
// Records with an unknown tag are still returned by Scan; RecordErr reports
// them so the caller can skip that single record. A truncated tail ends the
// scan and Err returns the *TruncatedRecordError.
type Scanner struct {
	buf       []byte
	offset    int
	recOffset int
	rec       Record
	recErr    error
	parsed    int
	err       error
}

// NewScanner returns a Scanner over buf. buf is not copied.
func NewScanner(buf []byte) *Scanner {
	return &Scanner{buf: buf}
}

// Scan advances to the next record. It returns false at the end of the buffer
// or when the remaining bytes do not form a complete record.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.offset >= len(s.buf) {
		return false
	}

	rec, next, err := Decode(s.buf, s.offset)
	if err != nil {
		var truncated *TruncatedRecordError
		if errors.As(err, &truncated) {
			truncated.Parsed = s.parsed
			s.err = truncated
			return false
		}
		var unknown *UnknownTagError
		if !errors.As(err, &unknown) {
			s.err = err
			return false
		}
	}

	s.rec = rec
	s.recErr = err
	s.recOffset = s.offset
	s.offset = next
	s.parsed++
	return true
}

// Record returns the record produced by the last call to Scan.
func (s *Scanner) Record() Record { return s.rec }

// RecordErr returns the per-record error (an *UnknownTagError) of the last
// scanned record, or nil.
func (s *Scanner) RecordErr() error { return s.recErr }

// Offset returns the byte offset of the last scanned record.
func (s *Scanner) Offset() int { return s.recOffset }

// Parsed returns the number of complete records read so far.
func (s *Scanner) Parsed() int { return s.parsed }

// Err returns the error that stopped the scan, nil at a clean end.
func (s *Scanner) Err() error { return s.err }

// DecodeAll decodes every complete record in buf, in order. Records with an
// unknown tag are skipped. When the buffer ends inside a record the records
// read so far are returned together with the *TruncatedRecordError.
func DecodeAll(buf []byte) ([]Record, error) {
	var records []Record
	sc := NewScanner(buf)
	for sc.Scan() {
		if sc.RecordErr() != nil {
			continue
		}
		records = append(records, sc.Record())
	}
	return records, sc.Err()
}
