package record

import "fmt"

// PayloadTooLargeError rejects a payload the length prefix cannot describe.
type PayloadTooLargeError struct {
	Size uint64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("record: payload of %d bytes exceeds maximum of %d", e.Size, uint64(MaxPayloadSize))
}

// TruncatedRecordError reports a record cut short by the end of the buffer.
// Parsed is filled in by Scanner with the number of complete records read
// before the truncation.
type TruncatedRecordError struct {
	Offset    int
	Need      int
	Remaining int
	Parsed    int
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("record: truncated record at offset %d: need %d bytes, %d remaining (%d complete records parsed)",
		e.Offset, e.Need, e.Remaining, e.Parsed)
}

// UnknownTagError reports a record whose tag is not a CipherTag member.
type UnknownTagError struct {
	Tag    CipherTag
	Offset int
}

func (e *UnknownTagError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("record: unknown cipher tag %d", uint8(e.Tag))
	}
	return fmt.Sprintf("record: unknown cipher tag %d at offset %d", uint8(e.Tag), e.Offset)
}
