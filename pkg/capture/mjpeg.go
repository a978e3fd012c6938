package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single JPEG image read from a stream.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when an image exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("capture: jpeg frame too large")

// JPEG markers.
const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8
	markerEOI    = 0xD9
	markerSOS    = 0xDA
	markerTEM    = 0x01
	markerRST0   = 0xD0
	markerRST7   = 0xD7
)

// SplitReader reads concatenated JPEG images, as produced by MJPEG streams
// and ffmpeg's image2pipe, one image at a time. It walks the marker segments
// instead of searching for an end marker, so thumbnails embedded in APPn
// segments do not end a frame early.
type SplitReader struct {
	r *bufio.Reader
}

// NewSplitReader wraps r.
func NewSplitReader(r io.Reader) *SplitReader {
	return &SplitReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// ReadFrame returns the next complete image. It returns io.EOF at a clean end
// of input and io.ErrUnexpectedEOF when the input stops inside an image.
// Bytes between images are skipped.
func (s *SplitReader) ReadFrame() ([]byte, error) {
	if err := s.seekSOI(); err != nil {
		return nil, err
	}
	frame := []byte{markerPrefix, markerSOI}

	marker, err := s.nextMarker(&frame)
	for {
		if err != nil {
			return nil, eofInFrame(err)
		}
		switch {
		case marker == markerEOI:
			return frame, nil
		case marker == markerTEM, marker >= markerRST0 && marker <= markerRST7:
			// Standalone markers without a length.
		default:
			if err := s.copySegment(&frame); err != nil {
				return nil, err
			}
			if marker == markerSOS {
				// The scan ends at the next real marker, which is
				// already consumed.
				marker, err = s.copyEntropyData(&frame)
				continue
			}
		}
		marker, err = s.nextMarker(&frame)
	}
}

// seekSOI discards input up to and including the next start-of-image marker.
func (s *SplitReader) seekSOI() error {
	prev := byte(0)
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == markerPrefix && b == markerSOI {
			return nil
		}
		prev = b
	}
}

// nextMarker reads a marker, skipping fill bytes, and appends it to frame.
func (s *SplitReader) nextMarker(frame *[]byte) (byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != markerPrefix {
		return 0, fmt.Errorf("capture: expected jpeg marker, got 0x%02x", b)
	}
	for {
		m, err := s.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if m == markerPrefix {
			continue
		}
		if err := grow(frame, markerPrefix, m); err != nil {
			return 0, err
		}
		return m, nil
	}
}

// copySegment copies a length-prefixed marker segment.
func (s *SplitReader) copySegment(frame *[]byte) error {
	var hdr [2]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return eofInFrame(err)
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n < 2 {
		return fmt.Errorf("capture: invalid jpeg segment length %d", n)
	}
	if len(*frame)+n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	*frame = append(*frame, hdr[:]...)
	start := len(*frame)
	*frame = append(*frame, make([]byte, n-2)...)
	if _, err := io.ReadFull(s.r, (*frame)[start:]); err != nil {
		return eofInFrame(err)
	}
	return nil
}

// copyEntropyData copies scan data including the next marker that is
// neither a stuffed byte nor a restart marker, and returns that marker.
func (s *SplitReader) copyEntropyData(frame *[]byte) (byte, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != markerPrefix {
			if err := grow(frame, b); err != nil {
				return 0, err
			}
			continue
		}
		m, err := s.r.ReadByte()
		for err == nil && m == markerPrefix {
			m, err = s.r.ReadByte()
		}
		if err != nil {
			return 0, err
		}
		if err := grow(frame, markerPrefix, m); err != nil {
			return 0, err
		}
		if m == 0x00 || (m >= markerRST0 && m <= markerRST7) {
			continue
		}
		return m, nil
	}
}

func grow(frame *[]byte, b ...byte) error {
	if len(*frame)+len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	*frame = append(*frame, b...)
	return nil
}

func eofInFrame(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

type frameResult struct {
	frame []byte
	err   error
}

// StreamSource reads JPEG frames from a byte stream on a background
// goroutine so that Next can give up when its context ends.
type StreamSource struct {
	rc        io.ReadCloser
	frames    chan frameResult
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewStreamSource starts reading frames from rc.
func NewStreamSource(rc io.ReadCloser) *StreamSource {
	s := &StreamSource{
		rc:     rc,
		frames: make(chan frameResult, 1),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *StreamSource) read() {
	defer close(s.frames)
	sr := NewSplitReader(s.rc)
	for {
		frame, err := sr.ReadFrame()
		select {
		case s.frames <- frameResult{frame: frame, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next implements Source. A clean end of the stream is reported as ok=false.
func (s *StreamSource) Next(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-s.done:
		return nil, false, ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-s.done:
		return nil, false, ErrClosed
	case res, open := <-s.frames:
		if !open || errors.Is(res.err, io.EOF) {
			return nil, false, nil
		}
		if res.err != nil {
			return nil, false, res.err
		}
		return res.frame, true, nil
	}
}

// Close stops the reader and closes the underlying stream.
func (s *StreamSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.err = s.rc.Close()
	})
	return s.err
}
