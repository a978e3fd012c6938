// Package codec decodes compressed frames into images.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// ErrEmptyFrame is returned for zero-length input.
var ErrEmptyFrame = errors.New("codec: empty frame")

// Decoder turns compressed frame bytes into an image.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (image.Image, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(data []byte) (image.Image, error) { return f(data) }

// JPEG decodes baseline and progressive JPEG frames.
type JPEG struct{}

// Decode implements Decoder. A decoded image with an empty bounds rectangle
// counts as a failure.
func (JPEG) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: jpeg: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, errors.New("codec: jpeg: empty image")
	}
	return img, nil
}

// Encode writes img as JPEG with the given quality (1-100).
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("codec: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
