// Package codec defines the image codec engine consumed by the cache and
// downloader. The engine is an external collaborator: callers may plug in
// their own implementation, the default one only delegates to the decoders
// registered with Go's image package.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif"
)

// Format identifies an encoding format for Encode.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ErrUnknownFormat is returned by Encode for formats the engine does not support.
var ErrUnknownFormat = errors.New("unknown image format")

// Engine decodes and encodes image payloads.
type Engine interface {
	// Decode decodes a complete payload into an image.
	Decode(data []byte) (image.Image, error)

	// IncrementalDecode attempts to produce a displayable image from a
	// partial payload. finished reports whether data is the complete body.
	// A nil image with a nil error means "no displayable image yet".
	IncrementalDecode(data []byte, finished bool) (image.Image, error)

	// Encode serializes an image in the given format.
	Encode(img image.Image, format Format) ([]byte, error)

	// ContainsAlpha reports whether the image carries a non-opaque pixel.
	ContainsAlpha(img image.Image) bool
}

// StdEngine implements Engine on top of the standard image decoder registry
// (png, jpeg and gif are registered by this package).
type StdEngine struct {
	// JPEGQuality is used when encoding to FormatJPEG. Zero means jpeg.DefaultQuality.
	JPEGQuality int
}

// NewStdEngine returns an engine backed by the standard library decoders.
func NewStdEngine() *StdEngine {
	return &StdEngine{}
}

func (e *StdEngine) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// IncrementalDecode decodes whatever prefix of the payload is available. The
// standard decoders cannot emit truncated frames, so a partial payload only
// yields an image once enough of the body is present for a full decode; until
// then it reports no image without an error.
func (e *StdEngine) IncrementalDecode(data []byte, finished bool) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if finished {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return nil, nil
	}
	return img, nil
}

func (e *StdEngine) Encode(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatJPEG:
		quality := e.JPEGQuality
		if quality == 0 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	return buf.Bytes(), nil
}

func (e *StdEngine) ContainsAlpha(img image.Image) bool {
	if img == nil {
		return false
	}
	if op, ok := img.(interface{ Opaque() bool }); ok {
		return !op.Opaque()
	}

	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// PreferredFormat picks the disk encoding format for an image: lossless PNG
// when transparency must survive, lossy JPEG otherwise.
func PreferredFormat(e Engine, img image.Image) Format {
	if e.ContainsAlpha(img) {
		return FormatPNG
	}
	return FormatJPEG
}
