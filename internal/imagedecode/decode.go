// Package imagedecode turns uploaded bytes into a colour pixel buffer that
// recognition engines can consume.
package imagedecode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the channel count of every decoded buffer. Alpha is dropped
// the same way a colour-only decoder would.
const Channels = 3

// DefaultMaxPixels bounds width*height for Decode. Larger rasters are
// refused before any pixel memory is allocated.
const DefaultMaxPixels = 40_000_000

var (
	// ErrEmptyInput is returned for zero-length input.
	ErrEmptyInput = errors.New("empty image data")
	// ErrTooManyPixels is returned when the declared dimensions exceed the
	// pixel limit.
	ErrTooManyPixels = errors.New("image dimensions exceed the pixel limit")
)

// DecodeError reports bytes that could not be decoded as an image.
type DecodeError struct {
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image: %v", e.Err)
}

// Unwrap returns the codec error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PixelBuffer is a decoded raster owned by a single request.
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int
	// Format is the codec name reported by the image registry, e.g. "png".
	Format string

	img *image.NRGBA
}

// Image exposes the decoded pixels. Callers must not modify them.
func (p *PixelBuffer) Image() image.Image {
	return p.img
}

// EncodePNG returns a lossless PNG encoding of the buffer for engines that
// take encoded bytes instead of pixels.
func (p *PixelBuffer) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, p.img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode converts encoded image bytes into a PixelBuffer. EXIF orientation is
// applied, and transparent pixels are flattened onto white.
func Decode(data []byte) (*PixelBuffer, error) {
	return DecodeWithLimit(data, DefaultMaxPixels)
}

// DecodeWithLimit is Decode with a caller supplied bound on width*height,
// checked against the header before decoding. maxPixels <= 0 disables it.
func DecodeWithLimit(data []byte, maxPixels int64) (*PixelBuffer, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyInput}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d is over %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, &DecodeError{Err: fmt.Errorf("image has no pixels (%dx%d)", bounds.Dx(), bounds.Dy())}
	}

	return &PixelBuffer{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Channels: Channels,
		Format:   format,
		img:      flatten(img),
	}, nil
}

// FromImage wraps an in-memory image, mostly for callers that already hold
// decoded pixels.
func FromImage(img image.Image) *PixelBuffer {
	bounds := img.Bounds()
	return &PixelBuffer{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Channels: Channels,
		Format:   "raw",
		img:      flatten(img),
	}
}

// flatten composites img over an opaque white background so that the
// result has no alpha, with the origin moved to (0, 0).
func flatten(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	dst := imaging.New(bounds.Dx(), bounds.Dy(), image.White)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}
