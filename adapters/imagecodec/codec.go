// Package imagecodec turns uploaded images into bounded PNG thumbnails.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/satriahrh/skincarebot/domain"
)

// DefaultMaxPixels bounds the declared size of images passed to Shrink and
// Sniff. Decoding allocates width*height up front, before reading pixels.
const DefaultMaxPixels = 50_000_000

var (
	errEmpty    = errors.New("image data is empty")
	errTooLarge = errors.New("image data exceeds maximum size")
	errTooMany  = errors.New("image dimensions exceed pixel limit")
)

// Thumbnail is a size-bounded PNG copy of an image.
type Thumbnail struct {
	PNG    []byte
	Width  int
	Height int
}

// Encoded returns the transport-safe form stored on a Turn.
func (t Thumbnail) Encoded() string {
	return base64.StdEncoding.EncodeToString(t.PNG)
}

// Shrink decodes data and scales it so neither side exceeds maxDimension.
// Aspect ratio is kept and images are never upscaled. Images declaring more
// than DefaultMaxPixels are rejected before any pixel data is decoded.
func Shrink(data []byte, maxDimension int) (Thumbnail, error) {
	return shrink(data, maxDimension, DefaultMaxPixels)
}

func shrink(data []byte, maxDimension int, maxPixels int64) (Thumbnail, error) {
	if _, err := inspect(data, maxPixels); err != nil {
		return Thumbnail{}, err
	}
	if maxDimension <= 0 {
		return Thumbnail{}, fmt.Errorf("invalid max dimension %d", maxDimension)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Thumbnail{}, &domain.ImageDecodeError{Err: err}
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxDimension)

	out := src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return Thumbnail{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	return Thumbnail{PNG: buf.Bytes(), Width: w, Height: h}, nil
}

// ShrinkAndEncode is Shrink followed by base64 encoding.
func ShrinkAndEncode(data []byte, maxDimension int) (string, error) {
	thumb, err := Shrink(data, maxDimension)
	if err != nil {
		return "", err
	}
	return thumb.Encoded(), nil
}

// Decode reverses the transport encoding of a thumbnail.
func Decode(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &domain.ImageDecodeError{Err: fmt.Errorf("invalid base64: %w", err)}
	}
	return data, nil
}

// Sniff returns the MIME type of data if it is a decodable image within
// DefaultMaxPixels.
func Sniff(data []byte) (string, error) {
	return inspect(data, DefaultMaxPixels)
}

// inspect reads only the image header. maxPixels <= 0 disables the area check.
func inspect(data []byte, maxPixels int64) (string, error) {
	if len(data) == 0 {
		return "", &domain.ImageDecodeError{Err: errEmpty}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", &domain.ImageDecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", &domain.ImageDecodeError{Err: fmt.Errorf("empty %s image", format)}
	}
	if area := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && area > maxPixels {
		return "", &domain.ImageDecodeError{
			Err: fmt.Errorf("%w: %dx%d (max %d pixels)", errTooMany, cfg.Width, cfg.Height, maxPixels),
		}
	}
	return "image/" + format, nil
}

// fit computes the bounded size of a w x h image.
func fit(w, h, maxDimension int) (int, int) {
	if w <= maxDimension && h <= maxDimension {
		return w, h
	}
	if w >= h {
		return maxDimension, scaled(h, maxDimension, w)
	}
	return scaled(w, maxDimension, h), maxDimension
}

func scaled(side, num, den int) int {
	v := int(math.Round(float64(side) * float64(num) / float64(den)))
	if v < 1 {
		return 1
	}
	return v
}

// Codec prepares uploads for a session: validation, MIME detection and the
// display thumbnail.
type Codec struct {
	MaxDimension int
	MaxBytes     int64
	MaxPixels    int64
}

// New returns a Codec. maxPixels <= 0 falls back to DefaultMaxPixels.
func New(maxDimension int, maxBytes, maxPixels int64) *Codec {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Codec{MaxDimension: maxDimension, MaxBytes: maxBytes, MaxPixels: maxPixels}
}

// Prepare validates an upload and returns the raw image for the model along
// with its thumbnail. The raw bytes are not modified.
func (c *Codec) Prepare(data []byte) (domain.Image, Thumbnail, error) {
	if c.MaxBytes > 0 && int64(len(data)) > c.MaxBytes {
		return domain.Image{}, Thumbnail{}, &domain.ImageDecodeError{
			Err: fmt.Errorf("%w: %d bytes (max %d)", errTooLarge, len(data), c.MaxBytes),
		}
	}

	mimeType, err := inspect(data, c.MaxPixels)
	if err != nil {
		return domain.Image{}, Thumbnail{}, err
	}

	thumb, err := shrink(data, c.MaxDimension, c.MaxPixels)
	if err != nil {
		return domain.Image{}, Thumbnail{}, err
	}

	return domain.Image{Data: data, MIMEType: mimeType}, thumb, nil
}
