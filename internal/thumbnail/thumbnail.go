// Package thumbnail produces small JPEG previews of uploaded images.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
)

// MaxSide is the longest edge of a generated thumbnail.
const MaxSide = 256

// MaxPixels bounds the source images Generate will decode.
const MaxPixels = 50_000_000

var (
	ErrUnsupported = errors.New("unsupported image type")
	ErrTooLarge    = errors.New("image too large")
)

// Detect returns the sniffed MIME type of data.
func Detect(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsImage reports whether data sniffs as an image.
func IsImage(data []byte) bool {
	return strings.HasPrefix(Detect(data), "image/")
}

// Generate decodes data and returns a JPEG scaled to fit MaxSide. Images
// whose header declares more than MaxPixels are refused before decoding.
func Generate(data []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if !IsImage(data) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	var src image.Image
	switch mimetype.Detect(data).String() {
	case "image/jpeg":
		src, err = jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		src, err = png.Decode(bytes.NewReader(data))
	case "image/gif":
		src, err = gif.Decode(bytes.NewReader(data))
	default:
		return nil, ErrUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), MaxSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}

func fit(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return max1(w), max1(h)
	}
	if w >= h {
		return max, max1(h * max / w)
	}
	return max1(w * max / h), max
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
