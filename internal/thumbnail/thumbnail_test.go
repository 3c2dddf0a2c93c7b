package thumbnail

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestGenerateScalesDown(t *testing.T) {
	out, err := Generate(pngBytes(t, 1024, 512))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("thumbnail is not a jpeg: %v", err)
	}
	if got := img.Bounds().Size(); got.X != 256 || got.Y != 128 {
		t.Errorf("thumbnail size = %v, want 256x128", got)
	}
}

func TestGenerateKeepsSmallImages(t *testing.T) {
	out, err := Generate(pngBytes(t, 40, 30))
	if err != nil {
		t.Fatal(err)
	}
	img, _ := jpeg.Decode(bytes.NewReader(out))
	if got := img.Bounds().Size(); got.X != 40 || got.Y != 30 {
		t.Errorf("thumbnail size = %v, want 40x30", got)
	}
}

func TestGenerateRejectsNonImages(t *testing.T) {
	if _, err := Generate([]byte("%PDF-1.4 not an image")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if IsImage([]byte("plain text")) {
		t.Error("plain text detected as image")
	}
}

func TestGenerateCorruptImage(t *testing.T) {
	data := pngBytes(t, 10, 10)
	if _, err := Generate(data[:20]); err == nil {
		t.Error("expected decode error for truncated png")
	}
}

// hugePNGHeader is a PNG signature and IHDR chunk declaring a w x h RGBA
// image with no pixel data behind it.
func hugePNGHeader(w, h uint32) []byte {
	ihdr := make([]byte, 17)
	copy(ihdr, "IHDR")
	binary.BigEndian.PutUint32(ihdr[4:], w)
	binary.BigEndian.PutUint32(ihdr[8:], h)
	ihdr[12], ihdr[13] = 8, 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(ihdr)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(ihdr))
	return buf.Bytes()
}

func TestGenerateRefusesOversizedImage(t *testing.T) {
	data := hugePNGHeader(1<<29, 1<<29)
	if !IsImage(data) {
		t.Fatal("header should sniff as png")
	}
	if _, err := Generate(data); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
	if _, err := Generate(hugePNGHeader(10_000, 10_000)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("100MP: err = %v, want ErrTooLarge", err)
	}
}
