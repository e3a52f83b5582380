package intake

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func pngFile(t *testing.T, name string, width, height int) File {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return File{
		Name:        name,
		Size:        int64(buf.Len()),
		ContentType: "image/png",
		Data:        buf.Bytes(),
	}
}

func TestValidateLimits(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("empty batch err = %v, want ErrNoFiles", err)
	}

	files := make([]File, 6)
	for i := range files {
		files[i] = pngFile(t, "a.png", 16, 16)
	}
	if err := Validate(files); !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("six files err = %v, want ErrTooManyFiles", err)
	}

	big := pngFile(t, "big.png", 16, 16)
	big.Size = MaxFileBytes + 1
	if err := Validate([]File{big}); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("oversized err = %v, want ErrFileTooLarge", err)
	}

	wrong := pngFile(t, "doc.pdf", 16, 16)
	wrong.ContentType = "application/pdf"
	if err := Validate([]File{wrong}); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("non-image err = %v, want ErrUnsupportedType", err)
	}

	if err := Validate([]File{pngFile(t, "ok.png", 16, 16)}); err != nil {
		t.Fatalf("valid batch err = %v", err)
	}
}

func TestNormalizeReencodesAsJPEG(t *testing.T) {
	files := []File{
		pngFile(t, "one.png", 20, 12),
		pngFile(t, "two.png", 64, 64),
	}
	images, err := Normalize(files)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("got %d images, want 2", len(images))
	}
	for _, img := range images {
		decoded, format, err := image.Decode(bytes.NewReader(img.JPEG))
		if err != nil {
			t.Fatalf("decode output %s: %v", img.Name, err)
		}
		if format != "jpeg" {
			t.Fatalf("output format = %q, want jpeg", format)
		}
		if decoded.Bounds().Dx() != img.Width || decoded.Bounds().Dy() != img.Height {
			t.Fatalf("output dimensions mismatch for %s", img.Name)
		}
	}
}

func TestNormalizeRejectsTinyImage(t *testing.T) {
	files := []File{
		pngFile(t, "ok.png", 32, 32),
		pngFile(t, "tiny.png", 8, 32),
	}
	if _, err := Normalize(files); !errors.Is(err, ErrImageTooSmall) {
		t.Fatalf("tiny image err = %v, want ErrImageTooSmall", err)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	files := []File{{
		Name:        "noise.png",
		Size:        4,
		ContentType: "image/png",
		Data:        []byte("nope"),
	}}
	if _, err := Normalize(files); !errors.Is(err, ErrUndecodableImage) {
		t.Fatalf("garbage err = %v, want ErrUndecodableImage", err)
	}
}

func TestNormalizeAcceptsJPEGInput(t *testing.T) {
	src := pngFile(t, "photo.jpg", 40, 40)
	img, _, err := image.Decode(bytes.NewReader(src.Data))
	if err != nil {
		t.Fatalf("decode source: %v", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	file := File{Name: "photo.jpg", Size: int64(buf.Len()), ContentType: "image/jpeg", Data: buf.Bytes()}
	out, err := Normalize([]File{file})
	if err != nil {
		t.Fatalf("normalize jpeg: %v", err)
	}
	if out[0].Width != 40 || out[0].Height != 40 {
		t.Fatalf("dimensions = %dx%d, want 40x40", out[0].Width, out[0].Height)
	}
}
