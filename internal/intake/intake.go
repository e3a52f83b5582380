// Package intake validates and normalizes uploaded images before they are
// sent to the caption model. Every accepted image is re-encoded as JPEG so
// downstream components handle a single format.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	_ "image/gif"
	_ "image/png"
)

var (
	ErrNoFiles          = errors.New("at least one image is required")
	ErrTooManyFiles     = errors.New("too many images")
	ErrFileTooLarge     = errors.New("image exceeds size limit")
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrUndecodableImage = errors.New("image could not be decoded")
	ErrImageTooSmall    = errors.New("image dimensions too small")
)

const (
	MaxFiles      = 5
	MaxFileBytes  = 5 * 1024 * 1024
	MinDimension  = 10
	outputQuality = 90
)

// File is one uploaded image as received from the multipart form.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Data        []byte
}

// Image is a normalized upload ready for captioning.
type Image struct {
	Name   string
	JPEG   []byte
	Width  int
	Height int
}

// Validate enforces batch and per-file limits without decoding anything.
// It runs before normalization so oversized payloads are rejected cheaply.
func Validate(files []File) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(files) > MaxFiles {
		return fmt.Errorf("%w: got %d, limit %d", ErrTooManyFiles, len(files), MaxFiles)
	}
	for _, f := range files {
		if f.Size > MaxFileBytes || int64(len(f.Data)) > MaxFileBytes {
			return fmt.Errorf("%w: %s", ErrFileTooLarge, f.Name)
		}
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(f.ContentType)), "image/") {
			return fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, f.Name, f.ContentType)
		}
	}
	return nil
}

// Normalize decodes each file, checks minimum dimensions, and re-encodes it
// as JPEG. The whole batch fails if any file fails, matching the
// all-or-nothing contract of the caption endpoint.
func Normalize(files []File) ([]Image, error) {
	out := make([]Image, 0, len(files))
	for _, f := range files {
		img, _, err := image.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUndecodableImage, f.Name)
		}
		bounds := img.Bounds()
		width := bounds.Dx()
		height := bounds.Dy()
		if width < MinDimension || height < MinDimension {
			return nil, fmt.Errorf("%w: %s is %dx%d, minimum %dpx per side",
				ErrImageTooSmall, f.Name, width, height, MinDimension)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: outputQuality}); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		out = append(out, Image{
			Name:   f.Name,
			JPEG:   buf.Bytes(),
			Width:  width,
			Height: height,
		})
	}
	return out, nil
}
