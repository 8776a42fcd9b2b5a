// Package exhibit prepares street-view images for printing as letter
// exhibits.
package exhibit

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"

	"autopilot/internal/apperr"

	"golang.org/x/image/draw"
)

const jpegQuality = 85

// MaxUploadBytes bounds how much of an upload is read.
const MaxUploadBytes = 10 << 20

// Prepare decodes a PNG or JPEG, scales it down to maxWidth when wider,
// and re-encodes it as JPEG.
func Prepare(r io.Reader, maxWidth int) ([]byte, error) {
	src, format, err := image.Decode(io.LimitReader(r, MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: decode exhibit image: %v", apperr.ErrValidation, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: unsupported exhibit format %q", apperr.ErrValidation, format)
	}
	out := Fit(src, maxWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode exhibit: %w", err)
	}
	return buf.Bytes(), nil
}

// Fit returns src unchanged when it already fits, otherwise a copy scaled
// to maxWidth with the aspect ratio kept.
func Fit(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return src
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
