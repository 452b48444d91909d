package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Enhance prepares a page render for OCR: bound the longest side to maxDim
// (never enlarging), lift brightness and contrast, convert to grayscale,
// stretch the histogram and apply a mild sharpen. The result is PNG-encoded.
func Enhance(img image.Image, maxDim int) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image")
	}

	out := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	out = imaging.AdjustBrightness(out, 10)
	out = imaging.AdjustContrast(out, 20)
	out = imaging.Grayscale(out)
	out = stretch(out)
	out = imaging.Sharpen(out, 1)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode enhanced image: %w", err)
	}
	return buf.Bytes(), nil
}

func safeEnhance(img image.Image, maxDim int) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enhance panicked: %v", r)
		}
	}()
	return Enhance(img, maxDim)
}

// stretch maps the darkest gray level to 0 and the brightest to 255.
// img must already be grayscale.
func stretch(img *image.NRGBA) *image.NRGBA {
	lo, hi := uint8(255), uint8(0)
	for i := 0; i < len(img.Pix); i += 4 {
		v := img.Pix[i]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo || (lo == 0 && hi == 255) {
		return img
	}
	scale := 255.0 / float64(hi-lo)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		v := uint8(float64(c.R-lo)*scale + 0.5)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}
