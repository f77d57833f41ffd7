// Package algorithm implements the bi-level dithering transforms.
//
// Every transform takes an RGBA buffer of width*height*4 bytes, rewrites the
// R, G and B samples of each pixel in place to 0 or 255 and leaves alpha
// untouched.  Transforms are pure and deterministic; they hold no state and
// are safe to call concurrently on distinct buffers.
package algorithm

import (
	"fmt"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// Func is the shape shared by all transforms.
type Func func(data core.PixelBuffer, width, height int) error

// For returns the transform selected by a.  Unrecognised selectors fall back
// to Floyd-Steinberg; this is the documented default, not an error.
func For(a core.Algorithm) Func {
	if a == core.AlgorithmBayer {
		return Bayer
	}
	return FloydSteinberg
}

// Apply runs the transform selected by a over data.
func Apply(a core.Algorithm, data core.PixelBuffer, width, height int) error {
	return For(a)(data, width, height)
}

// Parse maps a command selector to an Algorithm.  An empty selector yields
// the Floyd-Steinberg default.  Unknown selectors are passed through so the
// worker can apply its own default.
func Parse(s string) core.Algorithm {
	if s == "" {
		return core.AlgorithmFloydSteinberg
	}
	return core.Algorithm(s)
}

func validate(op string, data core.PixelBuffer, width, height int) error {
	if width < 1 || height < 1 {
		return apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, width, height))
	}
	if len(data) != width*height*4 {
		return apperrors.New(apperrors.CategoryInput, op,
			fmt.Errorf("%w: buffer has %d bytes, want %d", apperrors.ErrInvalidDimensions, len(data), width*height*4))
	}
	return nil
}

// Luma returns the perceptual brightness of an RGB triple.
func Luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
