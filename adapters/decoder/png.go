package decoder

import (
	"context"
	"image"
	"image/png"
	"io"

	"github.com/Skryldev/image-dither/core"
)

// PNG decodes PNG images using the standard library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanDecode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Decode(ctx context.Context, r io.Reader) (image.Image, error) {
	return decode(ctx, "png.decode", r, png.Decode)
}
