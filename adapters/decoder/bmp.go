package decoder

import (
	"context"
	"image"
	"io"

	"golang.org/x/image/bmp"

	"github.com/Skryldev/image-dither/core"
)

// BMP decodes Windows bitmaps.
type BMP struct{}

func NewBMP() *BMP { return &BMP{} }

func (b *BMP) CanDecode(format core.Format) bool { return format == core.FormatBMP }

func (b *BMP) Decode(ctx context.Context, r io.Reader) (image.Image, error) {
	return decode(ctx, "bmp.decode", r, bmp.Decode)
}
