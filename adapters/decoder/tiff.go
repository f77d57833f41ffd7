package decoder

import (
	"context"
	"image"
	"io"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/image-dither/core"
)

// TIFF decodes baseline TIFF images.
type TIFF struct{}

func NewTIFF() *TIFF { return &TIFF{} }

func (t *TIFF) CanDecode(format core.Format) bool { return format == core.FormatTIFF }

func (t *TIFF) Decode(ctx context.Context, r io.Reader) (image.Image, error) {
	return decode(ctx, "tiff.decode", r, tiff.Decode)
}
