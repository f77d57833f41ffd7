package decoder

import (
	"context"
	"image"
	"io"

	"golang.org/x/image/webp"

	"github.com/Skryldev/image-dither/core"
)

// WebP decodes WebP images using golang.org/x/image/webp.
// Animated WebP is not supported; use the vips backend for it.
type WebP struct{}

func NewWebP() *WebP { return &WebP{} }

func (w *WebP) CanDecode(format core.Format) bool { return format == core.FormatWebP }

func (w *WebP) Decode(ctx context.Context, r io.Reader) (image.Image, error) {
	return decode(ctx, "webp.decode", r, webp.Decode)
}
