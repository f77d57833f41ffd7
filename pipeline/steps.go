package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
	"github.com/Skryldev/image-dither/utils"
)

// ── Extract ───────────────────────────────────────────────────────────────────

// ExtractionKind tags how pixels were obtained.
type ExtractionKind int

const (
	// ExtractSafe: a fresh anonymous copy was decoded, or the source is
	// inline (data:, blob:) and carries no cross-origin concern.
	ExtractSafe ExtractionKind = iota
	// ExtractTainted: the anonymous fetch failed and the in-place resource
	// was rasterized instead.
	ExtractTainted
	// ExtractFailed: neither path produced pixels.
	ExtractFailed
)

func (k ExtractionKind) String() string {
	switch k {
	case ExtractSafe:
		return "safe"
	case ExtractTainted:
		return "tainted"
	}
	return "failed"
}

// Extraction is the tagged result of the two-step extraction strategy.
type Extraction struct {
	Kind   ExtractionKind
	Image  image.Image
	Format core.Format
	// FetchErr is the anonymous fetch failure that led to rasterization.
	FetchErr error
	// Err is set when Kind is ExtractFailed.
	Err error
}

// ExtractStep obtains the RGBA pixels of img.Source.  It first asks Fetcher
// for an anonymous copy and decodes it; when that fails it rasterizes the
// locator in place through img.Element.  A tainted rasterization fails in the
// cors category and is not retried.
type ExtractStep struct {
	Registry  core.Registry
	Fetcher   core.Fetcher
	MaxBytes  int64 // 0 = no limit
	ChunkSize int
	Logger    core.Logger
}

func (s *ExtractStep) Name() string { return "extract" }

// Extract runs the strategy without touching img.
func (s *ExtractStep) Extract(ctx context.Context, img *core.ImageData) Extraction {
	src := img.Source
	if utils.IsDataURL(src) || utils.IsBlobURL(src) {
		im, err := s.rasterize(ctx, img)
		if err != nil {
			return Extraction{Kind: ExtractFailed, Err: err}
		}
		return Extraction{Kind: ExtractSafe, Image: im, Format: core.FormatUnknown}
	}

	im, format, fetchErr := s.fetch(ctx, src)
	if fetchErr == nil {
		return Extraction{Kind: ExtractSafe, Image: im, Format: format}
	}
	core.OrNop(s.Logger).Debug("pipeline.extract.fetch_failed",
		"image", img.Key, "source", src, "error", fetchErr.Error())

	im, err := s.rasterize(ctx, img)
	if err != nil {
		return Extraction{Kind: ExtractFailed, FetchErr: fetchErr, Err: err}
	}
	return Extraction{Kind: ExtractTainted, Image: im, Format: core.FormatUnknown, FetchErr: fetchErr}
}

func (s *ExtractStep) fetch(ctx context.Context, src string) (image.Image, core.Format, error) {
	if s.Fetcher == nil {
		return nil, core.FormatUnknown, apperrors.New(apperrors.CategoryInput, "extract.fetch", apperrors.ErrStorageUnavailable)
	}
	rc, err := s.Fetcher.FetchAnonymous(ctx, src)
	if err != nil {
		return nil, core.FormatUnknown, err
	}
	defer rc.Close()

	data, err := utils.ReadAll(ctx, rc, s.MaxBytes, s.ChunkSize)
	if err != nil {
		return nil, core.FormatUnknown, apperrors.Wrap(apperrors.CategoryDecode, "extract.read", err)
	}
	return core.DecodeBytes(ctx, s.Registry, data)
}

func (s *ExtractStep) rasterize(ctx context.Context, img *core.ImageData) (image.Image, error) {
	if img.Element == nil {
		return nil, apperrors.New(apperrors.CategoryInput, "extract.rasterize", apperrors.ErrEmptyInput)
	}
	return img.Element.Rasterize(ctx, img.Source)
}

func (s *ExtractStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}

	ex := s.Extract(ctx, img)
	if ex.Kind == ExtractFailed {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), ex.Err)
	}

	b := ex.Image.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, s.Name(),
			fmt.Errorf("%w: natural size %dx%d", apperrors.ErrInvalidDimensions, b.Dx(), b.Dy()))
	}

	// Clone yields a fresh, tightly packed NRGBA copy: the PixelBuffer layout.
	nrgba := imaging.Clone(ex.Image)

	out := *img
	out.Image = nil
	out.Pixels = core.PixelBuffer(nrgba.Pix)
	out.Format = ex.Format
	out.Meta.Width = b.Dx()
	out.Meta.Height = b.Dy()
	out.Meta.Tainted = ex.Kind == ExtractTainted
	return &out, nil
}

// ── Dither ────────────────────────────────────────────────────────────────────

// DitherStep sends the extracted pixels to the worker and waits for the
// bi-level result.
type DitherStep struct {
	Dispatcher core.Dispatcher
}

func (s *DitherStep) Name() string { return "dither" }

func (s *DitherStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	w, h := img.Meta.Width, img.Meta.Height
	if w <= 0 || h <= 0 || len(img.Pixels) != w*h*4 {
		return nil, apperrors.New(apperrors.CategoryInput, s.Name(),
			fmt.Errorf("%w: %d bytes for %dx%d", apperrors.ErrInvalidDimensions, len(img.Pixels), w, h))
	}

	req := core.DitherRequest{
		Width:     uint32(w),
		Height:    uint32(h),
		Data:      img.Pixels,
		Algorithm: img.Algorithm,
	}
	out := *img
	// The buffer now belongs to the worker.
	out.Pixels = nil
	img.Pixels = nil

	data, err := s.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(data) != w*h*4 {
		return nil, apperrors.New(apperrors.CategoryWorker, s.Name(),
			fmt.Errorf("%w: worker returned %d bytes for %dx%d", apperrors.ErrInvalidDimensions, len(data), w, h))
	}
	out.Pixels = data
	return &out, nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the pixel buffer into a displayable container using
// the registry.  Format defaults to PNG.
type EncodeStep struct {
	Registry    core.Registry
	Format      core.Format
	BaseOptions core.EncodeOptions
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	format := s.Format
	if format == "" {
		format = core.FormatPNG
	}
	enc, ok := s.Registry.EncoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, s.Name(),
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}

	src := img.Image
	if len(img.Pixels) > 0 {
		w, h := img.Meta.Width, img.Meta.Height
		src = &image.NRGBA{Pix: img.Pixels, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	}
	if src == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, s.Name(), apperrors.ErrEmptyInput)
	}

	data, err := enc.Encode(ctx, src, s.BaseOptions)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CategoryEncode, s.Name(), apperrors.ErrEmptyInput)
	}

	out := *img
	out.Data = data
	out.Format = format
	out.Pixels = nil
	out.Image = nil
	out.Meta.SizeBytes = int64(len(data))
	return &out, nil
}

// ── Decode ────────────────────────────────────────────────────────────────────

// DecodeStep decodes raw bytes in img.Data back into img.Image.  It is used to
// verify materialized resources.
type DecodeStep struct {
	Registry core.Registry
}

func (s *DecodeStep) Name() string { return "decode" }

func (s *DecodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image != nil {
		return img, nil // already decoded
	}
	decoded, format, err := core.DecodeBytes(ctx, s.Registry, img.Data)
	if err != nil {
		return nil, err
	}
	b := decoded.Bounds()
	out := *img
	out.Image = decoded
	out.Format = format
	out.Meta.Width = b.Dx()
	out.Meta.Height = b.Dy()
	return &out, nil
}
