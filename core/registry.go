package core

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	apperrors "github.com/Skryldev/image-dither/errors"
	"github.com/Skryldev/image-dither/utils"
)

// ── Registry ──────────────────────────────────────────────────────────────────

// DefaultRegistry is a thread-safe implementation of Registry.
type DefaultRegistry struct {
	mu       sync.RWMutex
	decoders map[Format]Decoder
	encoders map[Format]Encoder
}

// NewRegistry returns an empty DefaultRegistry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		decoders: make(map[Format]Decoder),
		encoders: make(map[Format]Encoder),
	}
}

func (r *DefaultRegistry) RegisterDecoder(f Format, d Decoder) {
	r.mu.Lock()
	r.decoders[f] = d
	r.mu.Unlock()
}

func (r *DefaultRegistry) RegisterEncoder(f Format, e Encoder) {
	r.mu.Lock()
	r.encoders[f] = e
	r.mu.Unlock()
}

func (r *DefaultRegistry) DecoderFor(f Format) (Decoder, bool) {
	r.mu.RLock()
	d, ok := r.decoders[f]
	r.mu.RUnlock()
	return d, ok
}

func (r *DefaultRegistry) EncoderFor(f Format) (Encoder, bool) {
	r.mu.RLock()
	e, ok := r.encoders[f]
	r.mu.RUnlock()
	return e, ok
}

// DecoderFormats lists the formats that have a registered decoder.
func (r *DefaultRegistry) DecoderFormats() []Format {
	r.mu.RLock()
	out := make([]Format, 0, len(r.decoders))
	for f := range r.decoders {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DecodeBytes sniffs the container format of data and decodes it with the
// matching decoder from reg.  A decoder registered for FormatUnknown is used
// as the fallback for unrecognised containers.
func DecodeBytes(ctx context.Context, reg Registry, data []byte) (image.Image, Format, error) {
	if len(data) == 0 {
		return nil, FormatUnknown, apperrors.New(apperrors.CategoryDecode, "decode", apperrors.ErrEmptyInput)
	}
	format := Format(utils.DetectFormat(data))
	dec, ok := reg.DecoderFor(format)
	if !ok {
		dec, ok = reg.DecoderFor(FormatUnknown)
	}
	if !ok {
		return nil, format, apperrors.New(apperrors.CategoryDecode, "decode",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}
	img, err := dec.Decode(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, format, err
	}
	return img, format, nil
}
