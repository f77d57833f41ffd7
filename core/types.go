package core

import (
	"context"
	"encoding/json"
	"image"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatUnknown Format = "unknown"
)

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatUnknown, "":
		return "application/octet-stream"
	}
	return "image/" + string(f)
}

// Algorithm selects a dithering transform.  Any value other than the named
// constants is carried verbatim across the worker boundary; the worker treats
// it as Floyd-Steinberg.
type Algorithm string

const (
	AlgorithmFloydSteinberg Algorithm = "floyd-steinberg"
	AlgorithmBayer          Algorithm = "bayer"

	// AlgorithmOriginal is the pseudo-selector that restores every processed
	// image instead of transforming it.
	AlgorithmOriginal Algorithm = "original"
)

// PixelBuffer is a flat RGBA sample buffer, 4 bytes per pixel, row-major.
// At most one stage holds a given buffer; handing it to another stage
// transfers ownership and the sender must drop its reference.
type PixelBuffer []byte

// Len returns the number of pixels the buffer can hold.
func (b PixelBuffer) Len() int { return len(b) / 4 }

// DitherRequest is one unit of work for the transform worker.
type DitherRequest struct {
	ID        string      `json:"id"`
	Width     uint32      `json:"width"`
	Height    uint32      `json:"height"`
	Data      PixelBuffer `json:"data"`
	Algorithm Algorithm   `json:"algorithm"`
}

// DitherResponse answers exactly one DitherRequest with the same ID.
type DitherResponse struct {
	ID      string      `json:"id"`
	Data    PixelBuffer `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Success bool        `json:"success"`
}

// ImageState is the per-image lifecycle state kept by the processor.
type ImageState int

const (
	StateUntouched ImageState = iota
	StateProcessed
	StateRestoring
)

func (s ImageState) String() string {
	switch s {
	case StateUntouched:
		return "untouched"
	case StateProcessed:
		return "processed"
	case StateRestoring:
		return "restoring"
	}
	return "unknown"
}

// Outcome is the bucket a single image contributes to in a page run.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeTooSmall  Outcome = "too-small"
	OutcomeCORS      Outcome = "cors"
	OutcomeError     Outcome = "error"
)

// Stats is the aggregate tally of a page run.  Restored is set only on the
// reply to a restore command, in which case the counters are zero.
type Stats struct {
	Total       int  `json:"total"`
	Processed   int  `json:"processed"`
	CORSErrors  int  `json:"corsErrors"`
	TooSmall    int  `json:"tooSmall"`
	OtherErrors int  `json:"otherErrors"`
	Restored    bool `json:"restored,omitempty"`
}

// MarshalJSON writes a restore reply as {"restored":true} with no counters.
func (s Stats) MarshalJSON() ([]byte, error) {
	if s.Restored {
		return []byte(`{"restored":true}`), nil
	}
	type plain Stats
	return json.Marshal(plain(s))
}

// Add records one outcome.
func (s *Stats) Add(o Outcome) {
	s.Total++
	switch o {
	case OutcomeProcessed:
		s.Processed++
	case OutcomeTooSmall:
		s.TooSmall++
	case OutcomeCORS:
		s.CORSErrors++
	default:
		s.OtherErrors++
	}
}

// Command is the external trigger consumed from the UI collaborator.
type Command struct {
	Action    string `json:"action"`
	Algorithm string `json:"algorithm,omitempty"`
}

// ActionDitherPage is the only action understood by the processor.
const ActionDitherPage = "dither_page"

// Reply answers a Command.
type Reply struct {
	Status string `json:"status"`
	Stats  *Stats `json:"stats,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ImageData is the per-image frame passed through a pipeline.
type ImageData struct {
	// Key is the stable identity of the image element being processed.
	Key string

	// Source is the locator pixels are extracted from.  For reprocessing this
	// is always the snapshotted original, never a dithered resource.
	Source string

	Algorithm Algorithm

	// Decoded image, populated by the extract step.
	Image image.Image

	// Pixels holds the RGBA buffer between extraction and encoding.
	Pixels PixelBuffer

	// Encoded container bytes, populated by the encode step.
	Data   []byte
	Format Format

	// Element is the host element being processed; only the extract step
	// reads it (for in-place rasterization).
	Element ImageElement

	Meta Metadata
}

// Metadata holds dimensions and provenance of an ImageData.
type Metadata struct {
	Width     int
	Height    int
	SizeBytes int64

	// Tainted is true when pixels were extracted from the in-place resource
	// after the anonymous fetch failed.
	Tainted bool
}

// Step is the fundamental pipeline building block.  Each Step transforms an
// *ImageData value and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, img *ImageData) (*ImageData, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, img *ImageData)
	AfterStep(ctx context.Context, stepName string, img *ImageData, d time.Duration, err error)
}

// StorageKey uniquely identifies a stored object.
type StorageKey struct {
	Bucket string
	Path   string
}
