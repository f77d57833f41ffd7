package core

import (
	"context"
	"image"
	"io"
)

// Decoder converts an encoded container into an image.Image.
// Implementations live in adapters/decoder/ and adapters/vips/.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader) (image.Image, error)
	CanDecode(format Format) bool
}

// Encoder serialises an image to bytes in a target format.
// Implementations live in adapters/encoder/.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, opts EncodeOptions) ([]byte, error)
	CanEncode(format Format) bool
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality  int  // 1-100; 0 = use encoder default
	Lossless bool // PNG best compression
}

// Registry maps Format values to Decoder/Encoder implementations.
type Registry interface {
	DecoderFor(format Format) (Decoder, bool)
	EncoderFor(format Format) (Encoder, bool)
	RegisterDecoder(format Format, d Decoder)
	RegisterEncoder(format Format, e Encoder)
}

// StorageAdapter persists resource bytes.  Implementations live in
// adapters/storage/.
type StorageAdapter interface {
	Put(ctx context.Context, key StorageKey, r io.Reader, meta map[string]string) error
	Get(ctx context.Context, key StorageKey) (io.ReadCloser, error)
	Delete(ctx context.Context, key StorageKey) error
	Exists(ctx context.Context, key StorageKey) (bool, error)
}

// MetricsCollector receives performance observations from the pipeline.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordError(stepName string, category string)
	RecordOutcome(o Outcome)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// ── Worker boundary ───────────────────────────────────────────────────────────

// WorkerEndpoint is the orchestrator's side of a started transform worker.
// Send hands the request (and its buffer) across the boundary; responses
// arrive on Responses in the order the worker produced them.  Responses is
// closed when the worker goes away.
type WorkerEndpoint interface {
	Send(ctx context.Context, req *DitherRequest) error
	Responses() <-chan *DitherResponse
	Close() error
}

// WorkerLauncher performs the one-time startup of a transform worker.
type WorkerLauncher interface {
	Launch(ctx context.Context) (WorkerEndpoint, error)
}

// Dispatcher sends one request to the worker and waits for its response.
// A Failure response is returned as an error carrying the worker's reason.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DitherRequest) (PixelBuffer, error)
}

// ── Host collaborators ────────────────────────────────────────────────────────

// ImageElement is one image of the hosting document.  Key must be stable for
// the lifetime of the session; the processor never stores state on the
// element itself.
type ImageElement interface {
	Key() string
	// DisplaySize is the rendered size used by the eligibility filter.
	DisplaySize() (width, height int)
	// Source is the locator currently displayed.
	Source() string
	// SetSource swaps the displayed content.
	SetSource(ctx context.Context, locator string) error
	// Rasterize draws locator through the element's own rendering context,
	// the way the host would paint it in place.  It returns an error in the
	// cors category when the drawn resource is tainted.
	Rasterize(ctx context.Context, locator string) (image.Image, error)
}

// Document enumerates candidate images.
type Document interface {
	Images(ctx context.Context) ([]ImageElement, error)
}

// Fetcher performs the cross-origin-safe fetch: an anonymous request for a
// fresh copy of a locator's bytes.
type Fetcher interface {
	FetchAnonymous(ctx context.Context, locator string) (io.ReadCloser, error)
}

// ResourceStore owns displayable resources created from processed images.
type ResourceStore interface {
	Create(ctx context.Context, data []byte, format Format) (locator string, err error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Release(ctx context.Context, locator string) error
}
