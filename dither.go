// Package dither converts the images of a page to black and white with a
// selectable dithering algorithm, swaps the results in place and restores
// the originals on request.
//
// Engine wires the pieces together: a codec registry, the anonymous fetcher,
// a resource store, the transform worker behind a request coordinator, the
// per-image pipeline and the page processor.
package dither

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Skryldev/image-dither/adapters/decoder"
	"github.com/Skryldev/image-dither/adapters/encoder"
	"github.com/Skryldev/image-dither/adapters/fetch"
	"github.com/Skryldev/image-dither/adapters/host"
	"github.com/Skryldev/image-dither/adapters/storage"
	"github.com/Skryldev/image-dither/config"
	"github.com/Skryldev/image-dither/coordinator"
	"github.com/Skryldev/image-dither/core"
	"github.com/Skryldev/image-dither/hooks"
	"github.com/Skryldev/image-dither/pipeline"
	"github.com/Skryldev/image-dither/resource"
	"github.com/Skryldev/image-dither/worker"
)

// Re-export algorithm selectors for convenience.
const (
	FloydSteinberg = core.AlgorithmFloydSteinberg
	Bayer          = core.AlgorithmBayer
	Original       = core.AlgorithmOriginal
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Option customises an Engine.
type Option func(*options)

type options struct {
	logger   core.Logger
	origin   string
	launcher core.WorkerLauncher
	backend  core.StorageAdapter
	fetcher  core.Fetcher
	decoder  DecoderBackend
	hooks    []core.Hook
}

// DecoderBackend is an optional decoder set registered over the stdlib
// decoders.  adapters/vips provides one behind libvips.
type DecoderBackend interface {
	Register(reg core.Registry)
	Shutdown()
}

// WithLogger attaches a structured logger to every component.
func WithLogger(l core.Logger) Option { return func(o *options) { o.logger = l } }

// WithOrigin sets the page origin used for cross-origin checks.  The default
// is a local page, on which every http(s) image is cross-origin.
func WithOrigin(origin string) Option { return func(o *options) { o.origin = origin } }

// WithLauncher overrides the worker launcher selected by worker.mode.
func WithLauncher(l core.WorkerLauncher) Option { return func(o *options) { o.launcher = l } }

// WithStorage overrides the storage adapter selected by storage.backend.
func WithStorage(s core.StorageAdapter) Option { return func(o *options) { o.backend = s } }

// WithFetcher overrides the anonymous fetcher.
func WithFetcher(f core.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithDecoderBackend registers b over the stdlib decoders.  It is required
// when decoder_backend is "vips".  Close shuts b down.
func WithDecoderBackend(b DecoderBackend) Option { return func(o *options) { o.decoder = b } }

// WithHook registers an additional pipeline observer.
func WithHook(h core.Hook) Option { return func(o *options) { o.hooks = append(o.hooks, h) } }

// Engine is the primary entry point.  It is safe for concurrent use.
type Engine struct {
	cfg     config.Config
	logger  core.Logger
	reg     *core.DefaultRegistry
	store   *resource.Store
	coord   *coordinator.Coordinator
	pipe    *pipeline.Pipeline
	page    *host.Page
	inner   *core.Processor
	metrics *hooks.InMemoryMetrics
	decoder DecoderBackend
}

// New validates cfg and returns a fully wired Engine.  The worker is not
// started until the first image is dispatched.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := core.OrNop(o.logger)
	if cfg.DecoderBackend == "vips" && o.decoder == nil {
		return nil, errors.New("dither: decoder_backend vips needs a decoder backend; build with -tags vips")
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		reg:     core.NewRegistry(),
		metrics: hooks.NewInMemoryMetrics(),
	}

	decoder.Register(e.reg)
	if o.decoder != nil {
		e.decoder = o.decoder
		e.decoder.Register(e.reg)
	}
	encoder.Register(e.reg, cfg.OutputQuality)

	backend := o.backend
	if backend == nil {
		b, err := newStorage(cfg.Storage)
		if err != nil {
			e.shutdownDecoder()
			return nil, err
		}
		backend = b
	}
	e.store = resource.New(backend, resource.WithLogger(logger))

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.New(cfg.Fetch.Timeout, fetch.WithUserAgent(cfg.Fetch.UserAgent))
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = newLauncher(cfg.Worker, logger)
	}
	e.coord = coordinator.New(launcher,
		coordinator.WithTimeout(cfg.DispatchTimeout),
		coordinator.WithLogger(logger),
	)

	e.pipe = pipeline.New().
		Use(
			&pipeline.ExtractStep{
				Registry:  e.reg,
				Fetcher:   fetcher,
				MaxBytes:  cfg.Fetch.MaxBytes,
				ChunkSize: cfg.ChunkSize,
				Logger:    logger,
			},
			&pipeline.DitherStep{Dispatcher: e.coord},
			&pipeline.EncodeStep{
				Registry:    e.reg,
				Format:      core.Format(cfg.OutputFormat),
				BaseOptions: core.EncodeOptions{Quality: cfg.OutputQuality},
			},
		).
		WithRetry(cfg.MaxRetries, cfg.RetryDelay).
		AddHook(hooks.NewMetricsHook(e.metrics))
	if o.logger != nil {
		e.pipe.AddHook(hooks.NewLoggingHook(logger))
	}
	for _, h := range o.hooks {
		e.pipe.AddHook(h)
	}

	e.page = host.NewPage(o.origin, e.reg, e.store, fetcher)
	e.page.SetMaxBytes(cfg.Fetch.MaxBytes)

	e.inner = core.NewProcessor(cfg, e.page, e.pipe, e.store)
	e.inner.SetLogger(logger)
	e.inner.SetMetrics(e.metrics)
	return e, nil
}

func newStorage(cfg config.StorageConfig) (core.StorageAdapter, error) {
	if cfg.Backend == config.StorageLocal {
		local, err := storage.NewLocal(cfg.Local.RootDir, os.FileMode(cfg.Local.Permissions))
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	return storage.NewMemory(), nil
}

func newLauncher(cfg config.WorkerConfig, logger core.Logger) core.WorkerLauncher {
	if cfg.Mode == config.WorkerProcess {
		return &worker.Process{Command: cfg.Command, Stderr: os.Stderr}
	}
	return &worker.InProcess{
		QueueSize: cfg.QueueSize,
		Options:   []worker.Option{worker.WithLogger(logger)},
	}
}

// Config returns the configuration the Engine was built with.
func (e *Engine) Config() config.Config { return e.cfg }

// Page exposes the page whose images are processed.
func (e *Engine) Page() *host.Page { return e.page }

// Store exposes the resource store holding materialized images.
func (e *Engine) Store() *resource.Store { return e.store }

// Coordinator exposes the request coordinator for its protocol counters.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// Registry exposes the codec registry for custom decoders and encoders.
func (e *Engine) Registry() *core.DefaultRegistry { return e.reg }

// Metrics returns a snapshot of pipeline and outcome metrics.
func (e *Engine) Metrics() hooks.MetricsSnapshot { return e.metrics.Snapshot() }

// DitherPage processes every image of the page with alg.  An empty alg uses
// the configured default.
func (e *Engine) DitherPage(ctx context.Context, alg core.Algorithm) (core.Stats, error) {
	return e.inner.DitherPage(ctx, alg)
}

// Restore puts every processed image back to its original source.
func (e *Engine) Restore(ctx context.Context) (int, error) { return e.inner.Restore(ctx) }

// Handle answers one external command.
func (e *Engine) Handle(ctx context.Context, cmd core.Command) core.Reply {
	return e.inner.Handle(ctx, cmd)
}

// ServeCommands reads JSON commands from r and writes one JSON reply per
// command to w until r is exhausted or ctx is done.  Restore therefore works
// across commands of the same session.
func (e *Engine) ServeCommands(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var cmd core.Command
		if err := dec.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			_ = enc.Encode(core.Reply{Status: "error", Error: fmt.Sprintf("malformed command: %v", err)})
			return fmt.Errorf("dither: decode command: %w", err)
		}
		e.logger.Debug("dither.command", "action", cmd.Action, "algorithm", cmd.Algorithm)
		if err := enc.Encode(e.Handle(ctx, cmd)); err != nil {
			return fmt.Errorf("dither: write reply: %w", err)
		}
	}
}

// Export writes the resource currently shown by every processed image into
// dir, named after the image key with the resource's extension.  It returns
// the written paths.
func (e *Engine) Export(ctx context.Context, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dither: export: %w", err)
	}
	images, err := e.page.Images(ctx)
	if err != nil {
		return nil, err
	}
	var (
		written []string
		errs    []error
	)
	for _, img := range images {
		loc := img.Source()
		format, ok := e.store.Format(loc)
		if !ok {
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(img.Key()), filepath.Ext(img.Key()))
		path := filepath.Join(dir, stem+".dither"+resource.Extension(format))
		if err := e.exportOne(ctx, loc, path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", img.Key(), err))
			continue
		}
		written = append(written, path)
	}
	return written, errors.Join(errs...)
}

func (e *Engine) exportOne(ctx context.Context, locator, path string) error {
	rc, err := e.store.Open(ctx, locator)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close stops the worker and shuts down the decoder backend, if any.
// Processed images keep their resources; call Restore first to free them.
func (e *Engine) Close() error {
	err := e.coord.Close()
	e.shutdownDecoder()
	return err
}

func (e *Engine) shutdownDecoder() {
	if e.decoder != nil {
		e.decoder.Shutdown()
		e.decoder = nil
	}
}
