package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-dither/config"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// PipelineRunner is a minimal interface over pipeline.Pipeline so that core
// does not import the pipeline package (avoiding a circular dependency).
type PipelineRunner interface {
	Run(ctx context.Context, img *ImageData) (*ImageData, map[string]time.Duration, error)
}

// Processor runs dithering over every image of a Document and restores them
// on request.  It owns one ImageRecord per image and is safe for concurrent
// use.
type Processor struct {
	cfg     config.Config
	doc     Document
	runner  PipelineRunner
	store   ResourceStore
	records *RecordTable
	logger  Logger
	metrics MetricsCollector

	runs int64
}

// NewProcessor wires a Processor.  runner must produce encoded bytes in
// ImageData.Data; store receives them as displayable resources.
func NewProcessor(cfg config.Config, doc Document, runner PipelineRunner, store ResourceStore) *Processor {
	return &Processor{
		cfg:     cfg,
		doc:     doc,
		runner:  runner,
		store:   store,
		records: NewRecordTable(),
		logger:  NopLogger{},
	}
}

// SetLogger attaches a structured logger.
func (p *Processor) SetLogger(l Logger) { p.logger = OrNop(l) }

// SetMetrics attaches a metrics collector.
func (p *Processor) SetMetrics(m MetricsCollector) { p.metrics = m }

// Records exposes the per-image state table.
func (p *Processor) Records() *RecordTable { return p.records }

// Runs returns the number of completed DitherPage calls.
func (p *Processor) Runs() int64 { return atomic.LoadInt64(&p.runs) }

// Handle answers one external command.  An empty algorithm selects the
// configured default; "original" restores every processed image.
func (p *Processor) Handle(ctx context.Context, cmd Command) Reply {
	if cmd.Action != ActionDitherPage {
		return Reply{Status: "error", Error: fmt.Sprintf("%v: %q", apperrors.ErrUnknownAction, cmd.Action)}
	}

	alg := Algorithm(cmd.Algorithm)
	if alg == AlgorithmOriginal {
		if _, err := p.Restore(ctx); err != nil {
			return Reply{Status: "error", Error: err.Error()}
		}
		return Reply{Status: "done", Stats: &Stats{Restored: true}}
	}

	stats, err := p.DitherPage(ctx, alg)
	if err != nil {
		return Reply{Status: "error", Error: err.Error()}
	}
	return Reply{Status: "done", Stats: &stats}
}

// DitherPage processes every image of the document with alg concurrently and
// returns the tally.  Per-image failures land in the tally; the returned error
// is reserved for failing to enumerate the document.
func (p *Processor) DitherPage(ctx context.Context, alg Algorithm) (Stats, error) {
	if alg == "" {
		alg = Algorithm(p.cfg.DefaultAlgorithm)
	}
	elements, err := p.doc.Images(ctx)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.CategoryInput, "processor.images", err)
	}

	start := time.Now()
	outcomes := make([]Outcome, len(elements))
	var wg sync.WaitGroup
	for i, el := range elements {
		wg.Add(1)
		go func(idx int, el ImageElement) {
			defer wg.Done()
			outcomes[idx] = p.processOne(ctx, el, alg)
		}(i, el)
	}
	wg.Wait()

	var stats Stats
	for _, o := range outcomes {
		stats.Add(o)
	}
	atomic.AddInt64(&p.runs, 1)
	p.logger.Info("processor.page.done",
		"algorithm", alg,
		"total", stats.Total,
		"processed", stats.Processed,
		"cors", stats.CORSErrors,
		"too_small", stats.TooSmall,
		"errors", stats.OtherErrors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

func (p *Processor) processOne(ctx context.Context, el ImageElement, alg Algorithm) Outcome {
	err := p.ditherImage(ctx, el, alg)
	o := Classify(err)
	switch o {
	case OutcomeTooSmall:
		p.logger.Debug("processor.image.skipped", "image", el.Key(), "error", err.Error())
	case OutcomeCORS:
		p.logger.Info("processor.image.cors", "image", el.Key(), "error", err.Error())
	case OutcomeError:
		p.logger.Warn("processor.image.error", "image", el.Key(), "error", err.Error())
	}
	if p.metrics != nil {
		p.metrics.RecordOutcome(o)
	}
	return o
}

func (p *Processor) ditherImage(ctx context.Context, el ImageElement, alg Algorithm) error {
	w, h := el.DisplaySize()
	if w < p.cfg.MinWidth || h < p.cfg.MinHeight {
		return apperrors.New(apperrors.CategoryTooSmall, "processor.eligibility",
			fmt.Errorf("%w: %dx%d < %dx%d", apperrors.ErrTooSmall, w, h, p.cfg.MinWidth, p.cfg.MinHeight))
	}

	rec := p.records.acquire(el)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// A processed image goes back to its original, and its resource is
	// released, before anything new is created for it.
	if rec.state == StateProcessed {
		if err := p.reset(ctx, rec); err != nil {
			return err
		}
	}

	// Always read from the snapshot so repeated runs never compound.
	in := &ImageData{
		Key:       rec.key,
		Source:    rec.original,
		Algorithm: alg,
		Element:   el,
	}
	out, _, err := p.runner.Run(ctx, in)
	if err != nil {
		return err
	}
	if out == nil || len(out.Data) == 0 {
		return apperrors.New(apperrors.CategoryEncode, "processor.materialize", apperrors.ErrEmptyInput)
	}

	locator, err := p.store.Create(ctx, out.Data, out.Format)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "processor.materialize", err)
	}
	if err := el.SetSource(ctx, locator); err != nil {
		_ = p.store.Release(ctx, locator)
		return apperrors.Wrap(apperrors.CategoryPipeline, "processor.install", err)
	}
	rec.processed = locator
	rec.state = StateProcessed
	return nil
}

// reset shows the original again and releases the processed resource.  The
// caller holds rec.mu.  When the swap fails the record stays processed.
func (p *Processor) reset(ctx context.Context, rec *ImageRecord) error {
	rec.state = StateRestoring
	if err := rec.element.SetSource(ctx, rec.original); err != nil {
		rec.state = StateProcessed
		return apperrors.Wrap(apperrors.CategoryPipeline, "processor.restore", err)
	}
	if rec.processed != "" {
		if err := p.store.Release(ctx, rec.processed); err != nil {
			p.logger.Warn("processor.resource.release_failed", "image", rec.key, "locator", rec.processed, "error", err.Error())
		}
	}
	rec.processed = ""
	rec.state = StateUntouched
	return nil
}

// Restore swaps every processed image back to its original source and
// releases its resource.  It returns the number of images restored; with
// nothing processed it is a no-op.  Failures are logged and joined; the
// remaining images are still restored.
func (p *Processor) Restore(ctx context.Context) (int, error) {
	var (
		restored int
		errs     []error
	)
	for _, rec := range p.records.all() {
		ok, err := p.restoreOne(ctx, rec)
		if err != nil {
			p.logger.Warn("processor.restore.error", "image", rec.key, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		if ok {
			restored++
		}
	}
	p.logger.Info("processor.restore.done", "restored", restored)
	return restored, errors.Join(errs...)
}

func (p *Processor) restoreOne(ctx context.Context, rec *ImageRecord) (bool, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateProcessed {
		return false, nil
	}
	if err := p.reset(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
