// Package worker implements the transform worker: the execution boundary
// that receives DitherRequests, runs the selected algorithm and answers each
// request with exactly one DitherResponse.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Skryldev/image-dither/algorithm"
	"github.com/Skryldev/image-dither/core"
)

// Worker runs transforms one at a time.  It never parallelises internally;
// throughput across the boundary is one buffer at a time.
type Worker struct {
	logger core.Logger
	apply  func(a core.Algorithm, data core.PixelBuffer, w, h int) error

	handled int64
	failed  int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(w *Worker) { w.logger = core.OrNop(l) } }

// WithTransform replaces the algorithm dispatch, mainly for tests.
func WithTransform(fn func(a core.Algorithm, data core.PixelBuffer, w, h int) error) Option {
	return func(w *Worker) { w.apply = fn }
}

// New returns a Worker dispatching to the algorithm package.
func New(opts ...Option) *Worker {
	w := &Worker{logger: core.NopLogger{}, apply: algorithm.Apply}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Handle runs one request.  The request buffer is transformed in place and
// handed back in the response.  Errors and panics raised by the transform are
// reported as a failure response; Handle itself never fails.
func (w *Worker) Handle(req *core.DitherRequest) (resp *core.DitherResponse) {
	atomic.AddInt64(&w.handled, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&w.failed, 1)
			w.logger.Error("worker.transform.panic", "id", req.ID, "panic", fmt.Sprint(r))
			resp = &core.DitherResponse{ID: req.ID, Error: fmt.Sprint(r)}
		}
	}()

	data := req.Data
	req.Data = nil
	if err := w.apply(req.Algorithm, data, int(req.Width), int(req.Height)); err != nil {
		atomic.AddInt64(&w.failed, 1)
		w.logger.Warn("worker.transform.error", "id", req.ID, "algorithm", req.Algorithm, "error", err.Error())
		return &core.DitherResponse{ID: req.ID, Error: err.Error()}
	}
	return &core.DitherResponse{ID: req.ID, Data: data, Success: true}
}

// Run consumes in strictly in arrival order until in is closed or ctx is
// done, writing one response per request to out.  out is closed on return.
func (w *Worker) Run(ctx context.Context, in <-chan *core.DitherRequest, out chan<- *core.DitherResponse) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-in:
			if !ok {
				return
			}
			resp := w.Handle(req)
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Handled returns the number of requests processed so far.
func (w *Worker) Handled() int64 { return atomic.LoadInt64(&w.handled) }

// Failed returns the number of requests answered with a failure.
func (w *Worker) Failed() int64 { return atomic.LoadInt64(&w.failed) }
