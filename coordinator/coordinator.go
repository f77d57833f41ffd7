// Package coordinator pairs dither requests with worker responses.
//
// A Coordinator owns one lazily started worker and a table of in-flight
// requests keyed by correlation id.  Any number of Dispatch calls may be
// outstanding; the worker answers them one at a time and completions are
// routed by id, so they may finish in any order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// Coordinator is safe for concurrent use.
type Coordinator struct {
	launcher core.WorkerLauncher
	ids      IDGenerator
	logger   core.Logger
	timeout  time.Duration

	once     sync.Once
	initErr  error
	endpoint core.WorkerEndpoint

	mu        sync.Mutex
	pending   map[string]chan *core.DitherResponse
	abandoned map[string]struct{}
	order     []string // abandoned ids, oldest first
	limit     int
	closed    bool

	violations int64
	late       int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator replaces the default UUID correlation ids.
func WithIDGenerator(g IDGenerator) Option { return func(c *Coordinator) { c.ids = g } }

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(c *Coordinator) { c.logger = core.OrNop(l) } }

// WithTimeout bounds how long Dispatch waits for a response.  Zero waits
// until the response arrives, the context ends or the worker goes away.
func WithTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// DefaultAbandonedLimit is how many abandoned ids are remembered by default.
const DefaultAbandonedLimit = 1024

// WithAbandonedLimit caps how many timed-out ids are remembered for late
// responses.  Once the cap is reached the oldest id is forgotten and its late
// response, if it ever comes, counts as a protocol violation.
func WithAbandonedLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.limit = n
		}
	}
}

// New returns a Coordinator that starts its worker with launcher on first use.
func New(launcher core.WorkerLauncher, opts ...Option) *Coordinator {
	c := &Coordinator{
		launcher:  launcher,
		ids:       UUIDGenerator{},
		logger:    core.NopLogger{},
		pending:   make(map[string]chan *core.DitherResponse),
		abandoned: make(map[string]struct{}),
		limit:     DefaultAbandonedLimit,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureReady starts the worker exactly once.  Concurrent first callers all
// wait on the same startup.  A failed startup is terminal: every later call
// returns the same error without trying again.
func (c *Coordinator) EnsureReady(ctx context.Context) error {
	c.once.Do(func() {
		if c.launcher == nil {
			c.initErr = apperrors.New(apperrors.CategoryWorkerInit, "coordinator.ensure_ready",
				fmt.Errorf("%w: no launcher configured", apperrors.ErrWorkerUnavailable))
			return
		}
		// Startup outlives the first caller's context.
		ep, err := c.launcher.Launch(context.WithoutCancel(ctx))
		if err != nil {
			c.initErr = apperrors.New(apperrors.CategoryWorkerInit, "coordinator.ensure_ready",
				fmt.Errorf("%w: %w", apperrors.ErrWorkerUnavailable, err))
			c.logger.Error("coordinator.worker.init_failed", "error", err.Error())
			return
		}
		c.endpoint = ep
		c.logger.Debug("coordinator.worker.ready")
		go c.route(ep.Responses())
	})
	return c.initErr
}

// Dispatch sends req to the worker under a fresh correlation id and waits
// for the matching response.  Ownership of req.Data passes to the worker; the
// caller must not read or write it after calling Dispatch.  A failure
// response is returned as a worker-category error carrying the reason.
func (c *Coordinator) Dispatch(ctx context.Context, req core.DitherRequest) (core.PixelBuffer, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}

	id := c.ids.NextID()
	req.ID = id
	ch := make(chan *core.DitherResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.CategoryWorker, "coordinator.dispatch", apperrors.ErrWorkerClosed)
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.CategoryDispatch, "coordinator.dispatch",
			fmt.Errorf("correlation id %q already in flight", id))
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.endpoint.Send(ctx, &req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, apperrors.New(apperrors.CategoryWorker, "coordinator.dispatch", apperrors.ErrWorkerClosed)
		}
		if !resp.Success {
			return nil, apperrors.New(apperrors.CategoryWorker, "coordinator.dispatch", errors.New(resp.Error))
		}
		return resp.Data, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, apperrors.Wrap(apperrors.CategoryDispatch, "coordinator.dispatch", ctx.Err())
	case <-timeout:
		c.abandon(id)
		return nil, apperrors.New(apperrors.CategoryDispatch, "coordinator.dispatch",
			fmt.Errorf("%w after %s", apperrors.ErrDispatchTimeout, c.timeout))
	}
}

// abandon drops a pending entry whose caller stopped waiting.  The worker
// still finishes the transform; its response is discarded on arrival.
func (c *Coordinator) abandon(id string) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		if !c.closed {
			c.remember(id)
		}
	}
	c.mu.Unlock()
}

// remember adds id to the abandoned set, evicting the oldest ids over the
// limit.  The caller holds c.mu.
func (c *Coordinator) remember(id string) {
	c.abandoned[id] = struct{}{}
	c.order = append(c.order, id)
	for len(c.abandoned) > c.limit && len(c.order) > 0 {
		delete(c.abandoned, c.order[0])
		c.order = c.order[1:]
	}
	// order keeps ids whose late response already arrived; drop them.
	if len(c.order) > 2*c.limit {
		kept := make([]string, 0, len(c.abandoned))
		for _, old := range c.order {
			if _, ok := c.abandoned[old]; ok {
				kept = append(kept, old)
			}
		}
		c.order = kept
	}
}

// route is the single response handler.  Each pending entry is removed
// exactly once, on the first matching response.
func (c *Coordinator) route(responses <-chan *core.DitherResponse) {
	for resp := range responses {
		if resp == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		_, abandoned := c.abandoned[resp.ID]
		if abandoned {
			delete(c.abandoned, resp.ID)
		}
		c.mu.Unlock()

		switch {
		case ok:
			ch <- resp
		case abandoned:
			atomic.AddInt64(&c.late, 1)
			c.logger.Debug("coordinator.response.discarded", "id", resp.ID)
		default:
			atomic.AddInt64(&c.violations, 1)
			c.logger.Warn("coordinator.response.unmatched", "id", resp.ID, "success", resp.Success)
		}
	}

	c.mu.Lock()
	c.closed = true
	n := len(c.pending)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	clear(c.abandoned)
	c.order = nil
	c.mu.Unlock()
	c.logger.Warn("coordinator.worker.closed", "pending", n)
}

// Close shuts the worker down.  Outstanding dispatches fail with
// ErrWorkerClosed once the worker's response stream ends.
func (c *Coordinator) Close() error {
	c.once.Do(func() {
		c.initErr = apperrors.New(apperrors.CategoryWorkerInit, "coordinator.ensure_ready", apperrors.ErrWorkerClosed)
	})
	if c.endpoint == nil {
		return nil
	}
	return c.endpoint.Close()
}

// Pending returns the number of in-flight requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Abandoned returns how many timed-out ids are still awaiting a late response.
func (c *Coordinator) Abandoned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.abandoned)
}

// ProtocolViolations counts responses that matched no request, including a
// second response for an id already answered.
func (c *Coordinator) ProtocolViolations() int64 { return atomic.LoadInt64(&c.violations) }

// LateResponses counts responses that arrived after their caller gave up.
func (c *Coordinator) LateResponses() int64 { return atomic.LoadInt64(&c.late) }

var _ core.Dispatcher = (*Coordinator)(nil)
