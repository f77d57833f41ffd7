package worker

import (
	"context"
	"sync"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// InProcess launches a Worker on its own goroutine and connects to it with a
// channel pair.  Buffers cross the boundary by reference: once Send returns
// the sender must not touch the request data again.
type InProcess struct {
	QueueSize int
	Options   []Option
}

// Launch starts the worker goroutine.
func (l *InProcess) Launch(ctx context.Context) (core.WorkerEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryWorkerInit, "inprocess.launch", err)
	}
	size := l.QueueSize
	if size <= 0 {
		size = 64
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ep := &channelEndpoint{
		in:     make(chan *core.DitherRequest, size),
		out:    make(chan *core.DitherResponse, size),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	w := New(l.Options...)
	go w.Run(runCtx, ep.in, ep.out)
	return ep, nil
}

type channelEndpoint struct {
	in     chan *core.DitherRequest
	out    chan *core.DitherResponse
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (e *channelEndpoint) Send(ctx context.Context, req *core.DitherRequest) error {
	select {
	case <-e.done:
		return apperrors.New(apperrors.CategoryWorker, "inprocess.send", apperrors.ErrWorkerClosed)
	default:
	}
	select {
	case e.in <- req:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CategoryDispatch, "inprocess.send", ctx.Err())
	case <-e.done:
		return apperrors.New(apperrors.CategoryWorker, "inprocess.send", apperrors.ErrWorkerClosed)
	}
}

func (e *channelEndpoint) Responses() <-chan *core.DitherResponse { return e.out }

// Close stops the worker goroutine; the response channel is closed once it
// has exited.
func (e *channelEndpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.cancel()
	})
	return nil
}

var _ core.WorkerLauncher = (*InProcess)(nil)
