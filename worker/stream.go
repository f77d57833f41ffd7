package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// Serve runs a Worker over a JSON stream: requests are decoded from r one
// after another, handled in order, and each response is encoded to w.  It
// returns nil when r reaches EOF.  ctx is checked between requests only; a
// blocked read is ended by closing r.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts ...Option) error {
	wk := New(opts...)
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req core.DitherRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return apperrors.Wrap(apperrors.CategoryWorker, "serve.decode", err)
		}
		if err := enc.Encode(wk.Handle(&req)); err != nil {
			return apperrors.Wrap(apperrors.CategoryWorker, "serve.encode", err)
		}
	}
}

// StreamEndpoint speaks the JSON stream protocol to a worker on the other
// side of r and w.  Buffers are serialised, so Send clears the request data
// once it is on the wire.
type StreamEndpoint struct {
	mu     sync.Mutex
	enc    *json.Encoder
	out    chan *core.DitherResponse
	closer io.Closer
	once   sync.Once

	errMu   sync.Mutex
	readErr error
}

// NewStreamEndpoint starts decoding responses from r.  closer, if non-nil, is
// called by Close to tear down the transport.
func NewStreamEndpoint(r io.Reader, w io.Writer, closer io.Closer) *StreamEndpoint {
	e := &StreamEndpoint{
		enc:    json.NewEncoder(w),
		out:    make(chan *core.DitherResponse, 16),
		closer: closer,
	}
	go e.readLoop(json.NewDecoder(r))
	return e
}

func (e *StreamEndpoint) readLoop(dec *json.Decoder) {
	defer close(e.out)
	for {
		resp := new(core.DitherResponse)
		if err := dec.Decode(resp); err != nil {
			if !errors.Is(err, io.EOF) {
				e.errMu.Lock()
				e.readErr = err
				e.errMu.Unlock()
			}
			return
		}
		e.out <- resp
	}
}

func (e *StreamEndpoint) Send(ctx context.Context, req *core.DitherRequest) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryDispatch, "stream.send", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(req); err != nil {
		return apperrors.New(apperrors.CategoryWorker, "stream.send", err)
	}
	req.Data = nil
	return nil
}

func (e *StreamEndpoint) Responses() <-chan *core.DitherResponse { return e.out }

// Err returns the decode error that ended the response stream, if any.
func (e *StreamEndpoint) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.readErr
}

func (e *StreamEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		if e.closer != nil {
			err = e.closer.Close()
		}
	})
	return err
}

// ── Process launcher ──────────────────────────────────────────────────────────

// Process launches the worker as a child process that runs Serve on its
// standard streams (see `dither worker`).
type Process struct {
	// Command is the argv of the worker process.  Empty means the running
	// executable with the single argument "worker".
	Command []string
	Env     []string
	Stderr  io.Writer
}

// Launch starts the child process and connects a StreamEndpoint to it.
func (l *Process) Launch(ctx context.Context) (core.WorkerEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryWorkerInit, "process.launch", err)
	}
	argv := l.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryWorkerInit, "process.executable", err)
		}
		argv = []string{self, "worker"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stderr = l.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryWorkerInit, "process.stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryWorkerInit, "process.stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryWorkerInit, "process.start",
			fmt.Errorf("%s: %w", argv[0], err))
	}
	return NewStreamEndpoint(stdout, stdin, &processCloser{stdin: stdin, cmd: cmd}), nil
}

type processCloser struct {
	stdin io.Closer
	cmd   *exec.Cmd
}

// Close ends the worker's input stream and waits for it to exit.
func (p *processCloser) Close() error {
	_ = p.stdin.Close()
	return p.cmd.Wait()
}

var (
	_ core.WorkerEndpoint = (*StreamEndpoint)(nil)
	_ core.WorkerLauncher = (*Process)(nil)
)
