package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-dither/algorithm"
	"github.com/Skryldev/image-dither/core"
)

func grayRequest(id string, alg core.Algorithm, w, h int, v uint8) *core.DitherRequest {
	data := make(core.PixelBuffer, w*h*4)
	for i := 0; i < w*h; i++ {
		data[i*4], data[i*4+1], data[i*4+2], data[i*4+3] = v, v, v, 200
	}
	return &core.DitherRequest{ID: id, Width: uint32(w), Height: uint32(h), Data: data, Algorithm: alg}
}

func expected(t *testing.T, req *core.DitherRequest) core.PixelBuffer {
	t.Helper()
	want := make(core.PixelBuffer, len(req.Data))
	copy(want, req.Data)
	require.NoError(t, algorithm.Apply(req.Algorithm, want, int(req.Width), int(req.Height)))
	return want
}

func TestHandle_DispatchesByAlgorithm(t *testing.T) {
	w := New()
	for _, alg := range []core.Algorithm{core.AlgorithmFloydSteinberg, core.AlgorithmBayer, "unknown"} {
		req := grayRequest("r-"+string(alg), alg, 8, 8, 90)
		want := expected(t, req)

		resp := w.Handle(req)
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, req.ID, resp.ID)
		assert.Equal(t, want, resp.Data)
		assert.Nil(t, req.Data, "request must relinquish its buffer")
	}
	assert.Equal(t, int64(3), w.Handled())
	assert.Equal(t, int64(0), w.Failed())
}

func TestHandle_TransformErrorBecomesFailure(t *testing.T) {
	w := New()
	req := &core.DitherRequest{ID: "bad", Width: 4, Height: 4, Data: make(core.PixelBuffer, 3)}

	resp := w.Handle(req)
	assert.False(t, resp.Success)
	assert.Equal(t, "bad", resp.ID)
	assert.Contains(t, resp.Error, "invalid dimensions")
	assert.Equal(t, int64(1), w.Failed())
}

func TestHandle_PanicBecomesFailure(t *testing.T) {
	w := New(WithTransform(func(core.Algorithm, core.PixelBuffer, int, int) error {
		panic("boom")
	}))
	resp := w.Handle(grayRequest("p", core.AlgorithmBayer, 2, 2, 0))
	assert.False(t, resp.Success)
	assert.Equal(t, "p", resp.ID)
	assert.Equal(t, "boom", resp.Error)
}

func TestInProcess_AnswersInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	ep, err := (&InProcess{QueueSize: 4}).Launch(ctx)
	require.NoError(t, err)
	defer ep.Close()

	ids := []string{"a", "b", "c", "d", "e"}
	go func() {
		for _, id := range ids {
			_ = ep.Send(ctx, grayRequest(id, core.AlgorithmBayer, 4, 4, 128))
		}
	}()

	for _, id := range ids {
		select {
		case resp := <-ep.Responses():
			require.True(t, resp.Success)
			assert.Equal(t, id, resp.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not answer")
		}
	}
}

func TestInProcess_SendAfterClose(t *testing.T) {
	ep, err := (&InProcess{}).Launch(context.Background())
	require.NoError(t, err)
	require.NoError(t, ep.Close())

	err = ep.Send(context.Background(), grayRequest("late", core.AlgorithmBayer, 1, 1, 0))
	require.Error(t, err)

	select {
	case _, ok := <-ep.Responses():
		assert.False(t, ok, "responses channel must close after Close")
	case <-time.After(5 * time.Second):
		t.Fatal("responses channel not closed")
	}
}

func TestInProcess_LaunchWithCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&InProcess{}).Launch(ctx)
	assert.Error(t, err)
}

func TestServe_JSONStream(t *testing.T) {
	reqs := []*core.DitherRequest{
		grayRequest("one", core.AlgorithmFloydSteinberg, 5, 3, 100),
		grayRequest("two", core.AlgorithmBayer, 4, 4, 100),
		{ID: "three", Width: 2, Height: 2, Data: make(core.PixelBuffer, 1)},
	}
	wants := []core.PixelBuffer{expected(t, reqs[0]), expected(t, reqs[1]), nil}

	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	for _, r := range reqs {
		require.NoError(t, enc.Encode(r))
	}

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), &in, &out))

	dec := json.NewDecoder(&out)
	for i, r := range reqs {
		var resp core.DitherResponse
		require.NoError(t, dec.Decode(&resp))
		assert.Equal(t, r.ID, resp.ID)
		if wants[i] == nil {
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			continue
		}
		assert.True(t, resp.Success)
		assert.Equal(t, wants[i], resp.Data)
	}
}

func TestServe_MalformedInput(t *testing.T) {
	err := Serve(context.Background(), bytes.NewBufferString("{not json"), io.Discard)
	assert.Error(t, err)
}

// pipeCloser closes both halves of an in-memory transport.
type pipeCloser []io.Closer

func (p pipeCloser) Close() error {
	var errs []error
	for _, c := range p {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func TestStreamEndpoint_RoundTripThroughServe(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = Serve(context.Background(), reqR, respW)
		respW.Close()
	}()

	ep := NewStreamEndpoint(respR, reqW, pipeCloser{reqW})
	defer ep.Close()

	req := grayRequest("s1", core.AlgorithmBayer, 6, 6, 140)
	want := expected(t, req)
	require.NoError(t, ep.Send(context.Background(), req))
	assert.Nil(t, req.Data)

	select {
	case resp := <-ep.Responses():
		require.True(t, resp.Success)
		assert.Equal(t, "s1", resp.ID)
		assert.Equal(t, want, resp.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no response over stream")
	}

	require.NoError(t, ep.Close())
	select {
	case _, ok := <-ep.Responses():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
	assert.NoError(t, ep.Err())
}

func TestProcess_LaunchMissingBinary(t *testing.T) {
	_, err := (&Process{Command: []string{"/nonexistent/dither-worker"}}).Launch(context.Background())
	assert.Error(t, err)
}
