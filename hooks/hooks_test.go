package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

func TestNewSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewSlogHandler("warn", "json", &buf))
	log.Info("hidden")
	log.Warn("shown", "k", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, float64(1), rec["k"])

	buf.Reset()
	slog.New(NewSlogHandler("bogus", "text", &buf)).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestLoggingHook_HumanSizes(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggingHook(NewSlogLogger(slog.New(NewSlogHandler("debug", "text", &buf))))

	img := &core.ImageData{Key: "img-1", Data: make([]byte, 2048)}
	img.Meta.Width, img.Meta.Height, img.Meta.SizeBytes = 64, 32, 2048
	h.BeforeStep(context.Background(), "encode", img)
	h.AfterStep(context.Background(), "encode", img, 3*time.Millisecond, nil)
	h.AfterStep(context.Background(), "dither", nil, time.Millisecond, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "pipeline.step.start")
	assert.Contains(t, out, "image=img-1")
	assert.Contains(t, out, `output="2.0 kB"`)
	assert.Contains(t, out, "pipeline.step.error")
	assert.Contains(t, out, "error=boom")
}

func TestInMemoryMetrics_ConcurrentRecording(t *testing.T) {
	m := NewInMemoryMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordProcessingTime("dither", 2*time.Millisecond)
			m.RecordThroughput(10)
			m.RecordOutcome(core.OutcomeProcessed)
		}()
	}
	wg.Wait()
	m.RecordError("extract", "cors")
	m.RecordOutcome(core.OutcomeCORS)

	snap := m.Snapshot()
	assert.Equal(t, int64(50), snap.StepCalls["dither"])
	assert.Equal(t, int64(100), snap.StepDurationsMs["dither"])
	assert.Equal(t, int64(500), snap.TotalThroughputB)
	assert.Equal(t, "500 B", snap.Throughput())
	assert.Equal(t, int64(50), snap.Outcomes[core.OutcomeProcessed])
	assert.Equal(t, int64(1), snap.Outcomes[core.OutcomeCORS])
	assert.Equal(t, int64(1), snap.StepErrors["extract"])

	m.RecordOutcome(core.OutcomeError)
	assert.Zero(t, snap.Outcomes[core.OutcomeError], "snapshots are copies")
}

func TestMetricsHook(t *testing.T) {
	m := NewInMemoryMetrics()
	h := NewMetricsHook(m)
	img := &core.ImageData{Data: make([]byte, 300)}
	img.Meta.SizeBytes = 300

	h.BeforeStep(context.Background(), "extract", img)
	h.AfterStep(context.Background(), "extract", img, time.Millisecond, nil)
	h.AfterStep(context.Background(), "encode", img, time.Millisecond, nil)
	h.AfterStep(context.Background(), "extract", nil, time.Millisecond,
		apperrors.New(apperrors.CategoryCORS, "rasterize", apperrors.ErrTainted))

	snap := m.Snapshot()
	assert.Equal(t, int64(300), snap.TotalThroughputB)
	assert.Equal(t, int64(2), snap.StepCalls["extract"])
	assert.Equal(t, int64(1), snap.StepErrors["extract"])
}
