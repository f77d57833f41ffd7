package dither_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dither "github.com/Skryldev/image-dither"
	"github.com/Skryldev/image-dither/adapters/fetch"
	"github.com/Skryldev/image-dither/adapters/storage"
	"github.com/Skryldev/image-dither/core"
	"github.com/Skryldev/image-dither/hooks"
	"github.com/Skryldev/image-dither/worker"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func newGradientPNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / w)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v / 2, B: 255 - v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func writeImage(t testing.TB, dir, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, newGradientPNG(t, w, h), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newEngine(t testing.TB, opts ...dither.Option) *dither.Engine {
	t.Helper()
	e, err := dither.New(dither.DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// decodeResource reads the resource an image currently shows.
func decodeResource(t *testing.T, e *dither.Engine, locator string) image.Image {
	t.Helper()
	rc, err := e.Store().Open(context.Background(), locator)
	require.NoError(t, err)
	defer rc.Close()
	img, err := png.Decode(rc)
	require.NoError(t, err)
	return img
}

func assertBiLevel(t *testing.T, img image.Image) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if !(c.R == c.G && c.G == c.B && (c.R == 0 || c.R == 255)) {
				t.Fatalf("pixel (%d,%d) = %v, want black or white", x, y, c)
			}
		}
	}
}

// ── Unit tests ────────────────────────────────────────────────────────────────

func TestDitherPage_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "a.png", 48, 40)
	e := newEngine(t)
	require.Empty(t, e.Page().LoadDir(context.Background(), dir))

	stats, err := e.DitherPage(context.Background(), dither.FloydSteinberg)
	require.NoError(t, err)
	assert.Equal(t, core.Stats{Total: 1, Processed: 1}, stats)

	img, _ := e.Page().Image("a.png")
	shown := img.Source()
	require.True(t, strings.HasPrefix(shown, "blob:"), shown)
	out := decodeResource(t, e, shown)
	assert.Equal(t, image.Rect(0, 0, 48, 40), out.Bounds())
	assertBiLevel(t, out)

	n, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, path, img.Source())
	assert.Zero(t, e.Store().Live(), "restore releases the resource")

	n, err = e.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "second restore is a no-op")
	assert.Equal(t, []string{shown, path}, img.History())
}

func TestDitherPage_SizeBoundary(t *testing.T) {
	path := writeImage(t, t.TempDir(), "src.png", 40, 40)
	e := newEngine(t)
	e.Page().Add("exact", path, 32, 32)
	e.Page().Add("narrow", path, 31, 32)
	e.Page().Add("short", path, 32, 31)

	stats, err := e.DitherPage(context.Background(), dither.Bayer)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 2, stats.TooSmall)

	for _, key := range []string{"narrow", "short"} {
		img, _ := e.Page().Image(key)
		assert.Equal(t, path, img.Source(), key)
		assert.Empty(t, img.History(), key)
	}
}

func TestDitherPage_ReprocessUsesOriginal(t *testing.T) {
	path := writeImage(t, t.TempDir(), "a.png", 64, 64)
	e := newEngine(t)
	img := e.Page().Add("a", path, 64, 64)

	_, err := e.DitherPage(context.Background(), dither.FloydSteinberg)
	require.NoError(t, err)
	first := img.Source()

	stats, err := e.DitherPage(context.Background(), dither.Bayer)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.NotEqual(t, first, img.Source())
	assert.Equal(t, 1, e.Store().Live(), "the previous resource is released")
	assert.False(t, e.Store().Owns(first))

	rec, ok := e.Inner().Records().Lookup("a")
	require.True(t, ok)
	assert.Equal(t, path, rec.OriginalSource)
	assert.Equal(t, core.StateProcessed, rec.State)
}

func TestDitherPage_CrossOriginCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no anonymous access", http.StatusForbidden)
	}))
	defer srv.Close()

	ok := writeImage(t, t.TempDir(), "local.png", 40, 40)
	e := newEngine(t, dither.WithOrigin("https://page.example"))
	e.Page().Add("remote", srv.URL+"/x.png", 100, 100)
	e.Page().Add("local", ok, 40, 40)
	e.Page().Add("tiny", ok, 8, 8)

	stats, err := e.DitherPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, core.Stats{Total: 3, Processed: 1, CORSErrors: 1, TooSmall: 1}, stats)

	remote, _ := e.Page().Image("remote")
	assert.Equal(t, srv.URL+"/x.png", remote.Source(), "failed images are left untouched")

	snap := e.Metrics()
	assert.Equal(t, int64(1), snap.Outcomes[core.OutcomeCORS])
	assert.Equal(t, int64(1), snap.Outcomes[core.OutcomeProcessed])
	assert.Positive(t, snap.TotalThroughputB)
}

func TestDitherPage_UnknownAlgorithmFallsBack(t *testing.T) {
	path := writeImage(t, t.TempDir(), "a.png", 40, 40)
	e := newEngine(t)
	e.Page().Add("a", path, 40, 40)

	stats, err := e.DitherPage(context.Background(), "atkinson")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
}

func TestServeCommands(t *testing.T) {
	path := writeImage(t, t.TempDir(), "a.png", 40, 40)
	e := newEngine(t)
	e.Page().Add("a", path, 40, 40)

	in := strings.NewReader(`{"action":"dither_page","algorithm":"bayer"}
{"action":"dither_page","algorithm":"original"}
{"action":"reload"}
`)
	var out bytes.Buffer
	require.NoError(t, e.ServeCommands(context.Background(), in, &out))
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"status":"done","stats":{"restored":true}}`, lines[1])

	dec := json.NewDecoder(&out)
	var replies []core.Reply
	for dec.More() {
		var r core.Reply
		require.NoError(t, dec.Decode(&r))
		replies = append(replies, r)
	}
	require.Len(t, replies, 3)

	assert.Equal(t, "done", replies[0].Status)
	require.NotNil(t, replies[0].Stats)
	assert.Equal(t, 1, replies[0].Stats.Processed)

	assert.Equal(t, "done", replies[1].Status)
	require.NotNil(t, replies[1].Stats)
	assert.True(t, replies[1].Stats.Restored)

	assert.Equal(t, "error", replies[2].Status)
	assert.Contains(t, replies[2].Error, "reload")

	img, _ := e.Page().Image("a")
	assert.Equal(t, path, img.Source())
}

func TestServeCommands_Malformed(t *testing.T) {
	e := newEngine(t)
	var out bytes.Buffer
	err := e.ServeCommands(context.Background(), strings.NewReader(`{"action":`), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), `"status":"error"`)
}

func TestExport(t *testing.T) {
	path := writeImage(t, t.TempDir(), "photo.png", 40, 40)
	e := newEngine(t)
	e.Page().Add("photo.png", path, 40, 40)
	e.Page().Add("small.png", path, 10, 10)

	_, err := e.DitherPage(context.Background(), dither.FloydSteinberg)
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "out")
	written, err := e.Export(context.Background(), outDir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(outDir, "photo.dither.png")}, written)

	f, err := os.Open(written[0])
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assertBiLevel(t, img)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := dither.DefaultConfig()
	cfg.OutputFormat = "gif"
	_, err := dither.New(cfg)
	require.Error(t, err)
}

// countingDecoders serves PNG through the stdlib and counts its use.
type countingDecoders struct {
	decodes   atomic.Int64
	shutdowns atomic.Int64
}

func (c *countingDecoders) Register(reg core.Registry) { reg.RegisterDecoder(core.FormatPNG, c) }
func (c *countingDecoders) Shutdown() { c.shutdowns.Add(1) }
func (c *countingDecoders) CanDecode(f core.Format) bool { return f == core.FormatPNG }

func (c *countingDecoders) Decode(_ context.Context, r io.Reader) (image.Image, error) {
	c.decodes.Add(1)
	return png.Decode(r)
}

func TestNew_DecoderBackend(t *testing.T) {
	backend := &countingDecoders{}
	cfg := dither.DefaultConfig()
	cfg.DecoderBackend = "vips"
	e, err := dither.New(cfg, dither.WithDecoderBackend(backend))
	require.NoError(t, err)

	path := writeImage(t, t.TempDir(), "a.png", 40, 40)
	e.Page().Add("a", path, 40, 40)
	stats, err := e.DitherPage(context.Background(), dither.Bayer)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Positive(t, backend.decodes.Load())

	require.NoError(t, e.Close())
	assert.Equal(t, int64(1), backend.shutdowns.Load())
}

func TestNew_VipsWithoutBackend(t *testing.T) {
	cfg := dither.DefaultConfig()
	cfg.DecoderBackend = "vips"
	_, err := dither.New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vips")
}

func TestNew_LocalStorage(t *testing.T) {
	cfg := dither.DefaultConfig()
	cfg.Storage.Backend = "local"
	cfg.Storage.Local.RootDir = t.TempDir()
	e, err := dither.New(cfg)
	require.NoError(t, err)
	defer e.Close()

	path := writeImage(t, t.TempDir(), "a.png", 40, 40)
	e.Page().Add("a", path, 40, 40)
	stats, err := e.DitherPage(context.Background(), dither.Bayer)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)

	entries, err := os.ReadDir(filepath.Join(cfg.Storage.Local.RootDir, "resources"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestNew_Overrides(t *testing.T) {
	mem := storage.NewMemory()
	metrics := hooks.NewInMemoryMetrics()
	e := newEngine(t,
		dither.WithLauncher(&worker.InProcess{QueueSize: 2}),
		dither.WithStorage(mem),
		dither.WithFetcher(fetch.New(0)),
		dither.WithHook(hooks.NewMetricsHook(metrics)),
	)
	path := writeImage(t, t.TempDir(), "a.png", 40, 40)
	e.Page().Add("a", path, 40, 40)

	_, err := e.DitherPage(context.Background(), dither.Bayer)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, int64(1), metrics.Snapshot().StepCalls["dither"])
	assert.Zero(t, e.Coordinator().ProtocolViolations())
	assert.Zero(t, e.Coordinator().Pending())
	_, ok := e.Registry().EncoderFor(core.FormatPNG)
	assert.True(t, ok)
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkDitherPage(b *testing.B) {
	dir := b.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		writeImage(b, dir, name, 256, 256)
	}
	e := newEngine(b)
	if errs := e.Page().LoadDir(context.Background(), dir); len(errs) > 0 {
		b.Fatalf("load: %v", errs)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := e.DitherPage(context.Background(), dither.FloydSteinberg); err != nil {
			b.Fatal(err)
		}
	}
}
