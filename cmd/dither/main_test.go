package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-dither/core"
)

func TestParseSized(t *testing.T) {
	tests := []struct {
		arg     string
		locator string
		w, h    int
		ok      bool
	}{
		{"photo.png@64x48", "photo.png", 64, 48, true},
		{"https://u:p@host/x.png@10x10", "https://u:p@host/x.png", 10, 10, true},
		{"photo.png", "photo.png", 0, 0, false},
		{"https://u:p@host/x.png", "https://u:p@host/x.png", 0, 0, false},
		{"a@bxc", "a@bxc", 0, 0, false},
		{"a@-1x2", "a@-1x2", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			loc, w, h, ok := parseSized(tt.arg)
			assert.Equal(t, tt.locator, loc)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSummary(t *testing.T) {
	s := summary(core.Stats{Total: 5, Processed: 2, CORSErrors: 1, TooSmall: 1, OtherErrors: 1}, 2500, 1234*time.Microsecond)
	assert.Equal(t, "processed 2 of 5 images (1 cors, 1 too small, 1 errors) in 1ms, 2.5 kB materialized", s)
}

func TestRunCmd(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	outDir := filepath.Join(t.TempDir(), "out")
	var stdout bytes.Buffer
	err := runCmd(context.Background(), []string{"-algorithm", "bayer", "-out", outDir, "-log-level", "error",
		path, path + "@8x8"}, &stdout)
	require.NoError(t, err)

	line := strings.TrimSpace(stdout.String())
	assert.True(t, strings.HasPrefix(line, "processed 1 of 2 images (0 cors, 1 too small, 0 errors)"), line)
	_, err = os.Stat(filepath.Join(outDir, "a.dither.png"))
	assert.NoError(t, err)
}
