package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 32, cfg.MinWidth)
	assert.Equal(t, 32, cfg.MinHeight)
	assert.Equal(t, "floyd-steinberg", cfg.DefaultAlgorithm)
	assert.Equal(t, "png", cfg.OutputFormat)
	assert.Equal(t, 60*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, WorkerInProcess, cfg.Worker.Mode)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative size", func(c *Config) { c.MinWidth = -1 }, "min_width"},
		{"unknown algorithm", func(c *Config) { c.DefaultAlgorithm = "atkinson" }, "default_algorithm"},
		{"bad output format", func(c *Config) { c.OutputFormat = "gif" }, "output_format"},
		{"quality range", func(c *Config) { c.OutputQuality = 0 }, "output_quality"},
		{"negative timeout", func(c *Config) { c.DispatchTimeout = -time.Second }, "dispatch_timeout"},
		{"decoder backend", func(c *Config) { c.DecoderBackend = "magick" }, "decoder_backend"},
		{"chunk size", func(c *Config) { c.ChunkSize = 0 }, "chunk_size"},
		{"worker mode", func(c *Config) { c.Worker.Mode = "thread" }, "worker.mode"},
		{"local without root", func(c *Config) { c.Storage.Backend = StorageLocal }, "root_dir"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_ZeroTimeoutAllowed(t *testing.T) {
	cfg := Default()
	cfg.DispatchTimeout = 0
	assert.NoError(t, Validate(cfg))
}

func TestLoad_NoFilesGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesAndLayering(t *testing.T) {
	dir := t.TempDir()
	base := writeTOML(t, dir, "base.toml", `
min_width = 64
default_algorithm = "bayer"
dispatch_timeout = "5s"

[worker]
mode = "process"
command = ["/usr/local/bin/dither", "worker"]

[fetch]
max_bytes = 1024
`)
	override := writeTOML(t, dir, "override.toml", `
min_width = 16
log_format = "json"

[storage]
backend = "local"

[storage.local]
root_dir = "/tmp/dither"
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MinWidth)
	assert.Equal(t, 32, cfg.MinHeight, "untouched keys keep their defaults")
	assert.Equal(t, "bayer", cfg.DefaultAlgorithm)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, WorkerProcess, cfg.Worker.Mode)
	assert.Equal(t, []string{"/usr/local/bin/dither", "worker"}, cfg.Worker.Command)
	assert.Equal(t, 64, cfg.Worker.QueueSize)
	assert.Equal(t, int64(1024), cfg.Fetch.MaxBytes)
	assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/dither", cfg.Storage.Local.RootDir)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	path := writeTOML(t, t.TempDir(), "bad.toml", `output_format = "bmp"`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_format")
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTOML(t, t.TempDir(), "broken.toml", `min_width = `)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.toml")
}

func TestDefaultPaths(t *testing.T) {
	paths := DefaultPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, "image-dither.toml", paths[len(paths)-1])
	for _, p := range paths[:len(paths)-1] {
		assert.Equal(t, "config.toml", filepath.Base(p))
		assert.Equal(t, AppName, filepath.Base(filepath.Dir(p)))
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	assert.Equal(t, filepath.Join(home, "dither"), expandPath("~/dither"))
	assert.Equal(t, "/abs/path", expandPath("/abs/path"))
	assert.Equal(t, "", expandPath(""))
}
