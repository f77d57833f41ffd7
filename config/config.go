package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// AppName names the XDG config subdirectory.
const AppName = "image-dither"

// StorageBackend selects the storage adapter behind the resource store.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageLocal  StorageBackend = "local"
)

// WorkerMode selects where the transform worker runs.
type WorkerMode string

const (
	WorkerInProcess WorkerMode = "inprocess"
	WorkerProcess   WorkerMode = "process"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Eligibility: images displayed smaller than this in either dimension
	// are skipped as too-small.
	MinWidth  int `koanf:"min_width"`
	MinHeight int `koanf:"min_height"`

	DefaultAlgorithm string `koanf:"default_algorithm"`

	// Materialization container.
	OutputFormat  string `koanf:"output_format"`  // "png" or "jpeg"
	OutputQuality int    `koanf:"output_quality"` // JPEG only, 1-100

	// DispatchTimeout bounds the wait for a worker response.  0 = forever.
	DispatchTimeout time.Duration `koanf:"dispatch_timeout"`

	DecoderBackend string `koanf:"decoder_backend"` // "stdlib" or "vips"

	ChunkSize int `koanf:"chunk_size"` // streaming chunk size in bytes

	// Retry of transient step failures.
	MaxRetries int           `koanf:"max_retries"`
	RetryDelay time.Duration `koanf:"retry_delay"`

	Worker  WorkerConfig  `koanf:"worker"`
	Fetch   FetchConfig   `koanf:"fetch"`
	Storage StorageConfig `koanf:"storage"`

	LogLevel  string `koanf:"log_level"`  // "debug", "info", "warn", "error"
	LogFormat string `koanf:"log_format"` // "text" or "json"
}

// WorkerConfig configures the transform worker.
type WorkerConfig struct {
	Mode      WorkerMode `koanf:"mode"`
	Command   []string   `koanf:"command"` // argv in process mode; empty = self
	QueueSize int        `koanf:"queue_size"`
}

// FetchConfig configures the anonymous fetcher.
type FetchConfig struct {
	Timeout   time.Duration `koanf:"timeout"`
	MaxBytes  int64         `koanf:"max_bytes"` // 0 = no limit
	UserAgent string        `koanf:"user_agent"`
}

// StorageConfig configures where materialized resources live.
type StorageConfig struct {
	Backend StorageBackend `koanf:"backend"`
	Local   LocalConfig    `koanf:"local"`
}

// LocalConfig configures the local filesystem storage adapter.
type LocalConfig struct {
	RootDir     string `koanf:"root_dir"`
	Permissions uint32 `koanf:"permissions"` // default 0644
}

// Default returns a Config populated with production defaults.
func Default() Config {
	return Config{
		MinWidth:         32,
		MinHeight:        32,
		DefaultAlgorithm: "floyd-steinberg",
		OutputFormat:     "png",
		OutputQuality:    85,
		DispatchTimeout:  60 * time.Second,
		DecoderBackend:   "stdlib",
		ChunkSize:        32 * 1024,
		MaxRetries:       0,
		RetryDelay:       200 * time.Millisecond,
		Worker: WorkerConfig{
			Mode:      WorkerInProcess,
			QueueSize: 64,
		},
		Fetch: FetchConfig{
			Timeout:   15 * time.Second,
			MaxBytes:  64 << 20,
			UserAgent: AppName,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			Local:   LocalConfig{Permissions: 0o644},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	var errs []error
	if c.MinWidth < 0 || c.MinHeight < 0 {
		errs = append(errs, errors.New("config: min_width and min_height must not be negative"))
	}
	switch c.DefaultAlgorithm {
	case "floyd-steinberg", "bayer":
	default:
		errs = append(errs, fmt.Errorf("config: unknown default_algorithm %q", c.DefaultAlgorithm))
	}
	switch c.OutputFormat {
	case "png", "jpeg":
	default:
		errs = append(errs, fmt.Errorf("config: output_format must be png or jpeg, got %q", c.OutputFormat))
	}
	if c.OutputQuality < 1 || c.OutputQuality > 100 {
		errs = append(errs, errors.New("config: output_quality must be between 1 and 100"))
	}
	if c.DispatchTimeout < 0 {
		errs = append(errs, errors.New("config: dispatch_timeout must not be negative"))
	}
	switch c.DecoderBackend {
	case "stdlib", "vips":
	default:
		errs = append(errs, fmt.Errorf("config: decoder_backend must be stdlib or vips, got %q", c.DecoderBackend))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("config: chunk_size must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("config: max_retries must not be negative"))
	}
	switch c.Worker.Mode {
	case WorkerInProcess, WorkerProcess:
	default:
		errs = append(errs, fmt.Errorf("config: worker.mode must be inprocess or process, got %q", c.Worker.Mode))
	}
	if c.Fetch.MaxBytes < 0 {
		errs = append(errs, errors.New("config: fetch.max_bytes must not be negative"))
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.RootDir == "" {
			errs = append(errs, errors.New("config: storage.local.root_dir is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Load reads the TOML files at paths on top of Default().  Missing files are
// skipped; later files override earlier ones.  The result is validated.
func Load(paths ...string) (Config, error) {
	k := koanf.New(".")
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Storage.Local.RootDir = expandPath(cfg.Storage.Local.RootDir)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultPaths returns the config file candidates, lowest priority first:
// the XDG system dirs, the XDG user dir, then ./image-dither.toml.
func DefaultPaths() []string {
	rel := filepath.Join(AppName, "config.toml")
	var paths []string
	for i := len(xdg.ConfigDirs) - 1; i >= 0; i-- {
		paths = append(paths, filepath.Join(xdg.ConfigDirs[i], rel))
	}
	paths = append(paths, filepath.Join(xdg.ConfigHome, rel))
	return append(paths, AppName+".toml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
