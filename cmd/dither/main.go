// Command dither converts the images of a directory (or a list of locators)
// to black and white, and hosts the transform worker for process mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	dither "github.com/Skryldev/image-dither"
	"github.com/Skryldev/image-dither/config"
	"github.com/Skryldev/image-dither/core"
	"github.com/Skryldev/image-dither/hooks"
	"github.com/Skryldev/image-dither/worker"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const usage = `dither - black and white dithering for image pages

Usage:
  dither run [flags] <dir|locator[@WxH]>...   dither once and print the tally
  dither serve [flags] <dir|locator[@WxH]>... answer JSON commands on stdin
  dither worker                               run the transform worker on stdin/stdout
  dither version                              print version information

Run "dither <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:], os.Stdout)
	case "serve":
		err = serveCmd(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "worker":
		err = workerCmd(ctx)
	case "version", "--version", "-v":
		fmt.Printf("dither %s (commit %s)\n", Version, GitCommit)
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "dither: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dither: %v\n", err)
		os.Exit(1)
	}
}

// common holds the flags shared by run and serve.
type common struct {
	configPath string
	origin     string
	algorithm  string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "extra TOML config file, applied last")
	fs.StringVar(&c.origin, "origin", "", "page origin for cross-origin checks (empty: local page)")
	fs.StringVar(&c.algorithm, "algorithm", "", "floyd-steinberg or bayer (default from config)")
	fs.StringVar(&c.logLevel, "log-level", "", "override log_level")
}

func (c *common) engine(ctx context.Context, args []string) (*dither.Engine, *slog.Logger, error) {
	paths := config.DefaultPaths()
	if c.configPath != "" {
		if _, err := os.Stat(c.configPath); err != nil {
			return nil, nil, fmt.Errorf("config: %w", err)
		}
		paths = append(paths, c.configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}

	log := slog.New(hooks.NewSlogHandler(cfg.LogLevel, cfg.LogFormat, os.Stderr))
	opts := append([]dither.Option{
		dither.WithLogger(hooks.NewSlogLogger(log)),
		dither.WithOrigin(c.origin),
	}, decoderOptions(cfg)...)
	e, err := dither.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := loadPage(ctx, e, args, log); err != nil {
		_ = e.Close()
		return nil, nil, err
	}
	return e, log, nil
}

// loadPage adds every argument to the page.  Directories contribute their
// image files; "locator@WxH" sets an explicit display size, otherwise the
// image is shown at its natural size.
func loadPage(ctx context.Context, e *dither.Engine, args []string, log *slog.Logger) error {
	if len(args) == 0 {
		return errors.New("no images given")
	}
	for _, arg := range args {
		if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
			for _, err := range e.Page().LoadDir(ctx, arg) {
				log.Warn("page.load.skipped", "dir", arg, "error", err.Error())
			}
			continue
		}
		locator, w, h, sized := parseSized(arg)
		if sized {
			e.Page().Add(arg, locator, w, h)
			continue
		}
		if _, err := e.Page().AddMeasured(ctx, locator, locator); err != nil {
			// Unmeasurable images still count in the tally.
			log.Warn("page.measure.failed", "locator", locator, "error", err.Error())
			cfg := e.Config()
			e.Page().Add(locator, locator, cfg.MinWidth, cfg.MinHeight)
		}
	}
	return nil
}

func parseSized(arg string) (locator string, w, h int, ok bool) {
	i := strings.LastIndex(arg, "@")
	if i < 0 {
		return arg, 0, 0, false
	}
	ws, hs, found := strings.Cut(arg[i+1:], "x")
	if !found {
		return arg, 0, 0, false
	}
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil || w < 0 || h < 0 {
		return arg, 0, 0, false
	}
	return arg[:i], w, h, true
}

func runCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var c common
	c.register(fs)
	outDir := fs.String("out", "", "write the dithered images to this directory")
	_ = fs.Parse(args)

	e, log, err := c.engine(ctx, fs.Args())
	if err != nil {
		return err
	}
	defer e.Close()

	start := time.Now()
	stats, err := e.DitherPage(ctx, core.Algorithm(c.algorithm))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, summary(stats, e.Store().LiveBytes(), time.Since(start)))

	if *outDir != "" {
		written, err := e.Export(ctx, *outDir)
		for _, p := range written {
			log.Info("export.written", "path", p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func summary(s core.Stats, materialized int64, d time.Duration) string {
	return fmt.Sprintf("processed %d of %d images (%d cors, %d too small, %d errors) in %s, %s materialized",
		s.Processed, s.Total, s.CORSErrors, s.TooSmall, s.OtherErrors,
		d.Round(time.Millisecond), humanize.Bytes(uint64(materialized)))
}

func serveCmd(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var c common
	c.register(fs)
	_ = fs.Parse(args)

	e, log, err := c.engine(ctx, fs.Args())
	if err != nil {
		return err
	}
	defer e.Close()

	images, _ := e.Page().Images(ctx)
	log.Info("serve.ready", "images", len(images))
	err = e.ServeCommands(ctx, stdin, stdout)
	if n, rerr := e.Restore(context.WithoutCancel(ctx)); rerr == nil && n > 0 {
		log.Info("serve.restored_on_exit", "images", n)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func workerCmd(ctx context.Context) error {
	cfg, cfgErr := config.Load(config.DefaultPaths()...)
	if cfgErr != nil {
		cfg = config.Default()
	}
	// stdout carries the protocol; logs go to stderr.
	log := slog.New(hooks.NewSlogHandler(cfg.LogLevel, cfg.LogFormat, os.Stderr))
	if cfgErr != nil {
		log.Warn("worker.config.ignored", "error", cfgErr.Error())
	}
	return worker.Serve(ctx, os.Stdin, os.Stdout, worker.WithLogger(hooks.NewSlogLogger(log)))
}
