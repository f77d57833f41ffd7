//go:build vips

package main

import (
	dither "github.com/Skryldev/image-dither"
	"github.com/Skryldev/image-dither/adapters/vips"
	"github.com/Skryldev/image-dither/config"
)

func decoderOptions(cfg config.Config) []dither.Option {
	if cfg.DecoderBackend != "vips" {
		return nil
	}
	return []dither.Option{
		dither.WithDecoderBackend(vips.NewBackend(vips.BackendConfig{ChunkSize: cfg.ChunkSize})),
	}
}
