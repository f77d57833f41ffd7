//go:build !vips

package main

import (
	dither "github.com/Skryldev/image-dither"
	"github.com/Skryldev/image-dither/config"
)

// decoderOptions is empty without the vips tag; decoder_backend vips then
// fails in dither.New.
func decoderOptions(config.Config) []dither.Option { return nil }
