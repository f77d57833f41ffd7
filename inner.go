package dither

import "github.com/Skryldev/image-dither/core"

// Inner exposes the underlying core.Processor for advanced use (e.g., direct
// access to the image record table in tests).  Prefer the high-level API for
// normal usage.
func (e *Engine) Inner() *core.Processor { return e.inner }
