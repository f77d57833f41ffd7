package algorithm

import "github.com/Skryldev/image-dither/core"

// Threshold splits the luma range into black and white.
const Threshold = 128

// FloydSteinberg applies error-diffusion dithering.
//
// The scan is row-major from the top-left pixel.  Quantisation error is
// pushed to the unvisited neighbours with weights
//
//	      X   7/16
//	3/16 5/16 1/16
//
// A neighbour outside the image simply loses its share.
func FloydSteinberg(data core.PixelBuffer, width, height int) error {
	if err := validate("floyd_steinberg", data, width, height); err != nil {
		return err
	}

	n := width * height
	// float64 keeps diffusion from compounding 8-bit rounding error.
	lum := make([]float64, n)
	for i := 0; i < n; i++ {
		p := i * 4
		lum[i] = Luma(data[p], data[p+1], data[p+2])
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			old := lum[i]
			var quant float64
			if old >= Threshold {
				quant = 255
			}
			lum[i] = quant
			e := old - quant

			if x+1 < width {
				lum[i+1] += e * 7 / 16
			}
			if y+1 < height {
				below := i + width
				if x > 0 {
					lum[below-1] += e * 3 / 16
				}
				lum[below] += e * 5 / 16
				if x+1 < width {
					lum[below+1] += e * 1 / 16
				}
			}
		}
	}

	for i := 0; i < n; i++ {
		var v uint8
		if lum[i] >= Threshold {
			v = 255
		}
		p := i * 4
		data[p], data[p+1], data[p+2] = v, v, v
	}
	return nil
}
