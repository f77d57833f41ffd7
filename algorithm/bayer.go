package algorithm

import "github.com/Skryldev/image-dither/core"

// BayerMatrix is the 4x4 ordered-dither matrix, row-major, values 1-16.
var BayerMatrix = [16]int{
	1, 9, 3, 11,
	13, 5, 15, 7,
	4, 12, 2, 10,
	16, 8, 14, 6,
}

// bayerThresholds caches matrixValue/17*255 per cell.  Dividing by 17 keeps
// every threshold strictly inside (0, 255).
var bayerThresholds = func() (t [16]float64) {
	for i, v := range BayerMatrix {
		t[i] = float64(v) / 17 * 255
	}
	return t
}()

// BayerThreshold returns the luma threshold of the tile cell covering (x, y).
func BayerThreshold(x, y int) float64 {
	return bayerThresholds[(y&3)*4+(x&3)]
}

// Bayer applies ordered dithering with the 4x4 matrix tiled across the image.
// Each pixel depends only on its own luma and its position modulo 4.
func Bayer(data core.PixelBuffer, width, height int) error {
	if err := validate("bayer", data, width, height); err != nil {
		return err
	}
	for y := 0; y < height; y++ {
		row := y * width * 4
		for x := 0; x < width; x++ {
			p := row + x*4
			var v uint8
			if Luma(data[p], data[p+1], data[p+2]) >= BayerThreshold(x, y) {
				v = 255
			}
			data[p], data[p+1], data[p+2] = v, v, v
		}
	}
	return nil
}
