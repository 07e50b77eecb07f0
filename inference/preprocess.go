package inference

import (
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp decoder
)

// Preprocess loads the image at path and turns it into the model's input
// tensor: resize to the declared input dimensions, normalize each channel
// with the declared mean/std, and add a batch dimension of one. The returned
// slice is laid out batch-major: [1][height][width][channel] flattened.
func Preprocess(path string, cfg *ModelConfig) ([]float32, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	resized := imaging.Resize(img, cfg.InputWidth, cfg.InputHeight, imaging.Lanczos)

	out := make([]float32, cfg.InputLen())
	i := 0
	for y := 0; y < cfg.InputHeight; y++ {
		for x := 0; x < cfg.InputWidth; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			// 16-bit color values scaled to [0,1].
			px := [3]float32{
				float32(r) / 65535.0,
				float32(g) / 65535.0,
				float32(b) / 65535.0,
			}
			for c := 0; c < cfg.Channels; c++ {
				v := px[c%3]
				out[i] = (v - cfg.Mean[c]) / cfg.Std[c]
				i++
			}
		}
	}
	return out, nil
}
