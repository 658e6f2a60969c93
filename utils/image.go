package utils

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ImageDimensions decodes just the image header and returns width/height.
func ImageDimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// PerceptualHash computes a 64-bit average hash of the image, returned as
// 16 hex chars. Near-identical images (resizes, recompressions) produce
// identical or close hashes, which is enough for duplicate linking.
func PerceptualHash(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	const side = 8
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return "", fmt.Errorf("empty image")
	}

	// Downsample to an 8x8 grayscale grid by block averaging.
	var gray [side * side]float64
	for gy := 0; gy < side; gy++ {
		for gx := 0; gx < side; gx++ {
			x0 := bounds.Min.X + gx*w/side
			x1 := bounds.Min.X + (gx+1)*w/side
			y0 := bounds.Min.Y + gy*h/side
			y1 := bounds.Min.Y + (gy+1)*h/side
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}

			var sum, n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, b, _ := img.At(x, y).RGBA()
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
					n++
				}
			}
			gray[gy*side+gx] = sum / n
		}
	}

	var mean float64
	for _, v := range gray {
		mean += v
	}
	mean /= float64(len(gray))

	var bits uint64
	for i, v := range gray {
		if v >= mean {
			bits |= 1 << uint(i)
		}
	}

	return fmt.Sprintf("%016x", bits), nil
}
