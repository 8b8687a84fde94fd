package classifier

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"forestguardian/internal/wire"
)

// EncodeGridPNG renders a reconstructed spectrogram grid as a grayscale PNG,
// the image_bytes form every classifier tier and the filesystem spectrogram
// archive consume (SPEC_FULL.md §6).
func EncodeGridPNG(grid []uint8, w, h int) ([]byte, error) {
	if len(grid) != w*h {
		return nil, fmt.Errorf("classifier: grid has %d cells, want %d", len(grid), w*h)
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			img.SetGray(col, row, color.Gray{Y: grid[row*w+col]})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("classifier: encoding grid png: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeGridPNG reverses EncodeGridPNG for tiers (Local) that need the raw
// grid back out of the wire-agnostic image_bytes representation.
func decodeGridPNG(data []byte) ([]uint8, int, int, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decoding grid png: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	grid := make([]uint8, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			gr, _, _, _ := img.At(bounds.Min.X+col, bounds.Min.Y+row).RGBA()
			grid[row*w+col] = uint8(gr >> 8)
		}
	}
	if w != wire.GridWidth || h != wire.GridHeight {
		return grid, w, h, nil
	}
	return grid, w, h, nil
}
