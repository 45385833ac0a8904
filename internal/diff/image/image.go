package image

import "image"

// DiffResult holds the outcome of a pairwise comparison. Ratio is the
// normalized intensity delta in [0, 1]. Delta is the amplified per-pixel
// difference image; it is nil when the inputs could not be compared
// pixel-by-pixel (differing dimensions).
type DiffResult struct {
	Delta image.Image
	Ratio float64
}

type Differ interface {
	Calculate(baseline image.Image, candidate image.Image) *DiffResult
}
