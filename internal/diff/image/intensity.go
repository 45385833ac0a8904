package image

import (
	"image"
	"image/draw"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultAmplification is the factor applied to per-channel deltas in the
// delta image so faint regressions remain visible to a human reviewer.
const DefaultAmplification = 10

type IntensityDiff struct {
	amplification int
}

func NewIntensityDiff(amplification int) *IntensityDiff {
	if amplification < 1 {
		amplification = 1
	}
	return &IntensityDiff{
		amplification,
	}
}

// Calculate computes the fraction of the maximum possible intensity
// difference between two equal-sized images: the sum of absolute per-channel
// RGB deltas, normalized by width * height * 3 * 255. Alpha is ignored.
// Inputs of differing dimensions are maximally dissimilar (ratio 1.0, no
// delta image); no resizing happens here.
func (d *IntensityDiff) Calculate(baseline image.Image, candidate image.Image) *DiffResult {
	baselineBounds := baseline.Bounds()
	candidateBounds := candidate.Bounds()
	if baselineBounds.Dx() != candidateBounds.Dx() || baselineBounds.Dy() != candidateBounds.Dy() {
		return &DiffResult{
			Ratio: 1.0,
		}
	}

	width := baselineBounds.Dx()
	height := baselineBounds.Dy()

	baselineRGBA := toRGBA(baseline)
	candidateRGBA := toRGBA(candidate)
	delta := image.NewRGBA(image.Rect(0, 0, width, height))

	if baseline == candidate {
		opaque(delta)
		return &DiffResult{
			Delta: delta,
			Ratio: 0.0,
		}
	}

	// Use GOMAXPROCS instead of runtime.NumCPU() to consider cgroup.
	// https://tip.golang.org/doc/go1.25#container-aware-gomaxprocs
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > height {
		numWorkers = height
	}

	var totalDelta int64

	if numWorkers > 0 {
		rowsPerWorker := height / numWorkers

		var wg sync.WaitGroup
		wg.Add(numWorkers)

		for i := 0; i < numWorkers; i++ {
			startY := i * rowsPerWorker
			endY := startY + rowsPerWorker
			if i == numWorkers-1 {
				endY = height
			}

			go func(startY int, endY int) {
				defer wg.Done()
				d.processRows(baselineRGBA, candidateRGBA, delta, width, startY, endY, &totalDelta)
			}(startY, endY)
		}

		wg.Wait()
	}

	maxDelta := int64(width) * int64(height) * 3 * 255

	ratio := 0.0
	if maxDelta > 0 {
		ratio = float64(totalDelta) / float64(maxDelta)
	}

	return &DiffResult{
		Delta: delta,
		Ratio: ratio,
	}
}

func (d *IntensityDiff) processRows(baseline *image.RGBA, candidate *image.RGBA, delta *image.RGBA, width int, startY int, endY int, totalDelta *int64) {
	var localDelta int64

	for y := startY; y < endY; y++ {
		baselineRowStart := baseline.PixOffset(0, y)
		candidateRowStart := candidate.PixOffset(0, y)
		deltaRowStart := delta.PixOffset(0, y)

		for x := 0; x < width; x++ {
			baselineOffset := baselineRowStart + x*4
			candidateOffset := candidateRowStart + x*4
			deltaOffset := deltaRowStart + x*4

			dr := absDiff(baseline.Pix[baselineOffset], candidate.Pix[candidateOffset])
			dg := absDiff(baseline.Pix[baselineOffset+1], candidate.Pix[candidateOffset+1])
			db := absDiff(baseline.Pix[baselineOffset+2], candidate.Pix[candidateOffset+2])

			localDelta += int64(dr) + int64(dg) + int64(db)

			delta.Pix[deltaOffset] = d.amplify(dr)
			delta.Pix[deltaOffset+1] = d.amplify(dg)
			delta.Pix[deltaOffset+2] = d.amplify(db)
			delta.Pix[deltaOffset+3] = 255
		}
	}

	atomic.AddInt64(totalDelta, localDelta)
}

func (d *IntensityDiff) amplify(v uint8) uint8 {
	amplified := int(v) * d.amplification
	if amplified > 255 {
		return 255
	}
	return uint8(amplified)
}

func absDiff(a uint8, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// toRGBA normalizes any decoded image to a zero-origin 8-bit RGBA buffer so
// the row workers can walk Pix directly.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

func opaque(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
}
