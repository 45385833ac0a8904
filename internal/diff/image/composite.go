package image

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
)

// SideBySide lays out the baseline, candidate and delta panels left to right
// in a single image three panel-widths wide. All three inputs must already
// share dimensions; use Stretch on the candidate first when they do not.
func SideBySide(baseline image.Image, candidate image.Image, delta image.Image) *image.RGBA {
	width := baseline.Bounds().Dx()
	height := baseline.Bounds().Dy()

	composite := image.NewRGBA(image.Rect(0, 0, width*3, height))

	draw.Draw(composite, image.Rect(0, 0, width, height), baseline, baseline.Bounds().Min, draw.Src)
	draw.Draw(composite, image.Rect(width, 0, width*2, height), candidate, candidate.Bounds().Min, draw.Src)
	draw.Draw(composite, image.Rect(width*2, 0, width*3, height), delta, delta.Bounds().Min, draw.Src)

	return composite
}

// Stretch resamples img to the given dimensions. It exists purely so the
// composite panels line up when the candidate's dimensions drifted; the
// similarity computation must never see a stretched image.
func Stretch(img image.Image, width int, height int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}
