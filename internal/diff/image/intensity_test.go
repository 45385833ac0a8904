package image

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"
)

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestIntensityDiff_Calculate(t *testing.T) {
	d := NewIntensityDiff(DefaultAmplification)

	t.Run("NoDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.White)

		result := d.Calculate(img1, img2)

		if result.Ratio != 0.0 {
			t.Errorf("Expected Ratio to be 0.0, got %f", result.Ratio)
		}
	})

	t.Run("CompleteDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.Black)

		result := d.Calculate(img1, img2)

		if result.Ratio != 1.0 {
			t.Errorf("Expected Ratio to be 1.0, got %f", result.Ratio)
		}
	})

	t.Run("HalfDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.White)

		for y := 0; y < 50; y++ {
			for x := 0; x < 100; x++ {
				img2.Set(x, y, color.Black)
			}
		}

		result := d.Calculate(img1, img2)

		if result.Ratio != 0.5 {
			t.Errorf("Expected Ratio to be 0.5, got %f", result.Ratio)
		}
	})

	t.Run("TwoPercentDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.White)

		// 200 of 10000 pixels flipped to black is 2% of the maximum delta.
		for i := 0; i < 200; i++ {
			img2.Set(i%100, i/100, color.Black)
		}

		result := d.Calculate(img1, img2)

		if math.Abs(result.Ratio-0.02) > 1e-9 {
			t.Errorf("Expected Ratio to be 0.02, got %f", result.Ratio)
		}
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 50, color.White)

		result := d.Calculate(img1, img2)

		if result.Ratio != 1.0 {
			t.Errorf("Expected Ratio to be 1.0 for mismatched dimensions, got %f", result.Ratio)
		}
		if result.Delta != nil {
			t.Errorf("Expected Delta to be nil for mismatched dimensions")
		}
	})

	t.Run("SameImageInstance", func(t *testing.T) {
		img := createTestImage(100, 100, color.White)

		result := d.Calculate(img, img)

		if result.Ratio != 0.0 {
			t.Errorf("Expected Ratio to be 0.0 for same image instance, got %f", result.Ratio)
		}
	})

	t.Run("DeterministicAcrossCalls", func(t *testing.T) {
		img1 := createTestImage(99, 101, color.White)
		img2 := createTestImage(99, 101, color.RGBA{R: 200, G: 180, B: 160, A: 255})

		first := d.Calculate(img1, img2)
		second := d.Calculate(img1, img2)

		if first.Ratio != second.Ratio {
			t.Errorf("Expected identical ratios across calls, got %f and %f", first.Ratio, second.Ratio)
		}
	})

	t.Run("AmplifiedDelta", func(t *testing.T) {
		img1 := createTestImage(10, 10, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		img2 := createTestImage(10, 10, color.RGBA{R: 105, G: 100, B: 100, A: 255})

		result := d.Calculate(img1, img2)

		delta := result.Delta.(*image.RGBA)
		if delta.Pix[0] != 50 {
			t.Errorf("Expected amplified red delta 50, got %d", delta.Pix[0])
		}
		if delta.Pix[1] != 0 {
			t.Errorf("Expected green delta 0, got %d", delta.Pix[1])
		}
	})

	t.Run("AmplificationClipsAt255", func(t *testing.T) {
		img1 := createTestImage(10, 10, color.White)
		img2 := createTestImage(10, 10, color.Black)

		result := d.Calculate(img1, img2)

		delta := result.Delta.(*image.RGBA)
		if delta.Pix[0] != 255 {
			t.Errorf("Expected clipped delta 255, got %d", delta.Pix[0])
		}
	})
}

func TestIntensityDiff_Calculate_YCbCrInput(t *testing.T) {
	d := NewIntensityDiff(DefaultAmplification)

	// Non-RGBA inputs go through the normalization path.
	ycbcr := image.NewYCbCr(image.Rect(0, 0, 16, 16), image.YCbCrSubsampleRatio444)
	rgba := createTestImage(16, 16, color.Black)

	result := d.Calculate(ycbcr, rgba)

	if result.Ratio < 0.0 || result.Ratio > 1.0 {
		t.Errorf("Expected Ratio within [0, 1], got %f", result.Ratio)
	}
}

func BenchmarkIntensityDiff_Calculate_Small(b *testing.B) {
	d := NewIntensityDiff(DefaultAmplification)
	img1 := createTestImage(1920, 1080, color.White)
	img2 := createTestImage(1920, 1080, color.White)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Calculate(img1, img2)
	}
}

func BenchmarkIntensityDiff_Calculate_Large(b *testing.B) {
	d := NewIntensityDiff(DefaultAmplification)
	img1 := createTestImage(3840, 2160, color.White)
	img2 := createTestImage(3840, 2160, color.White)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Calculate(img1, img2)
	}
}
