package imgproc

import (
	"math"

	"gocv.io/x/gocv"
)

// Circularity is 4πA/P², clamped to [0,1]; 1 is a perfect disk.
func Circularity(contour gocv.PointVector) float64 {
	if contour.Size() < 3 {
		return 0
	}
	area := gocv.ContourArea(contour)
	perimeter := gocv.ArcLength(contour, true)
	if perimeter <= 0 {
		return 0
	}
	return clamp01(4 * math.Pi * area / (perimeter * perimeter))
}

// AspectRatio is short side over long side of the minimum-area rectangle,
// so it is 1 for a square or disk and approaches 0 for a thin fiber.
func AspectRatio(contour gocv.PointVector) float64 {
	if contour.Size() < 3 {
		return 0
	}
	rect := gocv.MinAreaRect(contour)
	w, h := float64(rect.Width), float64(rect.Height)
	long := math.Max(w, h)
	if long <= 0 {
		return 0
	}
	return clamp01(math.Min(w, h) / long)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
