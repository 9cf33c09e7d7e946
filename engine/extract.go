package engine

import (
	"image"
	"image/color"
	"sort"

	"AutoFocusServer/imgproc"
	iface "AutoFocusServer/interface"

	"gocv.io/x/gocv"
)

// extractObjects turns a binary mask into candidate objects. Both backends
// go through here so their output is interchangeable: external contours,
// area window, moment centroid, shape metrics, mean saliency as
// probability, descending area with indices reassigned 0..N-1.
func extractObjects(mask, saliency gocv.Mat, minArea, maxArea float64) []iface.DetectedObject {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	objects := make([]iface.DetectedObject, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		pv := contours.At(i)
		area := gocv.ContourArea(pv)
		if area <= 0 || area < minArea || (maxArea > 0 && area > maxArea) {
			continue
		}
		bbox := gocv.BoundingRect(pv)

		fill := fillContour(mask.Rows(), mask.Cols(), contours, i)
		centroid := momentCentroid(fill, bbox)
		probability := meanInside(saliency, fill)
		fill.Close()

		objects = append(objects, iface.DetectedObject{
			BBox:        bbox,
			Centroid:    centroid,
			Area:        area,
			Probability: probability,
			Circularity: imgproc.Circularity(pv),
			AspectRatio: imgproc.AspectRatio(pv),
			Contour:     pv.ToPoints(),
		})
	}

	sort.SliceStable(objects, func(a, b int) bool {
		return objects[a].Area > objects[b].Area
	})
	for i := range objects {
		objects[i].Index = i
	}
	return objects
}

// fillContour rasterises contour idx into a new binary mask.
func fillContour(rows, cols int, contours gocv.PointsVector, idx int) gocv.Mat {
	fill := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)
	gocv.DrawContours(&fill, contours, idx, color.RGBA{255, 255, 255, 0}, -1)
	return fill
}

// momentCentroid is (m10/m00, m01/m00) of the filled region, or the bbox
// centre when the region has no area.
func momentCentroid(fill gocv.Mat, bbox image.Rectangle) iface.Point2D {
	m := gocv.Moments(fill, true)
	if m00 := m["m00"]; m00 > 0 {
		return iface.Point2D{X: m["m10"] / m00, Y: m["m01"] / m00}
	}
	return iface.Point2D{
		X: float64(bbox.Min.X) + float64(bbox.Dx())/2,
		Y: float64(bbox.Min.Y) + float64(bbox.Dy())/2,
	}
}

// meanInside averages the saliency map over the filled contour.
func meanInside(saliency, fill gocv.Mat) float64 {
	if saliency.Empty() || saliency.Rows() != fill.Rows() || saliency.Cols() != fill.Cols() {
		return 0
	}
	if gocv.CountNonZero(fill) == 0 {
		return 0
	}
	mean := saliency.MeanWithMask(fill)
	return clampUnit(mean.Val1)
}

func clampUnit(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
