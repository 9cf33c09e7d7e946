package iface

import (
	"image"

	"gocv.io/x/gocv"
)

// Point2D is a sub-pixel position in frame coordinates.
type Point2D struct {
	X, Y float64
}

// StagePoint is one trajectory target in stage coordinates (µm).
type StagePoint struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// DetectedObject is one candidate specimen found in a single frame.
//
// Contour belongs to the detection pass that produced it and must not be
// kept across frames. FocusScore and IsFocused are the only fields written
// after detection.
type DetectedObject struct {
	Index       int             `json:"index"`
	BBox        image.Rectangle `json:"bbox"`
	Centroid    Point2D         `json:"centroid"`
	Area        float64         `json:"area"`
	Probability float64         `json:"probability"`
	Circularity float64         `json:"circularity"`
	AspectRatio float64         `json:"aspect_ratio"`
	Contour     []image.Point   `json:"-"`
	FocusScore  float64         `json:"focus_score"`
	IsFocused   bool            `json:"is_focused"`
}

// Detection is the output of one ObjectDetector pass. Saliency is a CV32F
// map with the frame's resolution; the caller owns it and must Close it.
type Detection struct {
	Saliency gocv.Mat
	Objects  []DetectedObject
}

// Close releases the saliency map.
func (d *Detection) Close() error {
	return d.Saliency.Close()
}

// FocusResult is the best plane of focus found for one object.
type FocusResult struct {
	ObjectIndex int             `json:"object_index"`
	ZOptimal    float64         `json:"z_optimal_um"`
	Score       float64         `json:"focus_score"`
	BBox        image.Rectangle `json:"bbox"`
	Samples     int             `json:"samples"`
}

// FocusedCapture is a saved image of one focused object.
type FocusedCapture struct {
	Object     DetectedObject `json:"object"`
	PointIndex int            `json:"point_index"`
	ZOptimal   float64        `json:"z_optimal_um"`
	Score      float64        `json:"focus_score"`
	Filename   string         `json:"filename"`
}

// ConfirmRequest is shown to an operator in learning mode before capture.
type ConfirmRequest struct {
	Frame        gocv.Mat        `json:"-"`
	BBox         image.Rectangle `json:"bbox"`
	Mask         []image.Point   `json:"-"`
	Area         float64         `json:"area"`
	Score        float64         `json:"score"`
	CurrentCount int             `json:"current_count"`
	TotalCount   int             `json:"total_count"`
}
