package focus

import (
	"context"
	"image"
	"sort"
	"time"

	"AutoFocusServer/imgproc"
	iface "AutoFocusServer/interface"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// Scorer rates the sharpness of roi within frame; higher is sharper.
type Scorer interface {
	Score(frame gocv.Mat, roi image.Rectangle) float64
}

type ScorerFunc func(frame gocv.Mat, roi image.Rectangle) float64

func (f ScorerFunc) Score(frame gocv.Mat, roi image.Rectangle) float64 { return f(frame, roi) }

// LaplacianScorer is Laplacian variance over the ROI grown by Margin px.
type LaplacianScorer struct {
	KernelSize int
	Scale      float64
	Margin     int
}

func (s LaplacianScorer) Score(frame gocv.Mat, roi image.Rectangle) float64 {
	region, release := cropROI(frame, roi, s.Margin)
	defer release()
	return imgproc.LaplacianVariance(region, nil, s.KernelSize, s.Scale)
}

type BrennerScorer struct {
	Margin int
}

func (s BrennerScorer) Score(frame gocv.Mat, roi image.Rectangle) float64 {
	region, release := cropROI(frame, roi, s.Margin)
	defer release()
	return imgproc.BrennerGradient(region, nil)
}

// cropROI returns the ROI grown by margin and clipped to the frame. An
// empty ROI yields the whole frame.
func cropROI(frame gocv.Mat, roi image.Rectangle, margin int) (gocv.Mat, func()) {
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	if roi.Empty() {
		return frame, func() {}
	}
	r := roi.Inset(-margin).Intersect(bounds)
	if r.Empty() {
		return frame, func() {}
	}
	region := frame.Region(r)
	return region, func() { region.Close() }
}

// StableScorer takes the median score of Frames consecutive frames so one
// motion-blurred or noisy frame cannot move the optimum.
type StableScorer struct {
	Camera   iface.Camera
	Base     Scorer
	Frames   int
	Interval time.Duration
}

// StableScore returns the median of the scores it managed to collect and
// iface.ErrNoFrame when none could be read.
func (s StableScorer) StableScore(ctx context.Context, roi image.Rectangle) (float64, error) {
	base := s.Base
	if base == nil {
		base = LaplacianScorer{}
	}
	n := s.Frames
	if n <= 0 {
		n = 1
	}
	scores := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := Sleep(ctx, s.Interval); err != nil {
				return 0, err
			}
		}
		frame, err := s.Camera.CurrentFrame()
		if err != nil {
			continue
		}
		if !frame.Empty() {
			scores = append(scores, base.Score(frame, roi))
		}
		frame.Close()
	}
	if len(scores) == 0 {
		return 0, iface.ErrNoFrame
	}
	sort.Float64s(scores)
	return stat.Quantile(0.5, stat.Empirical, scores, nil), nil
}
