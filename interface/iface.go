package iface

import (
	"context"
	"errors"
	"strings"

	"gocv.io/x/gocv"
)

// ErrNoFrame is returned by a Camera that has no frame to hand out.
var ErrNoFrame = errors.New("no frame available")

// ValidationError lists every problem found in a configuration, so an
// operator can fix them all in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Add records a problem.
func (e *ValidationError) Add(problem string) {
	e.Problems = append(e.Problems, problem)
}

// Err returns e when it holds problems and nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// ObjectDetector finds candidate specimens in a frame. Implementations must
// return objects sorted by descending area with Index reassigned 0..N-1.
type ObjectDetector interface {
	Name() string
	Detect(frame gocv.Mat) (Detection, error)
	Close() error
}

// ZAxis is the focus axis. Positions are in µm within [0, ZRange()].
type ZAxis interface {
	MoveZ(um float64) error
	ReadZ() (float64, error)
	ZRange() float64
}

// Camera hands out the most recent frame. The caller owns the returned Mat.
type Camera interface {
	CurrentFrame() (gocv.Mat, error)
}

// Stage is the dual-axis XY positioning controller.
type Stage interface {
	SetDualRefs(x, y float64) error
	StartDualControl() error
	StopDualControl() error
	IsDualControlActive() bool
	IsPositionReached() bool
}

// ImageCapturer performs a plain capture for one trajectory point.
type ImageCapturer interface {
	CaptureImage(ctx context.Context, opts CaptureOptions, pointIndex int) (string, error)
}

// Confirmer asks an operator to accept or reject a learning-mode candidate.
// A context deadline is treated by callers as acceptance.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// CaptureOptions controls how a captured frame is processed and written.
type CaptureOptions struct {
	Folder    string `json:"folder" yaml:"folder"`
	ClassName string `json:"class_name" yaml:"class_name"`
	Format    string `json:"format" yaml:"format"`
	Channel   string `json:"channel" yaml:"channel"`
	Keep16Bit bool   `json:"keep_16bit" yaml:"keep_16bit"`
	Width     int    `json:"width" yaml:"width"`
	Height    int    `json:"height" yaml:"height"`
}
