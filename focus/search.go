// Package focus locates the best plane of focus for a region of the frame
// by driving the Z axis and scoring frames. Two strategies are provided:
// a coarse-to-fine sweep of the full range and a golden-section search
// around a known estimate.
package focus

import (
	"context"
	"errors"
	"image"
	"math"
	"time"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"go.uber.org/zap"
)

const (
	StrategyZScan  = "zscan"
	StrategyGolden = "golden"
)

// ErrNoSamples means no frame could be scored during the search. The
// accompanying Result is zero and must not be used for capture.
var ErrNoSamples = errors.New("no focus samples acquired")

// Request describes one search. ROI is the object's bounding box; an empty
// ROI scores the whole frame. Center is only used by GoldenSection; when
// HasCenter is false the current Z position is used.
type Request struct {
	ROI       image.Rectangle
	Center    float64
	HasCenter bool
}

type Result struct {
	ZOptimal float64
	Score    float64
	Samples  int
}

// Sample is one scored Z position, reported through OnSample hooks.
type Sample struct {
	Z     float64
	Score float64
}

type Searcher interface {
	Name() string
	FindBestFocus(ctx context.Context, req Request) (Result, error)
}

// probe moves, settles, grabs and scores. Hardware failures drop the
// sample; only context cancellation is returned as an error.
type probe struct {
	z        iface.ZAxis
	cam      iface.Camera
	scorer   Scorer
	settle   time.Duration
	log      *zap.Logger
	onSample func(Sample)
}

func newProbe(z iface.ZAxis, cam iface.Camera, scorer Scorer, settle time.Duration, log *zap.Logger) probe {
	if scorer == nil {
		scorer = LaplacianScorer{}
	}
	return probe{z: z, cam: cam, scorer: scorer, settle: settle, log: logger.OrNop(log)}
}

func (p *probe) sample(ctx context.Context, z float64, roi image.Rectangle) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if err := p.z.MoveZ(z); err != nil {
		p.log.Warn("move failed, sample skipped", zap.Float64("z_um", z), zap.Error(err))
		return 0, false, nil
	}
	if err := Sleep(ctx, p.settle); err != nil {
		return 0, false, err
	}
	frame, err := p.cam.CurrentFrame()
	if err != nil {
		p.log.Debug("no frame, sample skipped", zap.Float64("z_um", z), zap.Error(err))
		return 0, false, nil
	}
	defer frame.Close()
	if frame.Empty() {
		return 0, false, nil
	}
	score := p.scorer.Score(frame, roi)
	if p.onSample != nil {
		p.onSample(Sample{Z: z, Score: score})
	}
	return score, true, nil
}

// settleAt leaves the hardware at the reported optimum.
func (p *probe) settleAt(ctx context.Context, z float64) error {
	if err := p.z.MoveZ(z); err != nil {
		return err
	}
	return Sleep(ctx, p.settle)
}

// tracker keeps the running maximum. Strictly greater wins, so the first
// sample seen keeps a tie.
type tracker struct {
	best    Sample
	have    bool
	samples int
}

func (t *tracker) add(z, score float64) {
	t.samples++
	if !t.have || score > t.best.Score {
		t.best = Sample{Z: z, Score: score}
		t.have = true
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampRange(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
