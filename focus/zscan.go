package focus

import (
	"context"
	"fmt"
	"math"
	"time"

	iface "AutoFocusServer/interface"

	"go.uber.org/zap"
)

const positionEpsilon = 1e-9

// ZScan sweeps [0, ZRange] at CoarseStep, then re-samples
// ±FineHalfSteps×FineStep around the coarse peak. Fine positions outside
// the hardware range are dropped.
type ZScan struct {
	probe
	CoarseStep    float64
	FineStep      float64
	FineHalfSteps int
}

type ZScanOptions struct {
	CoarseStep    float64
	FineStep      float64
	FineHalfSteps int
	Settle        time.Duration
	OnSample      func(Sample)
}

func NewZScan(z iface.ZAxis, cam iface.Camera, scorer Scorer, opts ZScanOptions, log *zap.Logger) *ZScan {
	s := &ZScan{
		probe:         newProbe(z, cam, scorer, opts.Settle, log),
		CoarseStep:    opts.CoarseStep,
		FineStep:      opts.FineStep,
		FineHalfSteps: opts.FineHalfSteps,
	}
	s.onSample = opts.OnSample
	return s
}

func (s *ZScan) Name() string { return StrategyZScan }

// CoarsePositions lists the sweep positions 0, step, 2·step, … ≤ zRange.
func CoarsePositions(zRange, step float64) []float64 {
	if step <= 0 || zRange < 0 {
		return nil
	}
	n := int(math.Floor(zRange/step+positionEpsilon)) + 1
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, float64(i)*step)
	}
	return out
}

// FinePositions lists center-half·step … center+half·step in ascending
// order, dropping anything outside [0, zRange].
func FinePositions(center, step float64, half int, zRange float64) []float64 {
	if step <= 0 || half < 0 {
		return nil
	}
	out := make([]float64, 0, 2*half+1)
	for k := -half; k <= half; k++ {
		z := center + float64(k)*step
		if z < -positionEpsilon || z > zRange+positionEpsilon {
			continue
		}
		out = append(out, clampRange(z, 0, zRange))
	}
	return out
}

func (s *ZScan) FindBestFocus(ctx context.Context, req Request) (Result, error) {
	if s.CoarseStep <= 0 {
		return Result{}, fmt.Errorf("coarse step must be positive, got %v", s.CoarseStep)
	}
	zRange := s.z.ZRange()
	var t tracker

	for _, z := range CoarsePositions(zRange, s.CoarseStep) {
		score, ok, err := s.sample(ctx, z, req.ROI)
		if err != nil {
			return Result{}, err
		}
		if ok {
			t.add(z, score)
		}
	}
	if !t.have {
		s.log.Warn("z-scan acquired no samples", zap.Float64("z_range_um", zRange))
		return Result{}, ErrNoSamples
	}
	coarse := t.best
	s.log.Debug("coarse peak", zap.Float64("z_um", coarse.Z), zap.Float64("score", coarse.Score))

	for _, z := range FinePositions(coarse.Z, s.FineStep, s.FineHalfSteps, zRange) {
		score, ok, err := s.sample(ctx, z, req.ROI)
		if err != nil {
			return Result{}, err
		}
		if ok {
			t.add(z, score)
		}
	}

	if err := s.settleAt(ctx, t.best.Z); err != nil {
		return Result{}, fmt.Errorf("move to optimum: %w", err)
	}
	s.log.Info("z-scan done",
		zap.Float64("z_um", t.best.Z),
		zap.Float64("score", t.best.Score),
		zap.Int("samples", t.samples))
	return Result{ZOptimal: t.best.Z, Score: t.best.Score, Samples: t.samples}, nil
}
