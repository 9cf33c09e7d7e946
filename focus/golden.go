package focus

import (
	"context"
	"fmt"
	"math"
	"time"

	iface "AutoFocusServer/interface"

	"go.uber.org/zap"
)

var invPhi = (math.Sqrt(5) - 1) / 2

// GoldenSection brackets the optimum inside
// [center-Range/2, center+Range/2] ∩ [0, ZRange] and shrinks the bracket by
// the golden ratio until it is narrower than Tolerance or MaxIterations
// is reached.
type GoldenSection struct {
	probe
	Range         float64
	Tolerance     float64
	MaxIterations int
}

type GoldenOptions struct {
	Range         float64
	Tolerance     float64
	MaxIterations int
	Settle        time.Duration
	OnSample      func(Sample)
}

func NewGoldenSection(z iface.ZAxis, cam iface.Camera, scorer Scorer, opts GoldenOptions, log *zap.Logger) *GoldenSection {
	g := &GoldenSection{
		probe:         newProbe(z, cam, scorer, opts.Settle, log),
		Range:         opts.Range,
		Tolerance:     opts.Tolerance,
		MaxIterations: opts.MaxIterations,
	}
	g.onSample = opts.OnSample
	return g
}

func (g *GoldenSection) Name() string { return StrategyGolden }

// Bracket returns the clamped search interval around center.
func (g *GoldenSection) Bracket(center, zRange float64) (float64, float64) {
	lo := clampRange(center-g.Range/2, 0, zRange)
	hi := clampRange(center+g.Range/2, 0, zRange)
	return lo, hi
}

func (g *GoldenSection) FindBestFocus(ctx context.Context, req Request) (Result, error) {
	if g.Range <= 0 {
		return Result{}, fmt.Errorf("search range must be positive, got %v", g.Range)
	}
	zRange := g.z.ZRange()
	center := req.Center
	if !req.HasCenter {
		z, err := g.z.ReadZ()
		if err != nil {
			g.log.Warn("cannot read Z, centering on mid-range", zap.Error(err))
			z = zRange / 2
		}
		center = z
	}
	lo, hi := g.Bracket(center, zRange)
	tol := g.Tolerance
	if tol <= 0 {
		tol = 0.5
	}
	maxIter := g.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	var t tracker
	eval := func(z float64) (float64, error) {
		score, ok, err := g.sample(ctx, z, req.ROI)
		if err != nil {
			return 0, err
		}
		if !ok {
			return math.Inf(-1), nil
		}
		t.add(z, score)
		return score, nil
	}

	c := hi - invPhi*(hi-lo)
	d := lo + invPhi*(hi-lo)
	fc, err := eval(c)
	if err != nil {
		return Result{}, err
	}
	fd, err := eval(d)
	if err != nil {
		return Result{}, err
	}
	for i := 0; i < maxIter && hi-lo > tol; i++ {
		if fc >= fd {
			hi, d, fd = d, c, fc
			c = hi - invPhi*(hi-lo)
			if fc, err = eval(c); err != nil {
				return Result{}, err
			}
		} else {
			lo, c, fc = c, d, fd
			d = lo + invPhi*(hi-lo)
			if fd, err = eval(d); err != nil {
				return Result{}, err
			}
		}
	}

	if !t.have {
		g.log.Warn("golden-section acquired no samples",
			zap.Float64("lo_um", lo), zap.Float64("hi_um", hi))
		return Result{}, ErrNoSamples
	}
	if err := g.settleAt(ctx, t.best.Z); err != nil {
		return Result{}, fmt.Errorf("move to optimum: %w", err)
	}
	g.log.Info("golden-section done",
		zap.Float64("z_um", t.best.Z),
		zap.Float64("score", t.best.Score),
		zap.Int("samples", t.samples))
	return Result{ZOptimal: t.best.Z, Score: t.best.Score, Samples: t.samples}, nil
}
