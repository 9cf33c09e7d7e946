package autofocus

import (
	"fmt"
	"time"

	"AutoFocusServer/focus"
	iface "AutoFocusServer/interface"
)

// Config holds the operator-tunable search and capture parameters. Build
// it, call Validate and ValidateAgainstHardware, then treat it as
// read-only for the rest of the run.
type Config struct {
	// Strategy is the default search: golden or zscan. A run that asks
	// for a full scan always gets zscan.
	Strategy string `json:"strategy" yaml:"strategy"`

	// ZMin/ZMax bound the worker's sweep; ZMax == 0 means the full
	// hardware range.
	ZMin float64 `json:"z_min" yaml:"z_min"`
	ZMax float64 `json:"z_max" yaml:"z_max"`

	CoarseStep    float64 `json:"coarse_step" yaml:"coarse_step"`
	FineStep      float64 `json:"fine_step" yaml:"fine_step"`
	FineHalfSteps int     `json:"fine_half_steps" yaml:"fine_half_steps"`

	SearchRange   float64 `json:"search_range" yaml:"search_range"`
	Tolerance     float64 `json:"tolerance" yaml:"tolerance"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations"`

	Settle    time.Duration `json:"settle" yaml:"settle"`
	RoiMargin int           `json:"roi_margin" yaml:"roi_margin"`

	StableFrames   int           `json:"stable_frames" yaml:"stable_frames"`
	StableInterval time.Duration `json:"stable_interval" yaml:"stable_interval"`

	// MultiFocalCount frames are taken around BPoF, MultiFocalStep apart,
	// none further than MultiFocalRange/2 from it. Range 0 lifts the cap.
	MultiFocalCount int     `json:"multifocal_count" yaml:"multifocal_count"`
	MultiFocalStep  float64 `json:"multifocal_step" yaml:"multifocal_step"`
	MultiFocalRange float64 `json:"multifocal_range" yaml:"multifocal_range"`

	// MinViableScore is the focus score below which an object is not saved.
	MinViableScore float64 `json:"min_viable_score" yaml:"min_viable_score"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:        focus.StrategyGolden,
		CoarseStep:      5,
		FineStep:        1,
		FineHalfSteps:   2,
		SearchRange:     40,
		Tolerance:       0.5,
		MaxIterations:   25,
		Settle:          50 * time.Millisecond,
		RoiMargin:       10,
		StableFrames:    3,
		StableInterval:  20 * time.Millisecond,
		MultiFocalCount: 3,
		MultiFocalStep:  5,
		MultiFocalRange: 10,
		MinViableScore:  5.0,
	}
}

// Validate checks internal consistency and reports every problem found.
func (c Config) Validate() error {
	v := &iface.ValidationError{}
	switch c.Strategy {
	case focus.StrategyZScan, focus.StrategyGolden:
	default:
		v.Add(fmt.Sprintf("unknown focus strategy %q", c.Strategy))
	}
	if c.CoarseStep <= 0 {
		v.Add("coarse step must be positive")
	}
	if c.FineStep <= 0 {
		v.Add("fine step must be positive")
	}
	if c.FineStep > 0 && c.CoarseStep > 0 && c.FineStep >= c.CoarseStep {
		v.Add(fmt.Sprintf("fine step %.3g µm must be smaller than coarse step %.3g µm", c.FineStep, c.CoarseStep))
	}
	if c.FineHalfSteps < 0 {
		v.Add("fine half-steps must not be negative")
	}
	if c.SearchRange <= 0 {
		v.Add("search range must be positive")
	}
	if c.Tolerance <= 0 {
		v.Add("tolerance must be positive")
	}
	if c.MaxIterations <= 0 {
		v.Add("max iterations must be positive")
	}
	if c.ZMin < 0 {
		v.Add("z min must not be negative")
	}
	if c.ZMax != 0 && c.ZMax <= c.ZMin {
		v.Add(fmt.Sprintf("z max %.3g µm must exceed z min %.3g µm", c.ZMax, c.ZMin))
	}
	if c.Settle < 0 {
		v.Add("settle time must not be negative")
	}
	if c.RoiMargin < 0 {
		v.Add("ROI margin must not be negative")
	}
	if c.StableFrames < 1 {
		v.Add("stable frames must be at least 1")
	}
	if c.MultiFocalCount < 1 || c.MultiFocalCount%2 == 0 {
		v.Add("multi-focal count must be a positive odd number")
	}
	if c.MultiFocalCount > 1 {
		if c.MultiFocalStep <= 0 {
			v.Add("multi-focal step must be positive")
		}
		if c.MultiFocalRange < 0 {
			v.Add("multi-focal range must not be negative")
		} else if c.MultiFocalRange > 0 && float64(c.MultiFocalCount-1)*c.MultiFocalStep > c.MultiFocalRange+1e-9 {
			v.Add(fmt.Sprintf("multi-focal span %.3g µm exceeds range %.3g µm",
				float64(c.MultiFocalCount-1)*c.MultiFocalStep, c.MultiFocalRange))
		}
	}
	if c.MinViableScore < 0 {
		v.Add("minimum viable score must not be negative")
	}
	return v.Err()
}

// ValidateAgainstHardware checks the configuration against the axis's
// physical range given its current position.
func (c Config) ValidateAgainstHardware(currentZ, zRange float64) error {
	v := &iface.ValidationError{}
	if zRange <= 0 {
		v.Add("Z axis range unavailable")
		return v
	}
	if currentZ < 0 || currentZ > zRange {
		v.Add(fmt.Sprintf("current Z %.3f µm outside hardware range [0, %.3f]", currentZ, zRange))
	}
	if c.ZMax > zRange {
		v.Add(fmt.Sprintf("z max %.3f µm exceeds hardware range %.3f µm", c.ZMax, zRange))
	}
	if c.ZMin >= zRange {
		v.Add(fmt.Sprintf("z min %.3f µm is at or beyond hardware range %.3f µm", c.ZMin, zRange))
	}
	if c.CoarseStep > zRange {
		v.Add(fmt.Sprintf("coarse step %.3f µm exceeds hardware range %.3f µm", c.CoarseStep, zRange))
	}
	if c.Strategy == focus.StrategyGolden {
		g := focus.GoldenSection{Range: c.SearchRange}
		lo, hi := g.Bracket(currentZ, zRange)
		if hi-lo <= c.Tolerance {
			v.Add(fmt.Sprintf("search bracket [%.3f, %.3f] around current Z is narrower than tolerance", lo, hi))
		}
	}
	return v.Err()
}

// ScanBounds resolves the sweep interval against the hardware range.
func (c Config) ScanBounds(zRange float64) (float64, float64) {
	lo, hi := c.ZMin, c.ZMax
	if hi <= 0 || hi > zRange {
		hi = zRange
	}
	if lo < 0 {
		lo = 0
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// MultiFocalOffsets lists the capture offsets around BPoF: 0 first, then
// +step, -step, +2·step, -2·step … Offsets beyond the range cap are left out.
func (c Config) MultiFocalOffsets() []float64 {
	n := c.MultiFocalCount
	if n < 1 {
		n = 1
	}
	out := []float64{0}
	if c.MultiFocalStep <= 0 {
		return out
	}
	half := c.MultiFocalRange / 2
	for k := 1; len(out) < n; k++ {
		d := float64(k) * c.MultiFocalStep
		if c.MultiFocalRange > 0 && d > half+1e-9 {
			break
		}
		out = append(out, d)
		if len(out) < n {
			out = append(out, -d)
		}
	}
	return out
}

// MultiFocalTargets places the offsets around bpof and clamps each one to
// [zMin, zMax].
func (c Config) MultiFocalTargets(bpof, zMin, zMax float64) []float64 {
	offsets := c.MultiFocalOffsets()
	out := make([]float64, len(offsets))
	for i, d := range offsets {
		out[i] = max(zMin, min(zMax, bpof+d))
	}
	return out
}
