// Package volumetry captures a Z-stack around an already focused object
// and records it in a metadata.json manifest.
package volumetry

import (
	"fmt"
	"math"
	"sort"
)

const (
	Uniform  = "uniform"
	Centered = "centered"
)

const snapEpsilon = 1e-9

// Positions lists count Z positions spanning bpof±half, clamped to
// [0, zRange] and sorted ascending. The position nearest bpof is replaced
// by bpof itself. centered spacing follows sign(t)·t² over a linear ramp
// t ∈ [-1, 1], so samples crowd around bpof. This is the inverse of a
// square-root warp: sign(t)·√|t| applied to the ramp would spread samples
// toward the ends of the range instead.
func Positions(bpof float64, count int, half float64, distribution string, zRange float64) ([]float64, error) {
	if count < 1 {
		return nil, fmt.Errorf("image count must be positive, got %d", count)
	}
	if half < 0 {
		return nil, fmt.Errorf("range must not be negative, got %v", half)
	}
	var warp func(float64) float64
	switch distribution {
	case Uniform, "":
		warp = func(t float64) float64 { return t }
	case Centered:
		warp = func(t float64) float64 { return math.Copysign(t*t, t) }
	default:
		return nil, fmt.Errorf("unknown distribution %q", distribution)
	}

	out := make([]float64, count)
	for i := range out {
		t := 0.0
		if count > 1 {
			t = -1 + 2*float64(i)/float64(count-1)
		}
		out[i] = bpof + half*warp(t)
	}

	nearest := 0
	for i, z := range out {
		if math.Abs(z-bpof) < math.Abs(out[nearest]-bpof) {
			nearest = i
		}
	}
	out[nearest] = bpof

	for i, z := range out {
		out[i] = math.Max(0, math.Min(zRange, z))
	}
	sort.Float64s(out)

	// Clamping can fold several positions onto a range end.
	uniq := out[:1]
	for _, z := range out[1:] {
		if z-uniq[len(uniq)-1] > snapEpsilon {
			uniq = append(uniq, z)
		}
	}
	return uniq, nil
}
