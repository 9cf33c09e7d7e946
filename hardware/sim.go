// Package hardware provides the stage, focus axis and camera
// implementations: deterministic simulators for demo mode and tests, and
// HTTP clients for device servers exposing /axis/:axis/pos and /image.
package hardware

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	iface "AutoFocusServer/interface"

	"gocv.io/x/gocv"
)

var ErrOutOfRange = errors.New("position outside axis range")

// SimZ is an ideal focus axis: moves are instantaneous and exact.
type SimZ struct {
	mu     sync.Mutex
	pos    float64
	zRange float64
	moves  int
}

func NewSimZ(zRange, start float64) *SimZ {
	return &SimZ{zRange: zRange, pos: start}
}

func (z *SimZ) MoveZ(um float64) error {
	if um < 0 || um > z.zRange {
		return fmt.Errorf("move to %.3f µm: %w", um, ErrOutOfRange)
	}
	z.mu.Lock()
	z.pos = um
	z.moves++
	z.mu.Unlock()
	return nil
}

func (z *SimZ) ReadZ() (float64, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.pos, nil
}

func (z *SimZ) ZRange() float64 { return z.zRange }

// Moves reports how many moves were accepted.
func (z *SimZ) Moves() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.moves
}

// SimStage reaches its target after ReachAfter position checks. A negative
// ReachAfter never reaches.
type SimStage struct {
	mu         sync.Mutex
	ReachAfter int
	x, y       float64
	tx, ty     float64
	active     bool
	checks     int
	refs       []iface.StagePoint
}

func NewSimStage(reachAfter int) *SimStage {
	return &SimStage{ReachAfter: reachAfter}
}

func (s *SimStage) SetDualRefs(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx, s.ty = x, y
	s.refs = append(s.refs, iface.StagePoint{X: x, Y: y})
	return nil
}

func (s *SimStage) StartDualControl() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.checks = 0
	return nil
}

func (s *SimStage) StopDualControl() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

func (s *SimStage) IsDualControlActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *SimStage) IsPositionReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.ReachAfter < 0 || s.checks < s.ReachAfter {
		return false
	}
	s.x, s.y = s.tx, s.ty
	return true
}

// Position returns the last reached XY position.
func (s *SimStage) Position() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

// Targets lists every reference set so far.
func (s *SimStage) Targets() []iface.StagePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]iface.StagePoint(nil), s.refs...)
}

// Specimen is one textured disk drawn by SimCamera.
type Specimen struct {
	Center image.Point
	Radius int
}

// SimCamera renders textured specimens on a bright field and blurs them in
// proportion to the distance between the axis position and FocalPlane.
type SimCamera struct {
	Z          iface.ZAxis
	FocalPlane float64
	BlurPerUm  float64

	once  sync.Once
	mu    sync.Mutex
	base  gocv.Mat
	w, h  int
	specs []Specimen
}

func NewSimCamera(z iface.ZAxis, focalPlane float64, width, height int, specimens ...Specimen) *SimCamera {
	return &SimCamera{Z: z, FocalPlane: focalPlane, BlurPerUm: 0.4, w: width, h: height, specs: specimens}
}

// render draws the in-focus scene once.
func (c *SimCamera) render() {
	c.base = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(225, 225, 225, 0), c.h, c.w, gocv.MatTypeCV8UC1)
	for _, s := range c.specs {
		gocv.Circle(&c.base, s.Center, s.Radius, color.RGBA{40, 40, 40, 0}, -1)
		for y := s.Center.Y - s.Radius; y <= s.Center.Y+s.Radius; y++ {
			for x := s.Center.X - s.Radius; x <= s.Center.X+s.Radius; x++ {
				dx, dy := x-s.Center.X, y-s.Center.Y
				if dx*dx+dy*dy > (s.Radius-2)*(s.Radius-2) || x < 0 || y < 0 || x >= c.w || y >= c.h {
					continue
				}
				if (x/3+y/3)%2 == 0 {
					c.base.SetUCharAt(y, x, 95)
				}
			}
		}
	}
}

func (c *SimCamera) CurrentFrame() (gocv.Mat, error) {
	c.once.Do(c.render)
	z, err := c.Z.ReadZ()
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", iface.ErrNoFrame, err)
	}
	sigma := c.BlurPerUm * math.Abs(z-c.FocalPlane)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sigma < 0.05 {
		return c.base.Clone(), nil
	}
	k := int(math.Ceil(sigma*3))*2 + 1
	out := gocv.NewMat()
	gocv.GaussianBlur(c.base, &out, image.Pt(k, k), sigma, sigma, gocv.BorderReflect101)
	return out, nil
}

// Close releases the rendered scene.
func (c *SimCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base.Ptr() != nil {
		return c.base.Close()
	}
	return nil
}
