package hardware

import (
	"fmt"
	"image"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"go.uber.org/zap"
)

// SimConfig configures the simulated rig.
type SimConfig struct {
	FocalPlane float64 `json:"focal_plane" yaml:"focal_plane"`
	Width      int     `json:"width" yaml:"width"`
	Height     int     `json:"height" yaml:"height"`
	ReachAfter int     `json:"reach_after" yaml:"reach_after"`
	Specimens  int     `json:"specimens" yaml:"specimens"`
}

// Config selects the rig: "sim" or "http".
type Config struct {
	Mode       string       `json:"mode" yaml:"mode"`
	Motion     MotionConfig `json:"motion" yaml:"motion"`
	CameraAddr string       `json:"camera_addr" yaml:"camera_addr"`
	Sim        SimConfig    `json:"sim" yaml:"sim"`
}

func DefaultConfig() Config {
	return Config{
		Mode:       "sim",
		Motion:     DefaultMotionConfig(),
		CameraAddr: "http://127.0.0.1:8001",
		Sim:        SimConfig{FocalPlane: 37, Width: 640, Height: 480, ReachAfter: 3, Specimens: 3},
	}
}

// Rig is the set of devices one service drives.
type Rig struct {
	Z      iface.ZAxis
	Stage  iface.Stage
	Camera iface.Camera
	close  func() error
}

// Close releases the camera.
func (r Rig) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// Connected probes the focus axis; the stage shares its controller.
func (r Rig) Connected() bool {
	_, err := r.Z.ReadZ()
	return err == nil
}

// SimSpecimens spreads n disks along the horizontal midline, growing left
// to right so the largest is unambiguous.
func SimSpecimens(s SimConfig) []Specimen {
	out := make([]Specimen, 0, s.Specimens)
	base := min(s.Width, s.Height) / 12
	for i := 0; i < s.Specimens; i++ {
		out = append(out, Specimen{
			Center: image.Pt(s.Width*(i+1)/(s.Specimens+1), s.Height/2),
			Radius: base + i*base/3,
		})
	}
	return out
}

// Open builds the rig cfg.Mode names. The simulated Z starts mid-range.
func Open(cfg Config, log *zap.Logger) (Rig, error) {
	log = logger.OrNop(log)
	switch cfg.Mode {
	case "sim", "":
		z := NewSimZ(cfg.Motion.ZRange, cfg.Motion.ZRange/2)
		cam := NewSimCamera(z, cfg.Sim.FocalPlane, cfg.Sim.Width, cfg.Sim.Height, SimSpecimens(cfg.Sim)...)
		log.Info("simulated rig",
			zap.Float64("focal_plane_um", cfg.Sim.FocalPlane),
			zap.Int("specimens", cfg.Sim.Specimens))
		return Rig{Z: z, Stage: NewSimStage(cfg.Sim.ReachAfter), Camera: cam, close: cam.Close}, nil
	case "http":
		motion := NewMotionClient(cfg.Motion, log.Named("motion"))
		log.Info("device servers",
			zap.String("motion", cfg.Motion.Addr),
			zap.String("camera", cfg.CameraAddr))
		return Rig{Z: motion, Stage: motion, Camera: NewCameraClient(cfg.CameraAddr)}, nil
	}
	return Rig{}, fmt.Errorf("unknown hardware mode %q", cfg.Mode)
}
