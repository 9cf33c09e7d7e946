package volumetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"AutoFocusServer/autofocus"
	"AutoFocusServer/focus"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"
	"AutoFocusServer/storage"

	"go.uber.org/zap"
)

var (
	ErrAborted = errors.New("volumetry aborted")
	ErrBusy    = errors.New("volumetry already running")
)

// CaptureFunc captures the plane at z into path and returns its focus
// score.
type CaptureFunc func(ctx context.Context, z float64, path string) (float64, error)

type Config struct {
	Count        int           `json:"count" yaml:"count"`
	Range        float64       `json:"range" yaml:"range"`
	Distribution string        `json:"distribution" yaml:"distribution"`
	Settle       time.Duration `json:"settle" yaml:"settle"`
}

func DefaultConfig() Config {
	return Config{Count: 11, Range: 20, Distribution: Uniform, Settle: 50 * time.Millisecond}
}

// Request is one stack. Zero Count, Range or Distribution fall back to
// the orchestrator's Config.
type Request struct {
	Object       iface.DetectedObject
	BPoFScore    float64
	ScanMin      float64
	ScanMax      float64
	Options      iface.CaptureOptions
	Count        int
	Range        float64
	Distribution string
}

type Result struct {
	Manifest     Manifest
	ManifestPath string
}

// Orchestrator captures Z-stacks. BPoF is read from the axis, so the
// caller focuses first.
type Orchestrator struct {
	z       iface.ZAxis
	camera  iface.Camera
	saver   autofocus.Saver
	cfg     Config
	log     *zap.Logger
	capture CaptureFunc

	running atomic.Bool
	aborted atomic.Bool
	mu      sync.Mutex
}

func NewOrchestrator(z iface.ZAxis, camera iface.Camera, saver autofocus.Saver, cfg Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{z: z, camera: camera, saver: saver, cfg: cfg, log: logger.OrNop(log)}
}

// SetCapture replaces the default frame-and-save capture.
func (o *Orchestrator) SetCapture(fn CaptureFunc) {
	o.mu.Lock()
	o.capture = fn
	o.mu.Unlock()
}

// Abort stops the running stack before its next capture.
func (o *Orchestrator) Abort() {
	if o.running.Load() {
		o.aborted.Store(true)
	}
}

func (o *Orchestrator) Running() bool { return o.running.Load() }

// Run captures the stack and writes the manifest next to the images. The
// axis is returned to BPoF whatever happens. An aborted run still writes
// its partial manifest and returns it along with ErrAborted.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.running.Store(false)
	o.aborted.Store(false)

	bpof, err := o.z.ReadZ()
	if err != nil {
		return nil, fmt.Errorf("read BPoF: %w", err)
	}
	count, span, dist := req.Count, req.Range, req.Distribution
	if count <= 0 {
		count = o.cfg.Count
	}
	if span <= 0 {
		span = o.cfg.Range
	}
	if dist == "" {
		dist = o.cfg.Distribution
	}
	positions, err := Positions(bpof, count, span/2, dist, o.z.ZRange())
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := o.z.MoveZ(bpof); err != nil {
			o.log.Error("return to BPoF failed", zap.Float64("z_um", bpof), zap.Error(err))
		}
	}()

	o.mu.Lock()
	capture := o.capture
	o.mu.Unlock()
	if capture == nil {
		capture = o.defaultCapture(req)
	}

	m := &Manifest{
		Timestamp:    time.Now().UTC(),
		ClassName:    storage.SanitizeClass(req.Options.ClassName),
		Distribution: dist,
		ZBPoF:        bpof,
		BPoFScore:    req.BPoFScore,
		ScanMin:      req.ScanMin,
		ScanMax:      req.ScanMax,
		Object: ObjectInfo{
			Centroid: req.Object.Centroid,
			Area:     req.Object.Area,
			BBox:     req.Object.BBox,
		},
		Images: make([]Image, 0, len(positions)),
	}
	o.log.Info("volumetry started",
		zap.Float64("z_um", bpof),
		zap.Int("planes", len(positions)),
		zap.String("distribution", dist))

	var runErr error
	for i, z := range positions {
		if o.aborted.Load() || ctx.Err() != nil {
			runErr = ErrAborted
			m.Aborted = true
			break
		}
		offset := z - bpof
		name := storage.VolumetryFilename(req.Options.ClassName, i, offset, req.Options.Format)
		if err := o.z.MoveZ(z); err != nil {
			o.log.Warn("move failed, plane skipped", zap.Float64("z_um", z), zap.Error(err))
			continue
		}
		if err := focus.Sleep(ctx, o.cfg.Settle); err != nil {
			runErr = ErrAborted
			m.Aborted = true
			break
		}
		score, err := capture(ctx, z, filepath.Join(req.Options.Folder, name))
		if err != nil {
			o.log.Warn("plane not captured", zap.Float64("z_um", z), zap.Error(err))
			continue
		}
		m.Images = append(m.Images, Image{
			Index:    i,
			Filename: name,
			ZUm:      z,
			OffsetUm: offset,
			Score:    score,
			IsBPoF:   math.Abs(offset) < snapEpsilon,
		})
	}

	path, err := WriteManifest(req.Options.Folder, m)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	o.log.Info("volumetry done",
		zap.Int("images", len(m.Images)),
		zap.Bool("aborted", m.Aborted),
		zap.String("manifest", path))
	return &Result{Manifest: *m, ManifestPath: path}, runErr
}

func (o *Orchestrator) defaultCapture(req Request) CaptureFunc {
	scorer := focus.LaplacianScorer{KernelSize: 3, Scale: 1}
	return func(ctx context.Context, z float64, path string) (float64, error) {
		frame, err := o.camera.CurrentFrame()
		if err != nil {
			return 0, err
		}
		defer frame.Close()
		if frame.Empty() {
			return 0, iface.ErrNoFrame
		}
		score := scorer.Score(frame, req.Object.BBox)
		out := frame
		if req.Options.Width > 0 && req.Options.Height > 0 {
			cropped := storage.CropAround(frame, req.Object.Centroid, req.Options.Width, req.Options.Height)
			defer cropped.Close()
			out = cropped
		}
		meta := []storage.Meta{
			{Key: "Z_UM", Value: z, Comment: "focus position"},
			{Key: "FSCORE", Value: score, Comment: "focus score"},
		}
		if err := o.saver.Save(out, path, req.Options, meta...); err != nil {
			return 0, err
		}
		return score, nil
	}
}
