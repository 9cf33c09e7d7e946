package autofocus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"AutoFocusServer/engine"
	"AutoFocusServer/focus"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"
	"AutoFocusServer/monitor"
	"AutoFocusServer/storage"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrFocusTooWeak = errors.New("focus score below viability floor")

// Saver persists a processed frame. *storage.Writer implements it.
type Saver interface {
	Save(frame gocv.Mat, path string, opts iface.CaptureOptions, meta ...storage.Meta) error
}

// CaptureRequest names where and how focused objects are written.
type CaptureRequest struct {
	PointIndex int
	Options    iface.CaptureOptions
}

// Controller runs one detect → filter → focus → capture pass over the
// current frame. It owns the Z axis and camera only while a call is in
// progress; callers serialise access.
type Controller struct {
	detector   iface.ObjectDetector
	thresholds *engine.ThresholdStore
	z          iface.ZAxis
	camera     iface.Camera
	saver      Saver
	log        *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewController(detector iface.ObjectDetector, thresholds *engine.ThresholdStore, z iface.ZAxis,
	camera iface.Camera, saver Saver, cfg Config, log *zap.Logger) *Controller {
	if thresholds == nil {
		thresholds = engine.NewThresholdStore(engine.DefaultThresholds())
	}
	return &Controller{
		detector:   detector,
		thresholds: thresholds,
		z:          z,
		camera:     camera,
		saver:      saver,
		cfg:        cfg,
		log:        logger.OrNop(log),
	}
}

func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig replaces the search parameters after validating them.
func (c *Controller) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

func (c *Controller) Thresholds() *engine.ThresholdStore { return c.thresholds }

// PreviewFrame returns the current camera frame for operator confirmation.
func (c *Controller) PreviewFrame() (gocv.Mat, error) {
	return c.camera.CurrentFrame()
}

// Searcher builds the strategy for one search: the full Z-scan when
// useFullScan is set or configured as the strategy, golden-section otherwise.
func (c *Controller) Searcher(useFullScan bool) focus.Searcher {
	cfg := c.Config()
	scorer := focus.LaplacianScorer{KernelSize: 3, Scale: 1, Margin: cfg.RoiMargin}
	if useFullScan || cfg.Strategy == focus.StrategyZScan {
		return focus.NewZScan(c.z, c.camera, scorer, focus.ZScanOptions{
			CoarseStep:    cfg.CoarseStep,
			FineStep:      cfg.FineStep,
			FineHalfSteps: cfg.FineHalfSteps,
			Settle:        cfg.Settle,
		}, c.log)
	}
	return focus.NewGoldenSection(c.z, c.camera, scorer, focus.GoldenOptions{
		Range:         cfg.SearchRange,
		Tolerance:     cfg.Tolerance,
		MaxIterations: cfg.MaxIterations,
		Settle:        cfg.Settle,
	}, c.log)
}

// PredetectObjects grabs one frame, detects, and filters with the
// thresholds as they are right now.
func (c *Controller) PredetectObjects(ctx context.Context) ([]iface.DetectedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := c.camera.CurrentFrame()
	if err != nil {
		return nil, fmt.Errorf("predetect: %w", err)
	}
	defer frame.Close()

	det, err := c.detector.Detect(frame)
	if err != nil {
		return nil, fmt.Errorf("predetect: %w", err)
	}
	defer det.Close()

	th := c.thresholds.Get()
	kept := make([]iface.DetectedObject, 0, len(det.Objects))
	for _, obj := range det.Objects {
		ok, reason := engine.Evaluate(obj, th)
		if !ok {
			c.log.Debug("object rejected",
				zap.Int("object", obj.Index),
				zap.Float64("area", obj.Area),
				zap.String("reason", reason))
			continue
		}
		c.log.Debug("object accepted",
			zap.Int("object", obj.Index),
			zap.Float64("area", obj.Area),
			zap.Float64("circularity", obj.Circularity),
			zap.Float64("aspect_ratio", obj.AspectRatio))
		kept = append(kept, obj)
	}
	c.log.Info("predetect",
		zap.String("backend", c.detector.Name()),
		zap.Int("detected", len(det.Objects)),
		zap.Int("valid", len(kept)))
	return kept, nil
}

// FocusSingleObject finds the object's BPoF. zCenter seeds the
// golden-section bracket; nil uses the current Z.
func (c *Controller) FocusSingleObject(ctx context.Context, obj iface.DetectedObject, zCenter *float64, useFullScan bool) (iface.FocusResult, error) {
	s := c.Searcher(useFullScan)
	req := focus.Request{ROI: obj.BBox}
	if zCenter != nil {
		req.Center, req.HasCenter = *zCenter, true
	}
	res, err := s.FindBestFocus(ctx, req)
	monitor.FocusSearch(s.Name(), res.Score, err)
	if err != nil {
		return iface.FocusResult{}, fmt.Errorf("focus object %d: %w", obj.Index, err)
	}
	return iface.FocusResult{
		ObjectIndex: obj.Index,
		ZOptimal:    res.ZOptimal,
		Score:       res.Score,
		BBox:        obj.BBox,
		Samples:     res.Samples,
	}, nil
}

// CaptureObject focuses one object and saves it. Scores under the
// viability floor return ErrFocusTooWeak without writing anything.
func (c *Controller) CaptureObject(ctx context.Context, obj iface.DetectedObject, req CaptureRequest, useFullScan bool) (capture iface.FocusedCapture, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("object %d: recovered panic: %v", obj.Index, r)
			c.log.Error("capture panicked", zap.Int("point", req.PointIndex), zap.Int("object", obj.Index), zap.Any("panic", r))
		}
	}()

	res, err := c.FocusSingleObject(ctx, obj, nil, useFullScan)
	if err != nil {
		return iface.FocusedCapture{}, err
	}
	floor := c.Config().MinViableScore
	if res.Score < floor {
		c.log.Warn("focus too weak, not saving",
			zap.Int("point", req.PointIndex),
			zap.Int("object", obj.Index),
			zap.Float64("score", res.Score),
			zap.Float64("floor", floor))
		return iface.FocusedCapture{}, fmt.Errorf("object %d score %.2f: %w", obj.Index, res.Score, ErrFocusTooWeak)
	}

	frame, err := c.camera.CurrentFrame()
	if err != nil {
		return iface.FocusedCapture{}, fmt.Errorf("object %d: %w", obj.Index, err)
	}
	defer frame.Close()
	out := frame
	if req.Options.Width > 0 && req.Options.Height > 0 {
		cropped := storage.CropAround(frame, obj.Centroid, req.Options.Width, req.Options.Height)
		defer cropped.Close()
		out = cropped
	}

	name := storage.ObjectFilename(req.Options.ClassName, req.PointIndex, obj.Index, req.Options.Format)
	path := filepath.Join(req.Options.Folder, name)
	meta := []storage.Meta{
		{Key: "Z_UM", Value: res.ZOptimal, Comment: "best plane of focus"},
		{Key: "FSCORE", Value: res.Score, Comment: "focus score"},
	}
	if err := c.saver.Save(out, path, req.Options, meta...); err != nil {
		return iface.FocusedCapture{}, fmt.Errorf("object %d: save: %w", obj.Index, err)
	}

	obj.FocusScore = res.Score
	obj.IsFocused = true
	obj.Contour = nil
	c.log.Info("object captured",
		zap.Int("point", req.PointIndex),
		zap.Int("object", obj.Index),
		zap.Float64("z_um", res.ZOptimal),
		zap.Float64("score", res.Score),
		zap.String("path", path))
	return iface.FocusedCapture{
		Object:     obj,
		PointIndex: req.PointIndex,
		ZOptimal:   res.ZOptimal,
		Score:      res.Score,
		Filename:   path,
	}, nil
}

// CaptureAllObjects captures every object, logging and skipping failures
// so one bad object never loses the rest.
func (c *Controller) CaptureAllObjects(ctx context.Context, objects []iface.DetectedObject, req CaptureRequest, useFullScan bool) []iface.FocusedCapture {
	captures := make([]iface.FocusedCapture, 0, len(objects))
	for _, obj := range objects {
		if ctx.Err() != nil {
			c.log.Warn("capture batch interrupted", zap.Int("point", req.PointIndex), zap.Int("captured", len(captures)))
			break
		}
		capture, err := c.CaptureObject(ctx, obj, req, useFullScan)
		if err != nil {
			c.log.Warn("object skipped", zap.Int("point", req.PointIndex), zap.Int("object", obj.Index), zap.Error(err))
			continue
		}
		captures = append(captures, capture)
	}
	c.log.Info("capture batch done",
		zap.Int("point", req.PointIndex),
		zap.Int("objects", len(objects)),
		zap.Int("captured", len(captures)))
	return captures
}
