package engine

import (
	"AutoFocusServer/imgproc"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// MorphologyEngine is the classical backend. It needs no model and is
// always available.
type MorphologyEngine struct {
	cfg Config
	log *zap.Logger
}

func NewMorphologyEngine(cfg Config, log *zap.Logger) *MorphologyEngine {
	return &MorphologyEngine{cfg: cfg, log: logger.OrNop(log)}
}

func (e *MorphologyEngine) Name() string { return BackendMorphology }

func (e *MorphologyEngine) Close() error { return nil }

// Detect runs CLAHE and blur, the combined Otsu/adaptive threshold, mask
// cleanup and contour extraction. The saliency map is the inverted
// preprocessed intensity inside the mask and 0 elsewhere.
func (e *MorphologyEngine) Detect(frame gocv.Mat) (iface.Detection, error) {
	if frame.Empty() {
		return iface.Detection{}, ErrEmptyFrame
	}
	pre := imgproc.PreprocessForDetection(frame, e.cfg.ClipLimit, e.cfg.TileSize, e.cfg.BlurSize)
	defer pre.Close()

	raw := imgproc.BinaryMaskCombined(pre)
	defer raw.Close()
	mask := imgproc.CleanMask(raw, e.cfg.CloseSize, e.cfg.OpenSize, e.cfg.DilateIters)
	defer mask.Close()

	inverted := gocv.NewMat()
	defer inverted.Close()
	pre.ConvertToWithParams(&inverted, gocv.MatTypeCV32F, -1.0/255.0, 1.0)

	saliency := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), pre.Rows(), pre.Cols(), gocv.MatTypeCV32FC1)
	inverted.CopyToWithMask(&saliency, mask)

	objects := extractObjects(mask, saliency, e.cfg.MinArea, e.cfg.MaxArea)
	e.log.Debug("morphology detect", zap.Int("objects", len(objects)))
	return iface.Detection{Saliency: saliency, Objects: objects}, nil
}
