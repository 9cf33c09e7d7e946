package engine

import (
	"strings"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"go.uber.org/zap"
)

// NewDetector builds the backend named by cfg.Backend. A saliency backend
// that cannot be constructed or loaded is replaced by the morphology one,
// and the reason is logged.
func NewDetector(cfg Config, log *zap.Logger) iface.ObjectDetector {
	log = logger.OrNop(log)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSaliency:
		d, err := NewSaliencyEngine(cfg, log)
		if err == nil {
			if err = d.EnsureLoaded(); err == nil {
				log.Info("detector ready", zap.String("backend", BackendSaliency))
				return d
			}
			_ = d.Close()
		}
		log.Warn("saliency backend unavailable, falling back to morphology", zap.Error(err))
	case BackendMorphology, "":
	default:
		log.Warn("unknown detector backend, using morphology", zap.String("backend", cfg.Backend))
	}
	log.Info("detector ready", zap.String("backend", BackendMorphology))
	return NewMorphologyEngine(cfg, log)
}
