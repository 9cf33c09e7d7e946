package engine

import (
	"errors"
)

// Detector states. A SaliencyEngine moves UNREGISTERED → REGISTERED on
// construction, REGISTERED → IDLE once the model is loaded, and toggles
// IDLE ⇄ BUSY around each inference.
const (
	UNREGISTERED = 0x0001
	REGISTERED   = 0x0002
	IDLE         = 0x0003
	BUSY         = 0x0004
	ERROR        = 0x0005
)

const (
	BackendMorphology = "morphology"
	BackendSaliency   = "saliency"
)

var (
	ErrModelUnavailable = errors.New("saliency model unavailable")
	ErrNotRegistered    = errors.New("detector not registered")
	ErrEmptyFrame       = errors.New("empty frame")
)

// StateName renders a detector state for logs and status output.
func StateName(state int) string {
	switch state {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case BUSY:
		return "busy"
	case ERROR:
		return "error"
	}
	return "unknown"
}

// Config selects and tunes the detector backend.
type Config struct {
	Backend     string `json:"backend" yaml:"backend"`
	ModelPath   string `json:"model_path" yaml:"model_path"`
	LibraryPath string `json:"library_path" yaml:"library_path"`
	InputName   string `json:"input_name" yaml:"input_name"`
	OutputName  string `json:"output_name" yaml:"output_name"`
	InputSize   int    `json:"input_size" yaml:"input_size"`
	WarmupRuns  int    `json:"warmup_runs" yaml:"warmup_runs"`
	Threads     int    `json:"threads" yaml:"threads"`

	// MaskThreshold binarises the saliency map before contour extraction.
	MaskThreshold float64 `json:"mask_threshold" yaml:"mask_threshold"`

	MinArea float64 `json:"min_area" yaml:"min_area"`
	MaxArea float64 `json:"max_area" yaml:"max_area"`

	ClipLimit   float64 `json:"clip_limit" yaml:"clip_limit"`
	TileSize    int     `json:"tile_size" yaml:"tile_size"`
	BlurSize    int     `json:"blur_size" yaml:"blur_size"`
	CloseSize   int     `json:"close_size" yaml:"close_size"`
	OpenSize    int     `json:"open_size" yaml:"open_size"`
	DilateIters int     `json:"dilate_iters" yaml:"dilate_iters"`
}

func DefaultConfig() Config {
	return Config{
		Backend:       BackendMorphology,
		ModelPath:     "model/u2netp.onnx",
		InputName:     "input",
		OutputName:    "output",
		InputSize:     320,
		WarmupRuns:    3,
		Threads:       2,
		MaskThreshold: 0.5,
		MinArea:       500,
		MaxArea:       500000,
		ClipLimit:     2.0,
		TileSize:      8,
		BlurSize:      5,
		CloseSize:     5,
		OpenSize:      3,
		DilateIters:   1,
	}
}
