package engine

import (
	"fmt"
	"image"
	"os"
	"sync"

	"AutoFocusServer/imgproc"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// SaliencyEngine runs a salient-object segmentation network. The model is
// not touched until EnsureLoaded (or the first Detect) so construction is
// cheap and fails only when the model or runtime cannot be found.
type SaliencyEngine struct {
	mu    sync.Mutex
	cfg   Config
	log   *zap.Logger
	state int

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewSaliencyEngine checks that the model file exists and the onnxruntime
// library initialises. Both failures wrap ErrModelUnavailable.
func NewSaliencyEngine(cfg Config, log *zap.Logger) (*SaliencyEngine, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultConfig().InputSize
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if err := InitRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &SaliencyEngine{cfg: cfg, log: logger.OrNop(log), state: REGISTERED}, nil
}

func (e *SaliencyEngine) Name() string { return BackendSaliency }

func (e *SaliencyEngine) State() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// EnsureLoaded creates the session and runs the warm-up inferences. It is
// a no-op once the engine is IDLE.
func (e *SaliencyEngine) EnsureLoaded() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked()
}

func (e *SaliencyEngine) loadLocked() error {
	switch e.state {
	case UNREGISTERED:
		return ErrNotRegistered
	case IDLE, BUSY:
		return nil
	}
	size := int64(e.cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		e.state = ERROR
		return fmt.Errorf("%w: input tensor: %v", ErrModelUnavailable, err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, size, size))
	if err != nil {
		input.Destroy()
		e.state = ERROR
		return fmt.Errorf("%w: output tensor: %v", ErrModelUnavailable, err)
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		e.state = ERROR
		return fmt.Errorf("%w: session options: %v", ErrModelUnavailable, err)
	}
	defer options.Destroy()
	if e.cfg.Threads > 0 {
		options.SetIntraOpNumThreads(e.cfg.Threads)
		options.SetInterOpNumThreads(e.cfg.Threads)
	}
	session, err := ort.NewAdvancedSession(
		e.cfg.ModelPath,
		[]string{e.cfg.InputName},
		[]string{e.cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		e.state = ERROR
		return fmt.Errorf("%w: session: %v", ErrModelUnavailable, err)
	}
	e.session, e.input, e.output = session, input, output

	for i := 0; i < e.cfg.WarmupRuns; i++ {
		if err := e.session.Run(); err != nil {
			e.destroyLocked()
			e.state = ERROR
			return fmt.Errorf("%w: warm-up: %v", ErrModelUnavailable, err)
		}
	}
	e.state = IDLE
	e.log.Info("saliency model loaded",
		zap.String("model", e.cfg.ModelPath),
		zap.Int("input_size", e.cfg.InputSize),
		zap.Int("warmup_runs", e.cfg.WarmupRuns))
	return nil
}

// Detect loads the model on first use, infers the saliency map at frame
// resolution, then thresholds and extracts objects.
func (e *SaliencyEngine) Detect(frame gocv.Mat) (iface.Detection, error) {
	if frame.Empty() {
		return iface.Detection{}, ErrEmptyFrame
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadLocked(); err != nil {
		return iface.Detection{}, err
	}
	e.state = BUSY
	defer func() { e.state = IDLE }()

	if err := e.prepareInput(frame); err != nil {
		return iface.Detection{}, err
	}
	if err := e.session.Run(); err != nil {
		return iface.Detection{}, fmt.Errorf("saliency inference: %w", err)
	}
	saliency := e.outputMap(frame.Cols(), frame.Rows())

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(saliency, &bin, float32(e.cfg.MaskThreshold), 255, gocv.ThresholdBinary)
	bin8 := gocv.NewMat()
	defer bin8.Close()
	bin.ConvertTo(&bin8, gocv.MatTypeCV8U)
	mask := imgproc.CleanMask(bin8, e.cfg.CloseSize, e.cfg.OpenSize, e.cfg.DilateIters)
	defer mask.Close()

	objects := extractObjects(mask, saliency, e.cfg.MinArea, e.cfg.MaxArea)
	e.log.Debug("saliency detect", zap.Int("objects", len(objects)))
	return iface.Detection{Saliency: saliency, Objects: objects}, nil
}

// prepareInput resizes to the network's square input and writes CHW
// ImageNet-normalised RGB into the input tensor.
func (e *SaliencyEngine) prepareInput(frame gocv.Mat) error {
	bgr := toBGR8(frame)
	defer bgr.Close()
	img, err := bgr.ToImage()
	if err != nil {
		return fmt.Errorf("frame to image: %w", err)
	}
	size := e.cfg.InputSize
	resized := imaging.Resize(img, size, size, imaging.Linear)

	dst := e.input.GetData()
	plane := size * size
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				dst[c*plane+i] = (v - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}
	return nil
}

// outputMap upsamples the network output to the frame size. Values are
// clamped to [0,1] and never stretched: a weak response must stay weak.
func (e *SaliencyEngine) outputMap(cols, rows int) gocv.Mat {
	size := e.cfg.InputSize
	data := e.output.GetData()
	small := gocv.NewMatWithSize(size, size, gocv.MatTypeCV32FC1)
	defer small.Close()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			small.SetFloatAt(y, x, float32(clampUnit(float64(data[y*size+x]))))
		}
	}
	out := gocv.NewMat()
	gocv.Resize(small, &out, image.Pt(cols, rows), 0, 0, gocv.InterpolationLinear)
	return out
}

func (e *SaliencyEngine) destroyLocked() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
}

func (e *SaliencyEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyLocked()
	e.state = UNREGISTERED
	return nil
}

// toBGR8 returns an 8-bit, 3-channel copy of frame.
func toBGR8(frame gocv.Mat) gocv.Mat {
	eight := gocv.NewMat()
	switch frame.Type() {
	case gocv.MatTypeCV16UC1, gocv.MatTypeCV16UC3, gocv.MatTypeCV16UC4:
		imgproc.Downshift16(frame, &eight)
	default:
		frame.CopyTo(&eight)
	}
	var code gocv.ColorConversionCode
	switch eight.Channels() {
	case 1:
		code = gocv.ColorGrayToBGR
	case 4:
		code = gocv.ColorBGRAToBGR
	default:
		return eight
	}
	bgr := gocv.NewMat()
	gocv.CvtColor(eight, &bgr, code)
	eight.Close()
	return bgr
}
