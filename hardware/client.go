package hardware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"github.com/cenkalti/backoff"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/time/rate"
)

const TimeOutSeconds = 5

var ErrDevice = errors.New("device request failed")

// floatT is the body the device servers exchange for scalar values.
type floatT struct {
	F64 float64 `json:"f64"`
}

// statusError carries a non-2xx response. 4xx responses are not retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: HTTP %d: %s", ErrDevice, e.code, e.body)
}

func (e *statusError) Unwrap() error { return ErrDevice }

func newBackoff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	}
}

// retry runs op with exponential backoff, giving up at once on client errors.
func retry(op func() error) error {
	var permanent error
	err := backoff.Retry(func() error {
		err := op()
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			permanent = err
			return nil
		}
		return err
	}, newBackoff())
	if permanent != nil {
		return permanent
	}
	return err
}

// MotionConfig addresses a motion controller's HTTP interface.
type MotionConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	XAxis     string        `json:"x_axis" yaml:"x_axis"`
	YAxis     string        `json:"y_axis" yaml:"y_axis"`
	ZAxis     string        `json:"z_axis" yaml:"z_axis"`
	ZRange    float64       `json:"z_range" yaml:"z_range"`
	Tolerance float64       `json:"tolerance" yaml:"tolerance"`
	PollEvery time.Duration `json:"poll_every" yaml:"poll_every"`
}

func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		Addr:      "http://127.0.0.1:8000",
		XAxis:     "x",
		YAxis:     "y",
		ZAxis:     "z",
		ZRange:    100,
		Tolerance: 0.5,
		PollEvery: 50 * time.Millisecond,
	}
}

// MotionClient drives the XY stage and focus axis of a device server
// exposing GET/POST /axis/{axis}/pos. It implements iface.ZAxis and
// iface.Stage.
type MotionClient struct {
	cfg     MotionConfig
	client  *resty.Client
	limiter *rate.Limiter
	log     *zap.Logger

	mu          sync.Mutex
	tx, ty      float64
	active      bool
	lastReached bool
}

func NewMotionClient(cfg MotionConfig, log *zap.Logger) *MotionClient {
	every := cfg.PollEvery
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	return &MotionClient{
		cfg:     cfg,
		client:  resty.New().SetBaseURL(cfg.Addr).SetTimeout(TimeOutSeconds * time.Second),
		limiter: rate.NewLimiter(rate.Every(every), 1),
		log:     logger.OrNop(log),
	}
}

func (m *MotionClient) getPos(axis string) (float64, error) {
	var out floatT
	err := retry(func() error {
		resp, err := m.client.R().
			SetPathParam("axis", axis).
			SetResult(&out).
			Get("/axis/{axis}/pos")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return &statusError{code: resp.StatusCode(), body: resp.String()}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read axis %s: %w", axis, err)
	}
	return out.F64, nil
}

func (m *MotionClient) setPos(axis string, pos float64) error {
	err := retry(func() error {
		resp, err := m.client.R().
			SetPathParam("axis", axis).
			SetHeader("Content-Type", "application/json").
			SetBody(floatT{F64: pos}).
			Post("/axis/{axis}/pos")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return &statusError{code: resp.StatusCode(), body: resp.String()}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("move axis %s to %.3f: %w", axis, pos, err)
	}
	return nil
}

func (m *MotionClient) MoveZ(um float64) error {
	if um < 0 || um > m.cfg.ZRange {
		return fmt.Errorf("move to %.3f µm: %w", um, ErrOutOfRange)
	}
	return m.setPos(m.cfg.ZAxis, um)
}

func (m *MotionClient) ReadZ() (float64, error) { return m.getPos(m.cfg.ZAxis) }

func (m *MotionClient) ZRange() float64 { return m.cfg.ZRange }

func (m *MotionClient) SetDualRefs(x, y float64) error {
	m.mu.Lock()
	m.tx, m.ty = x, y
	m.lastReached = false
	m.mu.Unlock()
	return nil
}

// StartDualControl commands both axes to the stored references.
func (m *MotionClient) StartDualControl() error {
	m.mu.Lock()
	x, y := m.tx, m.ty
	m.mu.Unlock()
	if err := m.setPos(m.cfg.XAxis, x); err != nil {
		return err
	}
	if err := m.setPos(m.cfg.YAxis, y); err != nil {
		return err
	}
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	return nil
}

func (m *MotionClient) StopDualControl() error {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
	return nil
}

func (m *MotionClient) IsDualControlActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsPositionReached polls both axes, at most once per PollEvery. Between
// polls the previous answer is returned.
func (m *MotionClient) IsPositionReached() bool {
	m.mu.Lock()
	tx, ty, last := m.tx, m.ty, m.lastReached
	m.mu.Unlock()
	if !m.limiter.Allow() {
		return last
	}
	x, err := m.getPos(m.cfg.XAxis)
	if err != nil {
		m.log.Warn("position poll failed", zap.Error(err))
		return false
	}
	y, err := m.getPos(m.cfg.YAxis)
	if err != nil {
		m.log.Warn("position poll failed", zap.Error(err))
		return false
	}
	reached := math.Abs(x-tx) <= m.cfg.Tolerance && math.Abs(y-ty) <= m.cfg.Tolerance
	m.mu.Lock()
	m.lastReached = reached
	m.mu.Unlock()
	return reached
}

// CameraClient fetches frames from GET /image?fmt=png.
type CameraClient struct {
	client *resty.Client
}

func NewCameraClient(addr string) *CameraClient {
	return &CameraClient{client: resty.New().SetBaseURL(addr).SetTimeout(TimeOutSeconds * time.Second)}
}

func (c *CameraClient) CurrentFrame() (gocv.Mat, error) {
	var body []byte
	err := retry(func() error {
		resp, err := c.client.R().SetQueryParam("fmt", "png").Get("/image")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return &statusError{code: resp.StatusCode(), body: resp.String()}
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", iface.ErrNoFrame, err)
	}
	frame, err := gocv.IMDecode(body, gocv.IMReadUnchanged)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: decode: %v", iface.ErrNoFrame, err)
	}
	if frame.Empty() {
		frame.Close()
		return gocv.NewMat(), fmt.Errorf("%w: empty image", iface.ErrNoFrame)
	}
	return frame, nil
}
