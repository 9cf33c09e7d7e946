package autofocus

import (
	"context"
	"errors"
	"image"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"AutoFocusServer/engine"
	"AutoFocusServer/focus"
	"AutoFocusServer/hardware"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

const focalPlane = 37.0

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Settle = 0
	cfg.StableInterval = 0
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Strategy = "spiral"
	bad.CoarseStep = 1
	bad.FineStep = 2
	bad.MultiFocalCount = 2
	bad.ZMin, bad.ZMax = 50, 10
	err := bad.Validate()
	require.Error(t, err)
	var v *iface.ValidationError
	require.True(t, errors.As(err, &v))
	assert.Len(t, v.Problems, 4)
	assert.Contains(t, err.Error(), "spiral")

	span := DefaultConfig()
	span.MultiFocalCount = 5
	span.MultiFocalStep = 5
	span.MultiFocalRange = 10
	assert.Error(t, span.Validate())
}

func TestConfigAgainstHardware(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateAgainstHardware(50, 100))
	assert.Error(t, cfg.ValidateAgainstHardware(120, 100))
	assert.Error(t, cfg.ValidateAgainstHardware(50, 0))

	cfg.ZMax = 150
	assert.Error(t, cfg.ValidateAgainstHardware(50, 100))

	g := DefaultConfig()
	g.Strategy = focus.StrategyGolden
	g.Tolerance = 30
	g.SearchRange = 40
	assert.Error(t, g.ValidateAgainstHardware(0, 100))
}

func TestConfigHelpers(t *testing.T) {
	cfg := DefaultConfig()
	lo, hi := cfg.ScanBounds(80)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 80.0, hi)

	cfg.ZMin, cfg.ZMax = 10, 200
	lo, hi = cfg.ScanBounds(80)
	assert.Equal(t, 10.0, lo)
	assert.Equal(t, 80.0, hi)

	cfg.MultiFocalCount = 5
	cfg.MultiFocalStep = 2
	assert.Equal(t, []float64{0, 2, -2, 4, -4}, cfg.MultiFocalOffsets())

	cfg.MultiFocalRange = 4
	assert.Equal(t, []float64{0, 2, -2}, cfg.MultiFocalOffsets())
	assert.Equal(t, []float64{1, 3, 0}, cfg.MultiFocalTargets(1, 0, 10))

	cfg.MultiFocalRange = 0
	assert.Equal(t, []float64{9, 10, 7, 10, 5}, cfg.MultiFocalTargets(9, 0, 10))

	cfg.MultiFocalCount = 1
	assert.Equal(t, []float64{0}, cfg.MultiFocalOffsets())
}

func TestSearcherStrategy(t *testing.T) {
	r := newRig(t, &fakeDetector{}, testConfig())
	assert.Equal(t, focus.StrategyGolden, r.ctrl.Searcher(false).Name())
	assert.Equal(t, focus.StrategyZScan, r.ctrl.Searcher(true).Name())

	cfg := testConfig()
	cfg.Strategy = focus.StrategyZScan
	require.NoError(t, r.ctrl.SetConfig(cfg))
	assert.Equal(t, focus.StrategyZScan, r.ctrl.Searcher(false).Name())

	res, err := r.ctrl.FocusSingleObject(context.Background(), specimenObject(0, 9000), nil, false)
	require.NoError(t, err)
	assert.Equal(t, focalPlane, res.ZOptimal)
}

type fakeDetector struct {
	objects []iface.DetectedObject
	err     error
}

func (d *fakeDetector) Name() string { return "fake" }
func (d *fakeDetector) Close() error { return nil }

func (d *fakeDetector) Detect(frame gocv.Mat) (iface.Detection, error) {
	if d.err != nil {
		return iface.Detection{Saliency: gocv.NewMat()}, d.err
	}
	return iface.Detection{Saliency: gocv.NewMat(), Objects: append([]iface.DetectedObject(nil), d.objects...)}, nil
}

type savedFile struct {
	path       string
	cols, rows int
	meta       []storage.Meta
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []savedFile
	err   error
}

func (s *fakeSaver) Save(frame gocv.Mat, path string, opts iface.CaptureOptions, meta ...storage.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, savedFile{path: path, cols: frame.Cols(), rows: frame.Rows(), meta: meta})
	return nil
}

func specimenObject(index int, area float64) iface.DetectedObject {
	return iface.DetectedObject{
		Index:       index,
		BBox:        image.Rect(50, 30, 110, 90),
		Centroid:    iface.Point2D{X: 80, Y: 60},
		Area:        area,
		Probability: 0.9,
		Circularity: 0.85,
		AspectRatio: 0.9,
	}
}

type rig struct {
	z      *hardware.SimZ
	camera *hardware.SimCamera
	saver  *fakeSaver
	ctrl   *Controller
}

func newRig(t *testing.T, det iface.ObjectDetector, cfg Config) *rig {
	z := hardware.NewSimZ(100, 0)
	cam := hardware.NewSimCamera(z, focalPlane, 160, 120, hardware.Specimen{Center: image.Pt(80, 60), Radius: 28})
	t.Cleanup(func() { cam.Close() })
	saver := &fakeSaver{}
	th := engine.NewThresholdStore(engine.DefaultThresholds())
	return &rig{z: z, camera: cam, saver: saver, ctrl: NewController(det, th, z, cam, saver, cfg, nil)}
}

func TestPredetectObjects(t *testing.T) {
	det := &fakeDetector{objects: []iface.DetectedObject{specimenObject(0, 9000), specimenObject(1, 4000)}}
	r := newRig(t, det, testConfig())

	th := engine.DefaultThresholds()
	th.MinArea = 5000
	r.ctrl.Thresholds().Set(th)
	objs, err := r.ctrl.PredetectObjects(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, 9000.0, objs[0].Area)

	// Threshold changes apply on the next call.
	th.MinArea = 100
	r.ctrl.Thresholds().Set(th)
	objs, err = r.ctrl.PredetectObjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	det.err = errors.New("boom")
	_, err = r.ctrl.PredetectObjects(context.Background())
	assert.Error(t, err)
}

func TestFocusSingleObject(t *testing.T) {
	r := newRig(t, &fakeDetector{}, testConfig())
	obj := specimenObject(0, 9000)

	res, err := r.ctrl.FocusSingleObject(context.Background(), obj, nil, true)
	require.NoError(t, err)
	assert.Equal(t, focalPlane, res.ZOptimal)
	assert.Equal(t, obj.BBox, res.BBox)
	z, _ := r.z.ReadZ()
	assert.Equal(t, focalPlane, z)

	center := 30.0
	res, err = r.ctrl.FocusSingleObject(context.Background(), obj, &center, false)
	require.NoError(t, err)
	assert.InDelta(t, focalPlane, res.ZOptimal, 1.0)
}

func TestCaptureObject(t *testing.T) {
	req := CaptureRequest{PointIndex: 4, Options: iface.CaptureOptions{Folder: "out", ClassName: "pollen", Format: "png"}}

	t.Run("saved", func(t *testing.T) {
		r := newRig(t, &fakeDetector{}, testConfig())
		cropped := req
		cropped.Options.Width, cropped.Options.Height = 40, 30
		capture, err := r.ctrl.CaptureObject(context.Background(), specimenObject(2, 9000), cropped, true)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("out", "pollen_p0004_o02.png"), capture.Filename)
		assert.Equal(t, focalPlane, capture.ZOptimal)
		assert.True(t, capture.Object.IsFocused)
		assert.Equal(t, capture.Score, capture.Object.FocusScore)
		require.Len(t, r.saver.saved, 1)
		assert.Equal(t, 40, r.saver.saved[0].cols)
		assert.Equal(t, 30, r.saver.saved[0].rows)
		assert.Equal(t, "Z_UM", r.saver.saved[0].meta[0].Key)
	})

	t.Run("too weak", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinViableScore = math.MaxFloat64
		r := newRig(t, &fakeDetector{}, cfg)
		_, err := r.ctrl.CaptureObject(context.Background(), specimenObject(0, 9000), req, true)
		assert.ErrorIs(t, err, ErrFocusTooWeak)
		assert.Empty(t, r.saver.saved)
	})

	t.Run("save failure", func(t *testing.T) {
		r := newRig(t, &fakeDetector{}, testConfig())
		r.saver.err = errors.New("disk full")
		_, err := r.ctrl.CaptureObject(context.Background(), specimenObject(0, 9000), req, true)
		assert.Error(t, err)
	})
}

func TestCaptureAllObjectsContinuesPastFailures(t *testing.T) {
	r := newRig(t, &fakeDetector{}, testConfig())
	good := specimenObject(0, 9000)
	// An ROI on the plain background never reaches the viability floor.
	flat := specimenObject(1, 6000)
	flat.BBox = image.Rect(0, 0, 12, 12)
	cfg := testConfig()
	cfg.MinViableScore = 50
	require.NoError(t, r.ctrl.SetConfig(cfg))

	req := CaptureRequest{PointIndex: 1, Options: iface.CaptureOptions{ClassName: "c"}}
	captures := r.ctrl.CaptureAllObjects(context.Background(), []iface.DetectedObject{flat, good}, req, true)
	require.Len(t, captures, 1)
	assert.Equal(t, 0, captures[0].Object.Index)
	assert.Equal(t, "c_p0001_o00.png", captures[0].Filename)

	bad := testConfig()
	bad.CoarseStep = -1
	assert.Error(t, r.ctrl.SetConfig(bad))
}

type workerEvents struct {
	mu        sync.Mutex
	progress  [][3]float64
	scanZ     float64
	batch     *MultiFocalBatch
	err       error
	cancelled bool
}

func (e *workerEvents) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(step, total int, z float64) {
			e.mu.Lock()
			e.progress = append(e.progress, [3]float64{float64(step), float64(total), z})
			e.mu.Unlock()
		},
		OnScanDone: func(z, score float64) {
			e.mu.Lock()
			e.scanZ = z
			e.mu.Unlock()
		},
		OnCaptured: func(b MultiFocalBatch) {
			e.mu.Lock()
			e.batch = &b
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.err = err
			e.mu.Unlock()
		},
		OnCancelled: func() {
			e.mu.Lock()
			e.cancelled = true
			e.mu.Unlock()
		},
	}
}

func TestWorkerScanAndCapture(t *testing.T) {
	z := hardware.NewSimZ(100, 0)
	cam := hardware.NewSimCamera(z, focalPlane, 160, 120, hardware.Specimen{Center: image.Pt(80, 60), Radius: 28})
	defer cam.Close()
	stable := focus.StableScorer{Camera: cam, Base: focus.LaplacianScorer{KernelSize: 3, Scale: 1}, Frames: 2}

	ev := &workerEvents{}
	w := NewWorker(z, cam, stable, testConfig(), ev.callbacks(), nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 5, Offset: 5}))
	w.Wait()

	assert.Equal(t, WorkerFinished, w.State())
	require.NoError(t, ev.err)
	require.Len(t, ev.progress, 21)
	assert.Equal(t, [3]float64{1, 21, 0}, ev.progress[0])
	assert.Equal(t, [3]float64{21, 21, 100}, ev.progress[20])
	assert.Equal(t, 35.0, ev.scanZ)

	require.NotNil(t, ev.batch)
	defer ev.batch.Close()
	assert.Equal(t, 35.0, ev.batch.BPoF)
	require.Len(t, ev.batch.Captures, 3)
	zs := []float64{ev.batch.Captures[0].Z, ev.batch.Captures[1].Z, ev.batch.Captures[2].Z}
	assert.Equal(t, []float64{35, 40, 30}, zs)
	assert.Greater(t, ev.batch.Captures[0].Score, ev.batch.Captures[1].Score)
	pos, _ := z.ReadZ()
	assert.Equal(t, 35.0, pos)
}

func TestWorkerClampsCaptureOffsets(t *testing.T) {
	z := hardware.NewSimZ(100, 0)
	cam := hardware.NewSimCamera(z, 2, 160, 120, hardware.Specimen{Center: image.Pt(80, 60), Radius: 28})
	defer cam.Close()

	ev := &workerEvents{}
	cfg := testConfig()
	cfg.ZMin, cfg.ZMax = 0, 20
	w := NewWorker(z, cam, nil, cfg, ev.callbacks(), nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 4, Offset: 6}))
	w.Wait()

	require.NotNil(t, ev.batch)
	defer ev.batch.Close()
	assert.Equal(t, 0.0, ev.batch.BPoF)
	zs := []float64{}
	for _, c := range ev.batch.Captures {
		zs = append(zs, c.Z)
	}
	assert.Equal(t, []float64{0, 6, 0}, zs)
}

func TestWorkerMultiFocalFromConfig(t *testing.T) {
	z := hardware.NewSimZ(100, 0)
	cam := hardware.NewSimCamera(z, focalPlane, 160, 120, hardware.Specimen{Center: image.Pt(80, 60), Radius: 28})
	defer cam.Close()

	ev := &workerEvents{}
	cfg := testConfig()
	cfg.MultiFocalCount = 5
	cfg.MultiFocalStep = 5
	cfg.MultiFocalRange = 20
	w := NewWorker(z, cam, nil, cfg, ev.callbacks(), nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 5}))
	w.Wait()

	require.NotNil(t, ev.batch)
	defer ev.batch.Close()
	zs := []float64{}
	for _, c := range ev.batch.Captures {
		zs = append(zs, c.Z)
	}
	assert.Equal(t, []float64{35, 40, 30, 45, 25}, zs)
}

// gatedCamera blocks frames until released so tests can cancel mid-scan.
type gatedCamera struct {
	iface.Camera
	gate chan struct{}
	seen chan struct{}
}

func (c *gatedCamera) CurrentFrame() (gocv.Mat, error) {
	select {
	case c.seen <- struct{}{}:
	default:
	}
	<-c.gate
	return c.Camera.CurrentFrame()
}

func TestWorkerCancel(t *testing.T) {
	z := hardware.NewSimZ(100, 0)
	sim := hardware.NewSimCamera(z, focalPlane, 80, 60)
	defer sim.Close()
	cam := &gatedCamera{Camera: sim, gate: make(chan struct{}), seen: make(chan struct{}, 1)}

	ev := &workerEvents{}
	w := NewWorker(z, cam, nil, testConfig(), ev.callbacks(), nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 5}))
	<-cam.seen
	assert.ErrorIs(t, w.Start(context.Background(), Job{}), ErrWorkerBusy)
	w.Cancel()
	close(cam.gate)
	w.Wait()

	assert.Equal(t, WorkerCancelled, w.State())
	assert.True(t, ev.cancelled)
	assert.Nil(t, ev.batch)
	assert.LessOrEqual(t, len(ev.progress), 1)
}

func TestWorkerStopForcesAfterGrace(t *testing.T) {
	z := hardware.NewSimZ(100, 0)
	sim := hardware.NewSimCamera(z, focalPlane, 80, 60)
	defer sim.Close()

	cfg := testConfig()
	cfg.Settle = time.Hour
	ev := &workerEvents{}
	w := NewWorker(z, sim, nil, cfg, ev.callbacks(), nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 5}))

	start := time.Now()
	assert.False(t, w.Stop(20*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, WorkerCancelled, w.State())
	assert.True(t, ev.cancelled)

	assert.True(t, w.Stop(time.Millisecond))
}

func TestWorkerStopAbandonsStuckJob(t *testing.T) {
	z := hardware.NewSimZ(100, 0)
	sim := hardware.NewSimCamera(z, focalPlane, 80, 60)
	defer sim.Close()
	cam := &gatedCamera{Camera: sim, gate: make(chan struct{}), seen: make(chan struct{}, 1)}

	w := NewWorker(z, cam, nil, testConfig(), Callbacks{}, nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 5}))
	<-cam.seen

	start := time.Now()
	assert.False(t, w.Stop(20*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, WorkerRunning, w.State())

	close(cam.gate)
	w.Wait()
	assert.Equal(t, WorkerCancelled, w.State())
}

func TestWorkerNoFrames(t *testing.T) {
	z := hardware.NewSimZ(10, 0)
	ev := &workerEvents{}
	w := NewWorker(z, &storageless{}, nil, testConfig(), ev.callbacks(), nil)
	require.NoError(t, w.Start(context.Background(), Job{Step: 5}))
	w.Wait()
	assert.Equal(t, WorkerErrored, w.State())
	assert.ErrorIs(t, ev.err, focus.ErrNoSamples)
	assert.Len(t, ev.progress, 3)
}

type storageless struct{}

func (storageless) CurrentFrame() (gocv.Mat, error) { return gocv.NewMat(), iface.ErrNoFrame }
