package autofocus

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"AutoFocusServer/focus"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerFinished
	WorkerErrored
	WorkerCancelled
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerFinished:
		return "finished"
	case WorkerErrored:
		return "errored"
	case WorkerCancelled:
		return "cancelled"
	}
	return "unknown"
}

var ErrWorkerBusy = errors.New("autofocus worker already running")

// StableSource scores the current view over several frames.
// focus.StableScorer implements it.
type StableSource interface {
	StableScore(ctx context.Context, roi image.Rectangle) (float64, error)
}

// Job is one scan + multi-focal capture. Zero fields fall back to the
// worker's Config and the hardware range.
type Job struct {
	ROI    image.Rectangle
	ZMin   float64
	ZMax   float64
	Step   float64
	Offset float64
}

type FocalCapture struct {
	Z     float64
	Score float64
	Frame gocv.Mat
}

// MultiFocalBatch is emitted once per job. The receiver owns the frames.
type MultiFocalBatch struct {
	BPoF     float64
	Captures []FocalCapture
}

func (b *MultiFocalBatch) Close() {
	for i := range b.Captures {
		b.Captures[i].Frame.Close()
	}
}

// Callbacks run on the worker goroutine.
type Callbacks struct {
	OnProgress  func(step, total int, z float64)
	OnScanDone  func(z, score float64)
	OnCaptured  func(batch MultiFocalBatch)
	OnError     func(err error)
	OnCancelled func()
}

// Worker runs one blocking scan-and-capture job on its own goroutine so the
// orchestrator's event loop keeps running.
type Worker struct {
	z      iface.ZAxis
	camera iface.Camera
	stable StableSource
	cfg    Config
	cb     Callbacks
	log    *zap.Logger

	mu        sync.Mutex
	state     atomic.Int32
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWorker wires a worker. stable may be nil, in which case single-frame
// Laplacian variance is used.
func NewWorker(z iface.ZAxis, camera iface.Camera, stable StableSource, cfg Config, cb Callbacks, log *zap.Logger) *Worker {
	return &Worker{z: z, camera: camera, stable: stable, cfg: cfg, cb: cb, log: logger.OrNop(log)}
}

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Start launches job. It fails with ErrWorkerBusy while a job is running.
func (w *Worker) Start(ctx context.Context, job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() == WorkerRunning {
		return ErrWorkerBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.cancelled.Store(false)
	w.state.Store(int32(WorkerRunning))
	go w.run(runCtx, job, w.done)
	return nil
}

// Cancel requests cooperative cancellation and interrupts any settle wait.
func (w *Worker) Cancel() {
	w.cancelled.Store(true)
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
}

// Wait blocks until the current job, if any, has returned.
func (w *Worker) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop raises the cancel flag and gives the job grace to exit at its next
// check. After that the job's context is cancelled and Stop waits one more
// grace period. It reports whether the job exited within the first grace;
// a job stuck in a hardware call that ignores its context is abandoned.
func (w *Worker) Stop(grace time.Duration) bool {
	w.mu.Lock()
	done, cancel := w.done, w.cancel
	w.mu.Unlock()
	if done == nil {
		return true
	}
	w.cancelled.Store(true)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
	}
	w.log.Warn("worker did not stop within grace, forcing", zap.Duration("grace", grace))
	if cancel != nil {
		cancel()
	}
	timer.Reset(grace)
	select {
	case <-done:
	case <-timer.C:
		w.log.Error("worker still busy after cancellation, abandoning", zap.Duration("grace", grace))
	}
	return false
}

func (w *Worker) finish(state WorkerState) {
	w.state.Store(int32(state))
}

func (w *Worker) fail(err error) {
	w.log.Error("autofocus job failed", zap.Error(err))
	w.finish(WorkerErrored)
	if w.cb.OnError != nil {
		w.cb.OnError(err)
	}
}

func (w *Worker) abort() {
	w.log.Info("autofocus job cancelled")
	w.finish(WorkerCancelled)
	if w.cb.OnCancelled != nil {
		w.cb.OnCancelled()
	}
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	return w.cancelled.Load() || ctx.Err() != nil
}

func (w *Worker) run(ctx context.Context, job Job, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("worker panic: %v", r))
		}
	}()

	zRange := w.z.ZRange()
	cfg := w.cfg
	if job.ZMin != 0 || job.ZMax != 0 {
		cfg.ZMin, cfg.ZMax = job.ZMin, job.ZMax
	}
	zMin, zMax := cfg.ScanBounds(zRange)
	step := job.Step
	if step <= 0 {
		step = cfg.CoarseStep
	}
	if job.Offset > 0 {
		cfg.MultiFocalStep = job.Offset
		cfg.MultiFocalRange = 0
	}

	// Scan phase.
	positions := focus.CoarsePositions(zMax-zMin, step)
	total := len(positions)
	var best focus.Sample
	have := false
	for i, rel := range positions {
		if w.stopRequested(ctx) {
			w.abort()
			return
		}
		z := zMin + rel
		score, ok := w.measure(ctx, z, job.ROI)
		if w.stopRequested(ctx) {
			w.abort()
			return
		}
		if w.cb.OnProgress != nil {
			w.cb.OnProgress(i+1, total, z)
		}
		if ok && (!have || score > best.Score) {
			best, have = focus.Sample{Z: z, Score: score}, true
		}
	}
	if !have {
		w.fail(focus.ErrNoSamples)
		return
	}
	w.log.Info("scan done", zap.Float64("z_um", best.Z), zap.Float64("score", best.Score))
	if w.cb.OnScanDone != nil {
		w.cb.OnScanDone(best.Z, best.Score)
	}

	// Capture phase.
	targets := cfg.MultiFocalTargets(best.Z, zMin, zMax)
	batch := MultiFocalBatch{BPoF: best.Z}
	for _, z := range targets {
		if w.stopRequested(ctx) {
			batch.Close()
			w.abort()
			return
		}
		frame, score, ok := w.grab(ctx, z, job.ROI)
		if !ok {
			continue
		}
		batch.Captures = append(batch.Captures, FocalCapture{Z: z, Score: score, Frame: frame})
	}
	if w.stopRequested(ctx) {
		batch.Close()
		w.abort()
		return
	}
	if err := w.z.MoveZ(best.Z); err != nil {
		w.log.Warn("return to BPoF failed", zap.Float64("z_um", best.Z), zap.Error(err))
	}
	w.finish(WorkerFinished)
	if w.cb.OnCaptured != nil {
		w.cb.OnCaptured(batch)
	} else {
		batch.Close()
	}
}

// measure moves, settles and scores. ok is false when the position could
// not be scored.
func (w *Worker) measure(ctx context.Context, z float64, roi image.Rectangle) (float64, bool) {
	if err := w.z.MoveZ(z); err != nil {
		w.log.Warn("move failed", zap.Float64("z_um", z), zap.Error(err))
		return 0, false
	}
	if err := focus.Sleep(ctx, w.cfg.Settle); err != nil {
		return 0, false
	}
	return w.score(ctx, roi)
}

func (w *Worker) score(ctx context.Context, roi image.Rectangle) (float64, bool) {
	if w.stable != nil {
		v, err := w.stable.StableScore(ctx, roi)
		if err == nil {
			return v, true
		}
		if ctx.Err() != nil {
			return 0, false
		}
		w.log.Debug("stable score unavailable, using single frame", zap.Error(err))
	}
	frame, err := w.camera.CurrentFrame()
	if err != nil {
		return 0, false
	}
	defer frame.Close()
	if frame.Empty() {
		return 0, false
	}
	return focus.LaplacianScorer{KernelSize: 3, Scale: 1, Margin: w.cfg.RoiMargin}.Score(frame, roi), true
}

// grab moves to z and returns the frame together with its score.
func (w *Worker) grab(ctx context.Context, z float64, roi image.Rectangle) (gocv.Mat, float64, bool) {
	score, ok := w.measure(ctx, z, roi)
	if !ok {
		return gocv.Mat{}, 0, false
	}
	frame, err := w.camera.CurrentFrame()
	if err != nil {
		w.log.Warn("no frame for multi-focal capture", zap.Float64("z_um", z), zap.Error(err))
		return gocv.Mat{}, 0, false
	}
	return frame, score, true
}
