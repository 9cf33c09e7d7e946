package microscopy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"AutoFocusServer/autofocus"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"
	"AutoFocusServer/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrRunActive = errors.New("a run is already active")

// AutofocusFlow is the per-point detect/focus/capture collaborator.
// *autofocus.Controller implements it.
type AutofocusFlow interface {
	PredetectObjects(ctx context.Context) ([]iface.DetectedObject, error)
	CaptureObject(ctx context.Context, obj iface.DetectedObject, req autofocus.CaptureRequest, useFullScan bool) (iface.FocusedCapture, error)
	PreviewFrame() (gocv.Mat, error)
}

// Listener receives run notifications on the event loop goroutine.
type Listener interface {
	OnStatus(msg string)
	OnProgress(current, total int)
	OnObjectCaptured(capture iface.FocusedCapture)
	OnFinished(total int)
	OnStopped()
	OnError(msg string)
}

// NopListener ignores every notification. Embed it to implement part of
// Listener.
type NopListener struct{}

func (NopListener) OnStatus(string)                       {}
func (NopListener) OnProgress(int, int)                   {}
func (NopListener) OnObjectCaptured(iface.FocusedCapture) {}
func (NopListener) OnFinished(int)                        {}
func (NopListener) OnStopped()                            {}
func (NopListener) OnError(string)                        {}

// anyGen marks control events that must run whatever the point generation.
const anyGen = ^uint64(0)

type event struct {
	gen uint64
	fn  func()
}

// Orchestrator runs a trajectory on a single event loop goroutine. Each
// step is a closure; waits are time.AfterFunc timers that post the next
// step back onto the loop, tagged with the point generation so timers of a
// skipped point are dropped.
type Orchestrator struct {
	stage     iface.Stage
	capturer  iface.ImageCapturer
	flow      AutofocusFlow
	confirmer iface.Confirmer
	listener  Listener
	log       *zap.Logger
	sm        *StateManager

	autofocusEnabled atomic.Bool
	stopHandled      atomic.Bool

	mu     sync.Mutex
	cfg    Config
	gen    uint64
	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires the collaborators. flow and confirmer may be nil
// when autofocus or learning mode are never used.
func NewOrchestrator(stage iface.Stage, capturer iface.ImageCapturer, flow AutofocusFlow,
	confirmer iface.Confirmer, listener Listener, log *zap.Logger) *Orchestrator {
	if listener == nil {
		listener = NopListener{}
	}
	log = logger.OrNop(log)
	o := &Orchestrator{
		stage:     stage,
		capturer:  capturer,
		flow:      flow,
		confirmer: confirmer,
		listener:  listener,
		log:       log,
		sm:        NewStateManager(log.Named("state")),
	}
	o.autofocusEnabled.Store(true)
	return o
}

func (o *Orchestrator) StateManager() *StateManager { return o.sm }

func (o *Orchestrator) Summary() Summary { return o.sm.Summary() }

// SetAutofocusEnabled toggles autofocus for runs configured with it. The
// change applies from the next capture.
func (o *Orchestrator) SetAutofocusEnabled(on bool) { o.autofocusEnabled.Store(on) }

func (o *Orchestrator) AutofocusEnabled() bool { return o.autofocusEnabled.Load() }

// Start validates cfg and launches the run. It returns once the loop is
// running; use Wait to block until the run ends.
func (o *Orchestrator) Start(ctx context.Context, cfg Config, hw HardwareStatus) error {
	if err := cfg.Validate(hw); err != nil {
		return err
	}
	if cfg.Autofocus && o.flow == nil {
		return errors.New("autofocus requested but no autofocus flow is wired")
	}
	if cfg.LearningMode && o.confirmer == nil {
		return errors.New("learning mode requested but no confirmer is wired")
	}

	o.mu.Lock()
	if o.done != nil {
		select {
		case <-o.done:
		default:
			o.mu.Unlock()
			return ErrRunActive
		}
	}
	switch o.sm.State() {
	case RUNNING, PAUSED:
		o.mu.Unlock()
		return ErrRunActive
	case IDLE:
	default:
		o.sm.Reset()
	}
	if err := o.sm.Start(cfg.Trajectory, cfg.LearningMode, cfg.LearningTarget); err != nil {
		o.mu.Unlock()
		return err
	}
	o.cfg = cfg
	o.gen++
	o.stopHandled.Store(false)
	o.events = make(chan event, 16)
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	gen := o.gen
	go o.loop(o.ctx, o.events, o.done)
	o.mu.Unlock()

	o.status(fmt.Sprintf("run started: %d points", len(cfg.Trajectory)))
	o.post(gen, o.moveToPoint)
	return nil
}

// Wait blocks until the current run has ended.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Pause takes effect at the next point; in-flight moves and captures
// finish first.
func (o *Orchestrator) Pause() error {
	if err := o.sm.Pause(); err != nil {
		return err
	}
	o.status("paused")
	return nil
}

func (o *Orchestrator) Resume() error {
	if err := o.sm.Resume(); err != nil {
		return err
	}
	o.status("resumed")
	return nil
}

// Skip abandons the point that is current when Skip is called.
func (o *Orchestrator) Skip() error {
	switch o.sm.State() {
	case RUNNING, PAUSED:
	default:
		return fmt.Errorf("%w: skip while %s", ErrInvalidTransition, o.sm.State())
	}
	point := o.sm.CurrentPoint()
	o.post(anyGen, func() { o.skip(point) })
	return nil
}

// Stop ends the run after the step in progress, if any.
func (o *Orchestrator) Stop() error {
	if err := o.sm.Stop(); err != nil {
		return err
	}
	o.post(anyGen, o.stopped)
	return nil
}

func (o *Orchestrator) currentGen() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen
}

func (o *Orchestrator) bumpGen() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	return o.gen
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) runContext() (context.Context, chan event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx, o.events
}

// post hands fn to the loop. It drops the event once the run is over.
func (o *Orchestrator) post(gen uint64, fn func()) {
	ctx, events := o.runContext()
	if events == nil {
		return
	}
	select {
	case events <- event{gen: gen, fn: fn}:
	case <-ctx.Done():
	}
}

// after schedules fn for gen on the loop once d has elapsed.
func (o *Orchestrator) after(d time.Duration, gen uint64, fn func()) {
	if d <= 0 {
		go o.post(gen, fn)
		return
	}
	time.AfterFunc(d, func() { o.post(gen, fn) })
}

func (o *Orchestrator) loop(ctx context.Context, events chan event, done chan struct{}) {
	defer close(done)
	defer func() {
		o.mu.Lock()
		o.cancel()
		o.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			o.log.Warn("run context cancelled", zap.Error(ctx.Err()))
			if s := o.sm.State(); s == RUNNING || s == PAUSED || s == STOPPING {
				o.fail(fmt.Sprintf("run cancelled: %v", ctx.Err()))
			}
			return
		case ev := <-events:
			if ev.gen != anyGen && ev.gen != o.currentGen() {
				continue
			}
			if o.dispatch(ev.fn) {
				return
			}
		}
	}
}

// dispatch runs one step and reports whether the run has ended.
func (o *Orchestrator) dispatch(fn func()) (ended bool) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("run step panicked", zap.Any("panic", r), zap.Int("point", o.sm.CurrentPoint()))
			o.fail(fmt.Sprintf("internal error: %v", r))
			ended = true
		}
	}()
	fn()
	switch o.sm.State() {
	case COMPLETED, ERROR, IDLE:
		return true
	case STOPPING:
		// the stop event ends the loop once it has run
		return o.stopHandled.Load()
	}
	return false
}

func (o *Orchestrator) status(msg string) {
	o.log.Info(msg)
	o.listener.OnStatus(msg)
}

func (o *Orchestrator) fail(msg string) {
	o.sm.Fail(msg)
	o.bumpGen()
	if o.stage.IsDualControlActive() {
		_ = o.stage.StopDualControl()
	}
	o.listener.OnError(msg)
}

func (o *Orchestrator) stopped() {
	o.bumpGen()
	if err := o.stage.StopDualControl(); err != nil {
		o.log.Warn("stop motor control failed", zap.Error(err))
	}
	o.stopHandled.Store(true)
	o.status(fmt.Sprintf("run stopped at point %d/%d", o.sm.CurrentPoint(), o.sm.TotalPoints()))
	o.listener.OnStopped()
}

func (o *Orchestrator) skip(point int) {
	if o.sm.CurrentPoint() != point {
		return
	}
	switch o.sm.State() {
	case RUNNING, PAUSED:
	default:
		return
	}
	gen := o.bumpGen()
	if o.stage.IsDualControlActive() {
		_ = o.stage.StopDualControl()
	}
	monitor.PointSkipped("operator")
	o.sm.SkipCurrentPoint()
	o.status(fmt.Sprintf("point %d skipped by operator", point+1))
	o.next(gen)
}

// next reports progress and moves on to the following point or completes.
func (o *Orchestrator) next(gen uint64) {
	cur, total := o.sm.CurrentPoint(), o.sm.TotalPoints()
	o.listener.OnProgress(cur, total)
	if o.sm.State() == STOPPING {
		return
	}
	if cur >= total {
		o.complete()
		return
	}
	o.after(0, gen, o.moveToPoint)
}

func (o *Orchestrator) complete() {
	o.sm.Complete()
	total := o.sm.ImageCounter()
	o.status(fmt.Sprintf("run finished: %d images", total))
	o.listener.OnFinished(total)
}

func (o *Orchestrator) moveToPoint() {
	gen := o.currentGen()
	switch o.sm.State() {
	case PAUSED:
		o.after(o.config().Timing.PauseSpin, gen, o.moveToPoint)
		return
	case RUNNING:
	default:
		return
	}
	target, ok := o.sm.CurrentTarget()
	if !ok {
		o.complete()
		return
	}
	cur, total := o.sm.CurrentPoint(), o.sm.TotalPoints()
	o.status(fmt.Sprintf("moving to point %d/%d (%.3f, %.3f)", cur+1, total, target.X, target.Y))
	if err := o.stage.SetDualRefs(target.X, target.Y); err != nil {
		o.pointFailed(gen, "move_error", err)
		return
	}
	if err := o.stage.StartDualControl(); err != nil {
		o.pointFailed(gen, "move_error", err)
		return
	}
	o.sm.ResetPositionChecks()
	o.after(o.config().Timing.FirstCheck, gen, o.checkPosition)
}

func (o *Orchestrator) checkPosition() {
	gen := o.currentGen()
	if o.sm.State() == STOPPING {
		return
	}
	timing := o.config().Timing
	if o.stage.IsPositionReached() {
		o.reached(gen)
		return
	}
	n := o.sm.IncrementPositionChecks()
	if n >= timing.CheckCap {
		monitor.PositionTimeout()
		o.log.Warn("position not reached, proceeding",
			zap.Int("point", o.sm.CurrentPoint()),
			zap.Int("checks", n))
		o.reached(gen)
		return
	}
	o.after(timing.CheckInterval, gen, o.checkPosition)
}

func (o *Orchestrator) reached(gen uint64) {
	if err := o.stage.StopDualControl(); err != nil {
		o.log.Warn("stop motor control failed", zap.Error(err))
	}
	o.after(o.config().DelayBefore, gen, o.capture)
}

func (o *Orchestrator) pointFailed(gen uint64, reason string, err error) {
	o.log.Error("point failed", zap.Int("point", o.sm.CurrentPoint()), zap.String("reason", reason), zap.Error(err))
	monitor.PointSkipped(reason)
	o.advance(gen)
}

// hold keeps the stage on the point for DelayAfter, then advances.
func (o *Orchestrator) hold(gen uint64) {
	if d := o.config().DelayAfter; d > 0 {
		o.after(d, gen, func() { o.advance(gen) })
		return
	}
	o.advance(gen)
}

func (o *Orchestrator) advance(gen uint64) {
	if gen != o.currentGen() {
		return
	}
	monitor.PointDone()
	o.sm.AdvancePoint()
	o.next(gen)
}

// capture always advances, whatever happens to the point.
func (o *Orchestrator) capture() {
	gen := o.currentGen()
	if o.sm.State() == STOPPING {
		return
	}
	defer o.hold(gen)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("capture panicked", zap.Int("point", o.sm.CurrentPoint()), zap.Any("panic", r))
			monitor.PointSkipped("panic")
		}
	}()
	cfg := o.config()
	ctx, _ := o.runContext()
	if cfg.Autofocus && o.autofocusEnabled.Load() {
		o.autofocusCapture(ctx, cfg)
		return
	}
	o.plainCapture(ctx, cfg)
}

func (o *Orchestrator) plainCapture(ctx context.Context, cfg Config) {
	point := o.sm.CurrentPoint()
	path, err := o.capturer.CaptureImage(ctx, cfg.CaptureOptions(), point)
	if err != nil {
		o.log.Error("capture failed", zap.Int("point", point), zap.Error(err))
		monitor.PointSkipped("capture_error")
		return
	}
	o.sm.IncrementImageCounter()
	o.log.Info("image captured", zap.Int("point", point), zap.String("path", path))
}

func largest(objects []iface.DetectedObject) iface.DetectedObject {
	best := objects[0]
	for _, obj := range objects[1:] {
		if obj.Area > best.Area {
			best = obj
		}
	}
	return best
}

func (o *Orchestrator) autofocusCapture(ctx context.Context, cfg Config) {
	point := o.sm.CurrentPoint()
	objects, err := o.flow.PredetectObjects(ctx)
	if err != nil {
		o.log.Error("detection failed", zap.Int("point", point), zap.Error(err))
		monitor.PointSkipped("detect_error")
		return
	}
	if len(objects) == 0 {
		o.status(fmt.Sprintf("point %d: no valid objects, skipping", point+1))
		monitor.PointSkipped("no_objects")
		return
	}
	obj := largest(objects)

	if active, count, target := o.sm.LearningActive(); active {
		if !o.confirm(ctx, cfg, obj, count, target) {
			o.status(fmt.Sprintf("point %d: candidate rejected", point+1))
			monitor.PointSkipped("rejected")
			return
		}
	}

	capture, err := o.flow.CaptureObject(ctx, obj, autofocus.CaptureRequest{
		PointIndex: point,
		Options:    cfg.CaptureOptions(),
	}, cfg.UseFullScan)
	if err != nil {
		reason := "capture_error"
		if errors.Is(err, autofocus.ErrFocusTooWeak) {
			reason = "weak_focus"
		}
		o.log.Warn("object not captured", zap.Int("point", point), zap.String("reason", reason), zap.Error(err))
		monitor.PointSkipped(reason)
		return
	}
	o.sm.IncrementImageCounter()
	o.listener.OnObjectCaptured(capture)
}

// confirm asks the operator about obj. No answer within the timeout, or
// an unavailable confirmer, counts as acceptance.
func (o *Orchestrator) confirm(ctx context.Context, cfg Config, obj iface.DetectedObject, count, target int) bool {
	frame, err := o.flow.PreviewFrame()
	if err != nil {
		frame = gocv.NewMat()
	}
	defer frame.Close()

	cctx, cancel := context.WithTimeout(ctx, cfg.Timing.ConfirmTimeout)
	defer cancel()
	ok, err := o.confirmer.Confirm(cctx, iface.ConfirmRequest{
		Frame:        frame,
		BBox:         obj.BBox,
		Mask:         obj.Contour,
		Area:         obj.Area,
		Score:        obj.Probability,
		CurrentCount: count,
		TotalCount:   target,
	})
	if err != nil {
		o.log.Warn("no confirmation, accepting", zap.Int("point", o.sm.CurrentPoint()), zap.Error(err))
		return true
	}
	return ok
}
