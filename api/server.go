// Package api is the operator's control surface: REST routes for runs,
// filters, the autofocus worker and volumetry, a websocket event stream, and
// the learning-mode confirmation prompts.
package api

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"AutoFocusServer/autofocus"
	"AutoFocusServer/engine"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"
	"AutoFocusServer/microscopy"
	"AutoFocusServer/monitor"
	"AutoFocusServer/volumetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ErrHardwareBusy = errors.New("hardware is in use by another operation")

// Runner drives trajectory runs. *microscopy.Orchestrator implements it.
type Runner interface {
	Start(ctx context.Context, cfg microscopy.Config, hw microscopy.HardwareStatus) error
	Pause() error
	Resume() error
	Skip() error
	Stop() error
	Summary() microscopy.Summary
	SetAutofocusEnabled(on bool)
	AutofocusEnabled() bool
}

// Scanner is the background autofocus worker.
type Scanner interface {
	Start(ctx context.Context, job autofocus.Job) error
	Cancel()
	State() autofocus.WorkerState
}

// Stacker captures Z-stacks. *volumetry.Orchestrator implements it.
type Stacker interface {
	Run(ctx context.Context, req volumetry.Request) (*volumetry.Result, error)
	Abort()
	Running() bool
}

// Focuser finds and focuses the object a stack is taken around.
// *autofocus.Controller implements it.
type Focuser interface {
	PredetectObjects(ctx context.Context) ([]iface.DetectedObject, error)
	FocusSingleObject(ctx context.Context, obj iface.DetectedObject, zCenter *float64, useFullScan bool) (iface.FocusResult, error)
	Config() autofocus.Config
}

type Deps struct {
	Runner     Runner
	Scanner    Scanner
	Stacker    Stacker
	Focuser    Focuser
	Z          iface.ZAxis
	Thresholds *engine.ThresholdStore
	Hub        *Hub
	Broker     *Broker
	// RunConfig seeds every start request; fields in the request body
	// override it.
	RunConfig microscopy.Config
	Hardware  func() microscopy.HardwareStatus
	Log       *zap.Logger
}

type Server struct {
	d   Deps
	ctx context.Context
	log *zap.Logger

	mu      sync.Mutex
	baseCfg microscopy.Config

	// claimMu is held from the busy check until a run, scan or stack has
	// taken the Z axis.
	claimMu sync.Mutex

	volBusy atomic.Bool
	volDone chan struct{}
}

// NewServer builds the routes. Runs, scans and stacks started over the API
// live as long as ctx, not as long as the request.
func NewServer(ctx context.Context, d Deps) *Server {
	if d.Hub == nil {
		d.Hub = NewHub(d.Log)
	}
	if d.Broker == nil {
		d.Broker = NewBroker(d.Hub, d.Log)
	}
	if d.Hardware == nil {
		d.Hardware = func() microscopy.HardwareStatus { return microscopy.HardwareStatus{} }
	}
	return &Server{d: d, ctx: ctx, log: logger.OrNop(d.Log), baseCfg: d.RunConfig}
}

func (s *Server) Hub() *Hub       { return s.d.Hub }
func (s *Server) Broker() *Broker { return s.d.Broker }

// errorStatus maps domain errors onto HTTP codes.
func errorStatus(err error) int {
	var verr *iface.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownConfirmation):
		return http.StatusNotFound
	case errors.Is(err, microscopy.ErrRunActive),
		errors.Is(err, microscopy.ErrInvalidTransition),
		errors.Is(err, autofocus.ErrWorkerBusy),
		errors.Is(err, volumetry.ErrBusy),
		errors.Is(err, ErrHardwareBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var verr *iface.ValidationError
	if errors.As(err, &verr) {
		body["problems"] = verr.Problems
	}
	c.JSON(errorStatus(err), body)
}

func metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		monitor.HTTPTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func requestLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metrics(), requestLog(s.log))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", s.status)

	run := r.Group("/api/run")
	run.GET("/config", s.getRunConfig)
	run.PUT("/config", s.putRunConfig)
	run.POST("/start", s.start)
	run.POST("/pause", s.control(s.d.Runner.Pause))
	run.POST("/resume", s.control(s.d.Runner.Resume))
	run.POST("/skip", s.control(s.d.Runner.Skip))
	run.POST("/stop", s.control(s.d.Runner.Stop))

	r.GET("/api/autofocus", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"enabled": s.d.Runner.AutofocusEnabled()})
	})
	r.PUT("/api/autofocus", s.setAutofocus)

	r.GET("/api/filter", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.d.Thresholds.Get()})
	})
	r.PUT("/api/filter", s.setFilter)

	r.GET("/api/confirmations", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.d.Broker.Pending()})
	})
	r.POST("/api/confirmations/:id", s.answer)

	if s.d.Scanner != nil {
		r.GET("/api/worker", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"state": s.d.Scanner.State().String()})
		})
		r.POST("/api/worker/scan", s.scan)
		r.POST("/api/worker/cancel", func(c *gin.Context) {
			s.d.Scanner.Cancel()
			c.JSON(http.StatusOK, gin.H{"data": "cancel requested"})
		})
	}
	if s.d.Stacker != nil && s.d.Focuser != nil && s.d.Z != nil {
		r.POST("/api/volumetry", s.volumetry)
		r.POST("/api/volumetry/abort", func(c *gin.Context) {
			s.d.Stacker.Abort()
			c.JSON(http.StatusOK, gin.H{"data": "abort requested"})
		})
	}

	r.GET("/ws", s.d.Hub.ServeWS)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	return r
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{
		"run":                   s.d.Runner.Summary(),
		"autofocus_enabled":     s.d.Runner.AutofocusEnabled(),
		"pending_confirmations": len(s.d.Broker.Pending()),
		"clients":               s.d.Hub.Clients(),
		"volumetry_running":     s.volBusy.Load(),
	}
	if s.d.Scanner != nil {
		body["worker"] = s.d.Scanner.State().String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) runConfig() microscopy.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.baseCfg
	cfg.Trajectory = append([]iface.StagePoint(nil), s.baseCfg.Trajectory...)
	return cfg
}

// bindOnto decodes the body over cfg. An empty body leaves cfg as is.
func bindOnto(c *gin.Context, cfg any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(cfg)
}

func (s *Server) getRunConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.runConfig()})
}

func (s *Server) putRunConfig(c *gin.Context) {
	cfg := s.runConfig()
	if err := bindOnto(c, &cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.baseCfg = cfg
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

func (s *Server) hardwareBusy() bool {
	if s.volBusy.Load() {
		return true
	}
	return s.d.Scanner != nil && s.d.Scanner.State() == autofocus.WorkerRunning
}

func runActive(sum microscopy.Summary) bool {
	switch sum.State {
	case microscopy.RUNNING.String(), microscopy.PAUSED.String(), microscopy.STOPPING.String():
		return true
	}
	return false
}

func (s *Server) start(c *gin.Context) {
	cfg := s.runConfig()
	if err := bindOnto(c, &cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.claimMu.Lock()
	if s.hardwareBusy() {
		s.claimMu.Unlock()
		fail(c, ErrHardwareBusy)
		return
	}
	err := s.d.Runner.Start(s.ctx, cfg, s.d.Hardware())
	s.claimMu.Unlock()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.d.Runner.Summary()})
}

func (s *Server) control(op func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": s.d.Runner.Summary()})
	}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setAutofocus(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.d.Runner.SetAutofocusEnabled(*req.Enabled)
	s.log.Info("autofocus toggled", zap.Bool("enabled", *req.Enabled))
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (s *Server) setFilter(c *gin.Context) {
	th := s.d.Thresholds.Get()
	if err := c.ShouldBindJSON(&th); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := th.Validate(); err != nil {
		fail(c, err)
		return
	}
	s.d.Thresholds.Set(th)
	s.log.Info("filter thresholds updated",
		zap.Float64("min_area", th.MinArea),
		zap.Float64("max_area", th.MaxArea),
		zap.Float64("min_circularity", th.MinCircularity),
		zap.Float64("min_aspect_ratio", th.MinAspectRatio))
	c.JSON(http.StatusOK, gin.H{"data": th})
}

type answerRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (s *Server) answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.d.Broker.Answer(c.Param("id"), *req.Accept); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "answered"})
}

type scanRequest struct {
	// ROI is x0, y0, x1, y1 in frame pixels; empty scores the whole frame.
	ROI    []int   `json:"roi"`
	ZMin   float64 `json:"z_min"`
	ZMax   float64 `json:"z_max"`
	Step   float64 `json:"step"`
	Offset float64 `json:"offset"`
}

func (s *Server) scan(c *gin.Context) {
	var req scanRequest
	if err := bindOnto(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job := autofocus.Job{ZMin: req.ZMin, ZMax: req.ZMax, Step: req.Step, Offset: req.Offset}
	switch len(req.ROI) {
	case 0:
	case 4:
		job.ROI = image.Rect(req.ROI[0], req.ROI[1], req.ROI[2], req.ROI[3])
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "roi needs four values: x0, y0, x1, y1"})
		return
	}
	s.claimMu.Lock()
	if runActive(s.d.Runner.Summary()) || s.volBusy.Load() {
		s.claimMu.Unlock()
		fail(c, ErrHardwareBusy)
		return
	}
	err := s.d.Scanner.Start(s.ctx, job)
	s.claimMu.Unlock()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": "scan started"})
}

type volumetryRequest struct {
	Count        int     `json:"count"`
	Range        float64 `json:"range"`
	Distribution string  `json:"distribution"`
	UseFullScan  bool    `json:"use_full_scan"`
	ClassName    string  `json:"class_name"`
	Folder       string  `json:"folder"`
	Format       string  `json:"format"`
}

func (s *Server) volumetry(c *gin.Context) {
	var req volumetryRequest
	if err := bindOnto(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Distribution {
	case "", volumetry.Uniform, volumetry.Centered:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown distribution %q", req.Distribution)})
		return
	}
	s.claimMu.Lock()
	if runActive(s.d.Runner.Summary()) || (s.d.Scanner != nil && s.d.Scanner.State() == autofocus.WorkerRunning) {
		s.claimMu.Unlock()
		fail(c, ErrHardwareBusy)
		return
	}
	if !s.volBusy.CompareAndSwap(false, true) {
		s.claimMu.Unlock()
		fail(c, volumetry.ErrBusy)
		return
	}
	s.claimMu.Unlock()
	done := make(chan struct{})
	s.mu.Lock()
	s.volDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		defer s.volBusy.Store(false)
		s.runVolumetry(req)
	}()
	c.JSON(http.StatusAccepted, gin.H{"data": "volumetry started"})
}

// WaitVolumetry blocks until the last stack started over the API is done.
func (s *Server) WaitVolumetry() {
	s.mu.Lock()
	done := s.volDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// AbortVolumetry aborts a running stack and waits for it to return.
func (s *Server) AbortVolumetry() {
	if s.d.Stacker != nil {
		s.d.Stacker.Abort()
	}
	s.WaitVolumetry()
}

// runVolumetry focuses the largest valid object and stacks around it.
func (s *Server) runVolumetry(req volumetryRequest) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("volumetry panicked", zap.Any("panic", r))
			s.d.Hub.Broadcast("volumetry_error", gin.H{"message": fmt.Sprint(r)})
		}
	}()
	report := func(err error) {
		s.log.Error("volumetry failed", zap.Error(err))
		s.d.Hub.Broadcast("volumetry_error", gin.H{"message": err.Error()})
	}

	objects, err := s.d.Focuser.PredetectObjects(s.ctx)
	if err != nil {
		report(err)
		return
	}
	if len(objects) == 0 {
		report(errors.New("no valid object in view"))
		return
	}
	obj := objects[0]
	for _, o := range objects[1:] {
		if o.Area > obj.Area {
			obj = o
		}
	}
	res, err := s.d.Focuser.FocusSingleObject(s.ctx, obj, nil, req.UseFullScan)
	if err != nil {
		report(err)
		return
	}
	if err := s.d.Z.MoveZ(res.ZOptimal); err != nil {
		report(fmt.Errorf("move to BPoF: %w", err))
		return
	}

	scanMin, scanMax := 0.0, s.d.Z.ZRange()
	if !req.UseFullScan {
		half := s.d.Focuser.Config().SearchRange / 2
		scanMin = max(0, res.ZOptimal-half)
		scanMax = min(s.d.Z.ZRange(), res.ZOptimal+half)
	}
	opts := s.runConfig().CaptureOptions()
	if req.ClassName != "" {
		opts.ClassName = req.ClassName
	}
	if req.Folder != "" {
		opts.Folder = req.Folder
	}
	if req.Format != "" {
		opts.Format = req.Format
	}

	result, err := s.d.Stacker.Run(s.ctx, volumetry.Request{
		Object:       obj,
		BPoFScore:    res.Score,
		ScanMin:      scanMin,
		ScanMax:      scanMax,
		Options:      opts,
		Count:        req.Count,
		Range:        req.Range,
		Distribution: req.Distribution,
	})
	if result == nil {
		report(err)
		return
	}
	s.d.Hub.Broadcast("volumetry_done", gin.H{
		"manifest": result.ManifestPath,
		"images":   result.Manifest.NImages,
		"bpof_um":  result.Manifest.ZBPoF,
		"aborted":  result.Manifest.Aborted,
	})
}
