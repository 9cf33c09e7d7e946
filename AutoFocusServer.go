package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	adhoc "AutoFocusServer/Adhoc"
	"AutoFocusServer/api"
	"AutoFocusServer/autofocus"
	"AutoFocusServer/config"
	"AutoFocusServer/engine"
	"AutoFocusServer/focus"
	"AutoFocusServer/hardware"
	iface "AutoFocusServer/interface"
	rpc "AutoFocusServer/gRPC"
	"AutoFocusServer/logger"
	"AutoFocusServer/microscopy"
	"AutoFocusServer/monitor"
	"AutoFocusServer/storage"
	"AutoFocusServer/volumetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// UDP dial picks the outbound route without sending anything
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// batchSaver writes every multi-focal worker batch next to the run's
// captures.
func batchSaver(w *storage.Writer, opts func() iface.CaptureOptions, log *zap.Logger) func(autofocus.MultiFocalBatch) {
	var seq atomic.Int64
	return func(b autofocus.MultiFocalBatch) {
		o := opts()
		n := int(seq.Add(1))
		for _, fc := range b.Captures {
			path := filepath.Join(o.Folder, storage.MultiFocalFilename(o.ClassName, n, fc.Z-b.BPoF, o.Format))
			meta := []storage.Meta{
				{Key: "Z_UM", Value: fc.Z, Comment: "focus position"},
				{Key: "FSCORE", Value: fc.Score, Comment: "focus score"},
			}
			if err := w.Save(fc.Frame, path, o, meta...); err != nil {
				log.Warn("multi-focal frame not saved", zap.Float64("z_um", fc.Z), zap.Error(err))
			}
		}
	}
}

func run(path string) error {
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(c.Logging.Level, c.Logging.Development); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()
	log.Info("starting",
		zap.String("version", Version),
		zap.Int("cpus", runtime.NumCPU()),
		zap.String("config", path))

	if err := c.Autofocus.Validate(); err != nil {
		return err
	}
	if err := c.Filter.Validate(); err != nil {
		return err
	}
	gin.SetMode(c.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hw, err := hardware.Open(c.Hardware, log.Named("hardware"))
	if err != nil {
		return err
	}
	defer hw.Close()
	if z, err := hw.Z.ReadZ(); err != nil {
		log.Warn("focus axis unreachable", zap.Error(err))
	} else if err := c.Autofocus.ValidateAgainstHardware(z, hw.Z.ZRange()); err != nil {
		return err
	}

	detector := engine.NewDetector(c.Detector, log.Named("detector"))
	defer detector.Close()
	thresholds := engine.NewThresholdStore(c.Filter)
	writer := storage.NewWriter(log.Named("storage"))

	ctrl := autofocus.NewController(detector, thresholds, hw.Z, hw.Camera, writer, c.Autofocus, log.Named("autofocus"))
	hub := api.NewHub(log.Named("ws"))
	broker := api.NewBroker(hub, log.Named("confirm"))
	orch := microscopy.NewOrchestrator(hw.Stage,
		&storage.FrameCapturer{Camera: hw.Camera, Writer: writer, Log: log.Named("capture")},
		ctrl, broker, hub, log.Named("microscopy"))

	stable := focus.StableScorer{
		Camera:   hw.Camera,
		Base:     focus.LaplacianScorer{KernelSize: 3, Scale: 1, Margin: c.Autofocus.RoiMargin},
		Frames:   c.Autofocus.StableFrames,
		Interval: c.Autofocus.StableInterval,
	}
	status := func() microscopy.HardwareStatus {
		ok := hw.Connected()
		return microscopy.HardwareStatus{StageConnected: ok, ZConnected: ok, CameraConnected: true, ZRange: hw.Z.ZRange()}
	}
	worker := autofocus.NewWorker(hw.Z, hw.Camera, stable, c.Autofocus,
		hub.WorkerCallbacks(batchSaver(writer, c.Microscopy.CaptureOptions, log.Named("worker"))),
		log.Named("worker"))
	srv := api.NewServer(ctx, api.Deps{
		Runner:     orch,
		Scanner:    worker,
		Stacker:    volumetry.NewOrchestrator(hw.Z, hw.Camera, writer, c.Volumetry, log.Named("volumetry")),
		Focuser:    ctrl,
		Z:          hw.Z,
		Thresholds: thresholds,
		Hub:        hub,
		Broker:     broker,
		RunConfig:  c.Microscopy,
		Hardware:   status,
		Log:        log.Named("api"),
	})

	var wg sync.WaitGroup
	if c.Monitor.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.StartMon(ctx, c.Monitor.Port, c.Monitor.Interval)
		}()
	}

	health := rpc.NewServer(orch, log.Named("grpc"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := health.ListenAndServe(ctx, c.Server.GRPCPort); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()

	if c.Registry.Enabled {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Warn("no outbound address, registration disabled", zap.Error(err))
		} else {
			hb := adhoc.NewHeartbeat(adhoc.RegServerConfig{
				Addr:     c.Registry.Addr,
				Port:     c.Registry.Port,
				Interval: c.Registry.Interval,
			}, ip, c.Server.GRPCPort, adhoc.InstanceClass(c.Hardware.Mode), orch, log.Named("registry"))
			wg.Add(1)
			go hb.Run(ctx, &wg)
		}
	} else {
		log.Info("registry disabled, skipping registration")
	}

	httpSrv := &http.Server{Addr: c.Server.Addr, Handler: srv.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", c.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		stop()
	}

	if orch.Stop() == nil {
		orch.Wait()
	}
	if !worker.Stop(2 * time.Second) {
		log.Warn("autofocus worker forced to stop")
	}
	srv.AbortVolumetry()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	hub.Close()
	wg.Wait()
	log.Info("safely exited")
	return err
}
