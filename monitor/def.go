package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"AutoFocusServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_megabytes",
		Help: "Resident memory of the server process in megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage of the server process in percent",
	})
	imagesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "afs_images_saved_total",
		Help: "Images written to disk",
	})
	pointsDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "afs_points_completed_total",
		Help: "Trajectory points processed",
	})
	pointsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "afs_points_skipped_total",
		Help: "Trajectory points skipped, by reason",
	}, []string{"reason"})
	positionTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "afs_position_timeouts_total",
		Help: "Points force-treated as reached after the check cap",
	})
	focusSearches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "afs_focus_searches_total",
		Help: "Focus searches, by strategy and outcome",
	}, []string{"strategy", "outcome"})
	focusScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "afs_focus_score",
		Help:    "Best focus score of successful searches",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	runState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "afs_run_state",
		Help: "Current microscopy run state (0 idle, 1 running, 2 paused, 3 stopping, 4 completed, 5 error)",
	})
	HTTPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "afs_http_requests_total",
		Help: "Control API requests, by route and status",
	}, []string{"route", "status"})
	GRPCTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "afs_grpc_requests_total",
		Help: "gRPC calls, by method and code",
	}, []string{"method", "code"})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, imagesSaved, pointsDone, pointsSkipped,
		positionTimeouts, focusSearches, focusScore, runState, HTTPTotal, GRPCTotal)
}

func ImageSaved()                { imagesSaved.Inc() }
func PointDone()                 { pointsDone.Inc() }
func PointSkipped(reason string) { pointsSkipped.WithLabelValues(reason).Inc() }
func PositionTimeout()           { positionTimeouts.Inc() }
func SetRunState(state int)      { runState.Set(float64(state)) }

// FocusSearch records one search. A nil err counts as success and adds the
// score to the histogram.
func FocusSearch(strategy string, score float64, err error) {
	if err != nil {
		focusSearches.WithLabelValues(strategy, "failed").Inc()
		return
	}
	focusSearches.WithLabelValues(strategy, "ok").Inc()
	focusScore.Observe(score)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpu, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpu*100) / 100)
	}
}

// StartMon serves /metrics on port and refreshes process stats every
// interval until ctx is done.
func StartMon(ctx context.Context, port int, interval time.Duration) {
	log := logger.Named("monitor")
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error("cannot inspect own process", zap.Error(err))
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
}
