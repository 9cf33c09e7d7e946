// Package Adhoc keeps this microscope registered with the cluster
// controller by posting a heartbeat carrying the current run summary.
package Adhoc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"AutoFocusServer/logger"
	"AutoFocusServer/microscopy"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SimInstance    = 0x3001
	RigInstance    = 0x3002
	TimeOutSeconds = 5
)

// InstanceClass maps the hardware mode onto the class reported to the
// controller.
func InstanceClass(hardwareMode string) int {
	if hardwareMode == "sim" {
		return SimInstance
	}
	return RigInstance
}

type RegisterRequest struct {
	Id            string              `json:"id"`
	IP            string              `json:"ip"`
	Port          int                 `json:"port"`
	InstanceClass int                 `json:"instanceClass"`
	TimeStamp     int64               `json:"timestamp"`
	Status        *microscopy.Summary `json:"status,omitempty"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port     int
	Addr     string
	Interval time.Duration
}

// StateSource reports the run summary sent with each beat.
type StateSource interface {
	Summary() microscopy.Summary
}

type Heartbeat struct {
	client        *resty.Client
	url           string
	id            string
	ip            string
	port          int
	instanceClass int
	interval      time.Duration
	source        StateSource
	log           *zap.Logger
}

// NewHeartbeat announces ip:port to the controller at cfg.Addr:cfg.Port.
// cfg.Addr may carry its own scheme.
func NewHeartbeat(cfg RegServerConfig, ip string, port, instanceClass int, source StateSource, log *zap.Logger) *Heartbeat {
	base := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Heartbeat{
		client:        resty.New().SetTimeout(TimeOutSeconds * time.Second),
		url:           base + "/api/register",
		id:            uuid.NewString(),
		ip:            ip,
		port:          port,
		instanceClass: instanceClass,
		interval:      interval,
		source:        source,
		log:           logger.OrNop(log),
	}
}

// ID is the instance id, stable for the life of the process.
func (h *Heartbeat) ID() string { return h.id }

// Beat sends one registration.
func (h *Heartbeat) Beat(ctx context.Context) error {
	reqBody := RegisterRequest{
		Id:            h.id,
		IP:            h.ip,
		Port:          h.port,
		InstanceClass: h.instanceClass,
		TimeStamp:     time.Now().Unix(),
	}
	if h.source != nil {
		s := h.source.Summary()
		reqBody.Status = &s
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("register: controller returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("register: controller refused id %s", h.id)
	}
	return nil
}

func (h *Heartbeat) safeBeat(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("heartbeat panic recovered", zap.Any("panic", r))
		}
	}()
	if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
		h.log.Warn("heartbeat failed", zap.String("url", h.url), zap.Error(err))
	}
}

// Run beats immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.safeBeat(ctx)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat stopped", zap.String("id", h.id))
			return
		case <-ticker.C:
			h.safeBeat(ctx)
		}
	}
}
