// Package rpc exposes the run state over the standard gRPC health protocol,
// so load balancers and the cluster controller can probe the microscope.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"AutoFocusServer/logger"
	"AutoFocusServer/microscopy"
	"AutoFocusServer/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service reporting the acquisition state.
const ServiceName = "microscopy"

// StateSource reports the acquisition state. *microscopy.Orchestrator
// satisfies it.
type StateSource interface {
	Summary() microscopy.Summary
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	source StateSource
	log    *zap.Logger
}

func NewServer(source StateSource, log *zap.Logger) *Server {
	s := &Server{
		health: health.NewServer(),
		source: source,
		log:    logger.OrNop(log),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.countUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Refresh()
	return s
}

func (s *Server) countUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	monitor.GRPCTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
	return resp, err
}

// servingStatus maps a run state onto the health protocol. Only a failed run
// is reported as not serving; paused and stopping runs still accept control.
func servingStatus(state string) healthpb.HealthCheckResponse_ServingStatus {
	if state == microscopy.ERROR.String() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Refresh publishes the current state and returns what was published.
func (s *Server) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if s.source != nil {
		st = servingStatus(s.source.Summary().State)
	}
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// Watch refreshes the health status every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := s.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st := s.Refresh(); st != last {
				s.log.Info("health changed", zap.String("service", ServiceName), zap.Stringer("status", st))
				last = st
			}
		}
	}
}

// Serve runs the server on lis until ctx is done, then drains it. Watchers
// are told NOT_SERVING before the listener closes.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("grpc server panic: %v", r)
			}
		}()
		errCh <- s.grpc.Serve(lis)
	}()
	go s.Watch(ctx, time.Second)
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	}
}

// ListenAndServe listens on port and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	return s.Serve(ctx, lis)
}
