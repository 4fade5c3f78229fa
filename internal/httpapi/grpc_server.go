package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"escrowd.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service and keeps its serving
// status in step with the readiness probe.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Sync evaluates readiness once and publishes it for both the overall
// service and the named one.
func (s *GRPCServer) Sync(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	ready := true
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		ready = false
	}
	obs.SetReady(ready)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return ready
}

// Watch re-evaluates readiness every interval until ctx ends, then marks
// the service as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	obs.Component("grpc-health").WithField("version", s.version).Info("readiness watch started")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		s.Sync(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
		}
	}
}
