package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name for the custody API.
const ServiceName = "custody.v1.Custody"

// GRPCServer serves the standard gRPC health protocol for orchestrators.
type GRPCServer struct {
	monitor  *Monitor
	srv      *grpc.Server
	health   *grpchealth.Server
	port     int
	interval time.Duration
}

// NewGRPCServer creates a gRPC health server fed by monitor.
func NewGRPCServer(monitor *Monitor, port int) *GRPCServer {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{monitor: monitor, srv: srv, health: hs, port: port, interval: 10 * time.Second}
}

// Start listens and serves until Stop.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.srv.Serve(lis)
}

// Watch refreshes the serving status until ctx is cancelled.
func (s *GRPCServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh publishes the monitor's current verdict. Degraded still serves.
func (s *GRPCServer) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if report := s.monitor.CheckHealth(ctx); report.Status == StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		slog.Warn("Health critical", "components", report.Components)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop drains the server.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
