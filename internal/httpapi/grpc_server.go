package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"ocpihub.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer answers grpc.health.v1 checks from the readiness probe.
type GRPCServer struct {
	grpc_health_v1.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCServer creates the health service.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r}
}

// Register adds the health service to s.
func (s *GRPCServer) Register(srv grpc.ServiceRegistrar) {
	grpc_health_v1.RegisterHealthServer(srv, s)
}

// Check reports SERVING for the empty service name and for ocpihub.
func (s *GRPCServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", name)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Warn("grpc health check failed", map[string]any{"error": err.Error()})
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}
