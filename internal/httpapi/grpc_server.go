package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer implements grpc.health.v1.Health on top of the readiness probe.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	readiness readinessChecker
	service   string
}

func NewHealthServer(r readinessChecker, service string) *HealthServer {
	return &HealthServer{readiness: r, service: service}
}

// Check answers for "" (the whole server) and for the service's own name.
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != s.service {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", name)
	}
	if err := s.readiness.Check(ctx); err != nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// ServeGRPCHealth serves the health service on addr until ctx is cancelled.
func ServeGRPCHealth(ctx context.Context, addr string, hs *HealthServer, log *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	log.Info("grpc health listening", "addr", addr)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
