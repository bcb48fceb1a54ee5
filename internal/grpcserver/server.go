// Package grpcserver exposes the standard gRPC health service so load
// balancers can drain an instance before its websockets are closed.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"crm-realtime/internal/observability"
)

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	service string
	logger  zerolog.Logger
}

// New builds the server and marks service as SERVING.
func New(service string, logger zerolog.Logger) *Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		grpc:    srv,
		health:  hs,
		service: service,
		logger:  logger.With().Str("component", "grpc").Logger(),
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc listening")
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Drain reports NOT_SERVING so new traffic goes elsewhere. Existing RPCs
// keep running.
func (s *Server) Drain() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(s.service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Stop waits for in-flight RPCs, or forces the stop once ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
