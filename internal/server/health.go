package server

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServer exposes the standard gRPC health checking service so
// orchestration probes can watch the daemon.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	port       int
	log        zerolog.Logger
}

// NewHealthServer creates the gRPC health server
func NewHealthServer(port int, log zerolog.Logger) *HealthServer {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	// health.NewServer reports SERVING by default; start NOT_SERVING until
	// the daemon calls SetServing(true) once the agent runs.
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	return &HealthServer{
		grpcServer: grpcServer,
		health:     healthServer,
		port:       port,
		log:        log,
	}
}

// SetServing flips the reported health status
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Start listens and serves until Shutdown
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}

	h.log.Info().Int("port", h.port).Msg("grpc health server listening")

	if err := h.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown stops the gRPC server gracefully
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}
